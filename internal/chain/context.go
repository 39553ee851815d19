package chain

import (
	"sync/atomic"

	"github.com/Klingon-tech/klingnet-spv/config"
)

// Context carries the network parameters and the chain currently
// published for validation. It is passed explicitly to every component
// that needs the active chain.
type Context struct {
	params  *config.Params
	current atomic.Pointer[HeaderChain]
}

// NewContext creates a context for params.
func NewContext(params *config.Params) *Context {
	return &Context{params: params}
}

// Params returns the network parameters.
func (c *Context) Params() *config.Params { return c.params }

// Publish makes hc the current chain. A nil hc clears it.
func (c *Context) Publish(hc *HeaderChain) { c.current.Store(hc) }

// Current returns the published chain, or nil.
func (c *Context) Current() *HeaderChain { return c.current.Load() }

// Factory builds the chain bound to store and publishes it to ctx.
func Factory(ctx *Context, store Store) (*HeaderChain, error) {
	hc, err := New(store)
	if err != nil {
		return nil, err
	}
	ctx.Publish(hc)
	return hc, nil
}
