// Package chain tracks the best header chain on top of a header store.
package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// Chain errors.
var (
	ErrOrphan     = errors.New("header does not extend the tip")
	ErrBadHeight  = errors.New("header height does not follow parent")
	ErrTimeTravel = errors.New("header timestamp before parent")
)

// Store is the persistence a HeaderChain drives.
type Store interface {
	Head() (*block.Header, error)
	Get(hash types.Hash) (*block.Header, error)
	Put(h *block.Header) error
	SetHead(hash types.Hash) error
}

// GrowthFunc is called after the tip advances.
type GrowthFunc func(tip *block.Header)

// HeaderChain accepts headers that extend the stored tip.
type HeaderChain struct {
	mu    sync.RWMutex
	store Store
	tip   *block.Header

	subMu  sync.Mutex
	nextID int
	subs   map[int]GrowthFunc
}

// New loads the tip from store.
func New(store Store) (*HeaderChain, error) {
	tip, err := store.Head()
	if err != nil {
		return nil, fmt.Errorf("load tip: %w", err)
	}
	return &HeaderChain{
		store: store,
		tip:   tip,
		subs:  make(map[int]GrowthFunc),
	}, nil
}

// BestHeight returns the tip height.
func (c *HeaderChain) BestHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tip.Height
}

// Tip returns a copy of the tip header.
func (c *HeaderChain) Tip() *block.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t := *c.tip
	return &t
}

// Add appends h to the chain. Re-adding the tip is a no-op.
func (c *HeaderChain) Add(h *block.Header) error {
	if err := h.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	tipHash := c.tip.Hash()
	hash := h.Hash()
	if hash == tipHash {
		c.mu.Unlock()
		return nil
	}
	if h.PrevHash != tipHash {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s parent %s, tip %s", ErrOrphan, hash.Short(), h.PrevHash.Short(), tipHash.Short())
	}
	if h.Height != c.tip.Height+1 {
		c.mu.Unlock()
		return fmt.Errorf("%w: got %d, want %d", ErrBadHeight, h.Height, c.tip.Height+1)
	}
	if h.Timestamp < c.tip.Timestamp {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d < %d", ErrTimeTravel, h.Timestamp, c.tip.Timestamp)
	}
	if err := c.store.Put(h); err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.store.SetHead(hash); err != nil {
		c.mu.Unlock()
		return err
	}
	added := *h
	c.tip = &added
	c.mu.Unlock()

	log.Sync.Trace().Uint64("height", h.Height).Str("hash", hash.Short()).Msg("Header connected")
	c.notify(&added)
	return nil
}

// Recent walks back from the tip and returns at most n headers, tip first.
func (c *HeaderChain) Recent(n int) []*block.Header {
	if n <= 0 {
		return nil
	}
	cur := c.Tip()
	out := make([]*block.Header, 0, n)
	for len(out) < n {
		out = append(out, cur)
		if cur.Height == 0 {
			break
		}
		prev, err := c.store.Get(cur.PrevHash)
		if err != nil {
			// Checkpointed stores have no history below the checkpoint.
			break
		}
		cur = prev
	}
	return out
}

// OnGrowth registers fn for tip advances and returns its unsubscribe func.
func (c *HeaderChain) OnGrowth(fn GrowthFunc) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()
	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *HeaderChain) notify(tip *block.Header) {
	c.subMu.Lock()
	fns := make([]GrowthFunc, 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(tip)
	}
}
