package discovery

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Resolver looks up the addresses of a host name.
type Resolver interface {
	LookupIP(ctx context.Context, host string) ([]net.IP, error)
}

// NetResolver resolves through a net.Resolver.
type NetResolver struct {
	R *net.Resolver
}

// LookupIP implements Resolver. IP literals resolve to themselves.
func (n NetResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	r := n.R
	if r == nil {
		r = net.DefaultResolver
	}
	return r.LookupIP(ctx, "ip", host)
}

// CachingResolver remembers successful lookups for a TTL.
// Failures are not cached.
type CachingResolver struct {
	inner Resolver
	ttl   time.Duration
	cache *ristretto.Cache[string, []net.IP]
}

// NewCachingResolver wraps inner. A ttl of 0 disables caching.
func NewCachingResolver(inner Resolver, ttl time.Duration) (*CachingResolver, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, []net.IP]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
		// Cost is one per host; ignore ristretto's per-item overhead.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("resolver cache: %w", err)
	}
	return &CachingResolver{inner: inner, ttl: ttl, cache: cache}, nil
}

// LookupIP implements Resolver.
func (c *CachingResolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if c.ttl > 0 {
		if ips, ok := c.cache.Get(host); ok {
			return ips, nil
		}
	}
	ips, err := c.inner.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if c.ttl > 0 && len(ips) > 0 {
		c.cache.SetWithTTL(host, ips, 1, c.ttl)
		c.cache.Wait()
	}
	return ips, nil
}

// Close releases the cache.
func (c *CachingResolver) Close() {
	c.cache.Close()
}

// pickIP prefers an IPv4 address.
func pickIP(ips []net.IP) net.IP {
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return nil
}
