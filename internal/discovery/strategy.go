package discovery

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/log"
)

// maxParallelLookups bounds concurrent curated-host resolution.
const maxParallelLookups = 8

// Strategy produces candidate peers for one discovery cycle.
type Strategy interface {
	Discover(ctx context.Context, limit int) ([]Candidate, error)
	Shutdown()
}

// Source is generic seed discovery, such as a DHT rendezvous.
type Source interface {
	FindPeers(ctx context.Context, limit int) ([]Candidate, error)
}

// Policy is the part of the connection policy discovery depends on.
type Policy struct {
	MaxConnections int
	TrustedHost    string
	TrustedPort    int
}

// Deps are the collaborators a strategy uses.
type Deps struct {
	Resolver Resolver
	// Generic is consulted by Composite when the curated list is empty.
	// May be nil.
	Generic Source
	// Connected lists currently connected peers. May be nil.
	Connected func() []Candidate
}

// Select chooses the strategy for the network class and policy.
func Select(params *config.Params, policy Policy, deps Deps) Strategy {
	if deps.Resolver == nil {
		deps.Resolver = NetResolver{}
	}
	switch {
	case params.Private:
		log.Discovery.Info().Str("network", string(params.Network)).Msg("Discovery disabled on private network")
		return Disabled{}
	case policy.TrustedHost != "":
		return &TrustedOnly{params: params, policy: policy, deps: deps}
	default:
		return &Composite{params: params, deps: deps}
	}
}

// Disabled never returns candidates.
type Disabled struct{}

// Discover implements Strategy.
func (Disabled) Discover(context.Context, int) ([]Candidate, error) { return nil, nil }

// Shutdown implements Strategy.
func (Disabled) Shutdown() {}

// TrustedOnly targets the configured trusted host. When it does not
// resolve, or carries no peer id to dial, the curated list is used
// instead; generic discovery never is.
type TrustedOnly struct {
	params *config.Params
	policy Policy
	deps   Deps
}

// Discover implements Strategy.
func (t *TrustedOnly) Discover(ctx context.Context, _ int) ([]Candidate, error) {
	trusted, ok := t.resolveTrusted(ctx)
	if !ok {
		log.Discovery.Warn().Str("host", t.policy.TrustedHost).Msg("Trusted host unresolved, using curated peers")
		out := resolveAll(ctx, t.deps.Resolver, t.params.TrustedHosts, t.params.DefaultPort)
		return removeConnected(out, t.deps.Connected), nil
	}
	// The connector shuffles what it gets; a trimmed list keeps the
	// trusted peer in the attempted set.
	out := trim([]Candidate{trusted}, t.policy.MaxConnections)
	return removeConnected(out, t.deps.Connected), nil
}

func (t *TrustedOnly) resolveTrusted(ctx context.Context) (Candidate, bool) {
	port := t.policy.TrustedPort
	if port == 0 {
		port = t.params.DefaultPort
	}
	c, err := ParseEndpoint(t.policy.TrustedHost, port)
	if err != nil {
		log.Discovery.Warn().Err(err).Msg("Bad trusted host")
		return Candidate{}, false
	}
	if c.ID == "" {
		log.Discovery.Warn().Str("host", t.policy.TrustedHost).Msg("Trusted host has no /p2p/ peer id and cannot be dialed")
		return Candidate{}, false
	}
	return resolve(ctx, t.deps.Resolver, c)
}

// Shutdown implements Strategy.
func (t *TrustedOnly) Shutdown() {}

// Composite uses the curated list and falls back to generic discovery
// only when no curated host resolves.
type Composite struct {
	params *config.Params
	deps   Deps
}

// Discover implements Strategy.
func (c *Composite) Discover(ctx context.Context, limit int) ([]Candidate, error) {
	out := resolveAll(ctx, c.deps.Resolver, c.params.TrustedHosts, c.params.DefaultPort)
	if len(out) > 0 {
		return removeConnected(out, c.deps.Connected), nil
	}
	if c.deps.Generic == nil {
		return nil, nil
	}
	found, err := c.deps.Generic.FindPeers(ctx, limit)
	if err != nil {
		log.Discovery.Warn().Err(err).Msg("Generic seed discovery failed")
		return nil, nil
	}
	return removeConnected(found, c.deps.Connected), nil
}

// Shutdown implements Strategy.
func (c *Composite) Shutdown() {
	if s, ok := c.deps.Generic.(interface{ Shutdown() }); ok {
		s.Shutdown()
	}
}

// resolve fills in c.IP. Failures are logged and scoped to c.
func resolve(ctx context.Context, r Resolver, c Candidate) (Candidate, bool) {
	if c.Resolved() {
		return c, true
	}
	ips, err := r.LookupIP(ctx, c.Host)
	if err != nil {
		log.Discovery.Debug().Err(err).Str("host", c.Host).Msg("Lookup failed")
		return c, false
	}
	ip := pickIP(ips)
	if ip == nil {
		return c, false
	}
	c.IP = ip
	return c, true
}

// resolveAll parses and resolves endpoints concurrently, keeping input
// order and dropping entries that fail.
func resolveAll(ctx context.Context, r Resolver, endpoints []string, defaultPort int) []Candidate {
	results := make([]Candidate, len(endpoints))
	ok := make([]bool, len(endpoints))

	var g errgroup.Group
	g.SetLimit(maxParallelLookups)
	for i, ep := range endpoints {
		g.Go(func() error {
			c, err := ParseEndpoint(ep, defaultPort)
			if err != nil {
				log.Discovery.Warn().Err(err).Str("endpoint", ep).Msg("Skipping curated peer")
				return nil
			}
			results[i], ok[i] = resolve(ctx, r, c)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]Candidate, 0, len(endpoints))
	for i := range results {
		if ok[i] {
			out = append(out, results[i])
		}
	}
	return out
}

func trim(cs []Candidate, max int) []Candidate {
	if max >= 0 && len(cs) > max {
		return cs[:max]
	}
	return cs
}

func removeConnected(cs []Candidate, connected func() []Candidate) []Candidate {
	if connected == nil {
		return cs
	}
	peers := connected()
	if len(peers) == 0 {
		return cs
	}
	out := make([]Candidate, 0, len(cs))
	for _, c := range cs {
		if !matchesAny(c, peers) {
			out = append(out, c)
		}
	}
	return out
}

func matchesAny(c Candidate, peers []Candidate) bool {
	for _, p := range peers {
		if c.Matches(p) {
			return true
		}
	}
	return false
}

