package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/Klingon-tech/klingnet-spv/config"
)

type mapResolver struct {
	mu    sync.Mutex
	hosts map[string]string
	calls map[string]int
}

func newMapResolver(hosts map[string]string) *mapResolver {
	return &mapResolver{hosts: hosts, calls: make(map[string]int)}
}

func (m *mapResolver) LookupIP(_ context.Context, host string) ([]net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[host]++
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if s, ok := m.hosts[host]; ok {
		return []net.IP{net.ParseIP(s)}, nil
	}
	return nil, fmt.Errorf("no such host %s", host)
}

func (m *mapResolver) count(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[host]
}

type fakeSource struct {
	calls atomic.Int32
	out   []Candidate
	err   error
}

func (f *fakeSource) FindPeers(context.Context, int) ([]Candidate, error) {
	f.calls.Add(1)
	return f.out, f.err
}

func testParams(curated ...string) *config.Params {
	p := config.ParamsFor(config.Mainnet)
	p.TrustedHosts = curated
	return p
}

func TestSelect_Variants(t *testing.T) {
	assert.IsType(t, Disabled{}, Select(config.ParamsFor(config.Regtest), Policy{TrustedHost: "x"}, Deps{}))
	assert.IsType(t, &TrustedOnly{}, Select(config.ParamsFor(config.Mainnet), Policy{TrustedHost: "x"}, Deps{}))
	assert.IsType(t, &Composite{}, Select(config.ParamsFor(config.Testnet), Policy{}, Deps{}))
}

func TestDisabled(t *testing.T) {
	out, err := Disabled{}.Discover(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestComposite_MainnetCuratedWithoutGeneric(t *testing.T) {
	params := config.ParamsFor(config.Mainnet)
	res := newMapResolver(map[string]string{"seed1.klingnet.io": "198.51.100.1"})
	gen := &fakeSource{out: []Candidate{{Host: "203.0.113.9", Port: 1, IP: net.ParseIP("203.0.113.9")}}}
	s := Select(params, Policy{MaxConnections: 6}, Deps{Resolver: res, Generic: gen, Connected: func() []Candidate { return nil }})

	out, err := s.Discover(context.Background(), 6)
	require.NoError(t, err)
	require.Len(t, out, len(params.TrustedHosts))
	assert.Equal(t, int32(0), gen.calls.Load())
	for _, c := range out {
		assert.True(t, c.Resolved())
		assert.NotEmpty(t, c.ID)
		assert.Equal(t, params.DefaultPort, c.Port)
	}
}

func TestComposite_FallsBackToGeneric(t *testing.T) {
	res := newMapResolver(nil)
	generic := []Candidate{
		{Host: "203.0.113.1", Port: 30303, IP: net.ParseIP("203.0.113.1")},
		{Host: "203.0.113.2", Port: 30303, IP: net.ParseIP("203.0.113.2")},
	}
	gen := &fakeSource{out: generic}
	connected := func() []Candidate { return generic[:1] }
	s := Select(testParams("unresolvable.invalid"), Policy{}, Deps{Resolver: res, Generic: gen, Connected: connected})

	out, err := s.Discover(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, generic[1:], out)
	assert.Equal(t, int32(1), gen.calls.Load())
}

func TestComposite_GenericFailureIsEmpty(t *testing.T) {
	gen := &fakeSource{err: errors.New("dht down")}
	s := Select(testParams(), Policy{}, Deps{Resolver: newMapResolver(nil), Generic: gen})
	out, err := s.Discover(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestComposite_NoGenericSource(t *testing.T) {
	s := Select(testParams(), Policy{}, Deps{Resolver: newMapResolver(nil)})
	out, err := s.Discover(context.Background(), 4)
	require.NoError(t, err)
	assert.Empty(t, out)
}

const testPeerID = "QmYCB6ProwLr5wj5FtNW2bp4Xqohz58x8oNoaXpwAYB3eq"

func TestTrustedOnly_Resolved(t *testing.T) {
	res := newMapResolver(map[string]string{"node.example.com": "192.0.2.7"})
	gen := &fakeSource{}
	params := testParams("/ip4/198.51.100.1/tcp/30303")
	trusted := "/dns4/node.example.com/tcp/4000/p2p/" + testPeerID
	s := Select(params, Policy{MaxConnections: 1, TrustedHost: trusted}, Deps{Resolver: res, Generic: gen})

	out, err := s.Discover(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "node.example.com", out[0].Host)
	assert.Equal(t, 4000, out[0].Port)
	assert.Equal(t, testPeerID, out[0].ID.String())
	assert.True(t, out[0].IP.Equal(net.ParseIP("192.0.2.7")))
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestTrustedOnly_WithoutPeerIDUsesCurated(t *testing.T) {
	curated := "/ip4/198.51.100.1/tcp/30303/p2p/" + testPeerID
	for _, trusted := range []string{"127.0.0.1:4000", "node.example.com", "/ip4/192.0.2.7/tcp/4000"} {
		res := newMapResolver(map[string]string{"node.example.com": "192.0.2.7"})
		gen := &fakeSource{}
		s := Select(testParams(curated), Policy{MaxConnections: 1, TrustedHost: trusted, TrustedPort: 4000}, Deps{Resolver: res, Generic: gen})

		out, err := s.Discover(context.Background(), 1)
		require.NoError(t, err, trusted)
		require.Len(t, out, 1, trusted)
		assert.Equal(t, "198.51.100.1", out[0].Host, trusted)
		assert.Equal(t, testPeerID, out[0].ID.String(), trusted)
		assert.Zero(t, res.count("node.example.com"), trusted)
		assert.Equal(t, int32(0), gen.calls.Load(), trusted)
	}
}

func TestTrustedOnly_UnresolvedUsesCuratedNeverGeneric(t *testing.T) {
	res := newMapResolver(map[string]string{"seed.example.com": "198.51.100.4"})
	gen := &fakeSource{out: []Candidate{{Host: "203.0.113.1", Port: 1, IP: net.ParseIP("203.0.113.1")}}}
	params := testParams("seed.example.com", "gone.invalid", "/ip4/198.51.100.5/tcp/30303")
	s := Select(params, Policy{MaxConnections: 1, TrustedHost: "trusted.invalid"}, Deps{Resolver: res, Generic: gen})

	out, err := s.Discover(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "seed.example.com", out[0].Host)
	assert.Equal(t, "198.51.100.5", out[1].Host)
	assert.Equal(t, int32(0), gen.calls.Load())

	// Empty curated result still does not consult generic discovery.
	s = Select(testParams("gone.invalid"), Policy{MaxConnections: 1, TrustedHost: "trusted.invalid"}, Deps{Resolver: res, Generic: gen})
	out, err = s.Discover(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, int32(0), gen.calls.Load())
}

func TestTrustedOnly_AlreadyConnected(t *testing.T) {
	connected := func() []Candidate {
		return []Candidate{{Host: "192.0.2.7", Port: 30303, IP: net.ParseIP("192.0.2.7")}}
	}
	res := newMapResolver(map[string]string{"node.example.com": "192.0.2.7"})
	trusted := "/dns4/node.example.com/tcp/30303/p2p/" + testPeerID
	s := Select(testParams(), Policy{MaxConnections: 1, TrustedHost: trusted}, Deps{Resolver: res, Connected: connected})
	out, err := s.Discover(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestProperty_NoConnectedPeerReturned(t *testing.T) {
	ips := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4", "10.0.0.5"}
	ports := []int{30303, 30304}

	rapid.Check(t, func(t *rapid.T) {
		curated := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) string {
			return fmt.Sprintf("%s:%d", rapid.SampledFrom(ips).Draw(t, "ip"), rapid.SampledFrom(ports).Draw(t, "port"))
		}), 0, 8).Draw(t, "curated")
		connected := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Candidate {
			ip := rapid.SampledFrom(ips).Draw(t, "ip")
			return Candidate{Host: ip, IP: net.ParseIP(ip), Port: rapid.SampledFrom(ports).Draw(t, "port")}
		}), 0, 6).Draw(t, "connected")
		generic := rapid.SliceOfN(rapid.Custom(func(t *rapid.T) Candidate {
			ip := rapid.SampledFrom(ips).Draw(t, "ip")
			return Candidate{Host: ip, IP: net.ParseIP(ip), Port: rapid.SampledFrom(ports).Draw(t, "port")}
		}), 0, 6).Draw(t, "generic")
		trusted := ""
		if rapid.Bool().Draw(t, "trusted") {
			trusted = "unresolvable.invalid"
			if rapid.Bool().Draw(t, "dialable") {
				trusted = fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", rapid.SampledFrom(ips).Draw(t, "ip"), rapid.SampledFrom(ports).Draw(t, "port"), testPeerID)
			}
		}
		max := rapid.IntRange(0, 8).Draw(t, "max")

		params := testParams(curated...)
		s := Select(params, Policy{MaxConnections: max, TrustedHost: trusted}, Deps{
			Resolver:  newMapResolver(nil),
			Generic:   &fakeSource{out: generic},
			Connected: func() []Candidate { return connected },
		})
		out, err := s.Discover(context.Background(), max)
		if err != nil {
			t.Fatalf("discover: %v", err)
		}
		for _, c := range out {
			for _, p := range connected {
				if c.Matches(p) {
					t.Fatalf("returned connected peer %s", c)
				}
			}
		}
		if trusted != "" && trusted != "unresolvable.invalid" && len(out) > max {
			t.Fatalf("trusted result has %d candidates, max %d", len(out), max)
		}
	})
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		host string
		port int
		ip   bool
		id   bool
	}{
		{"node.example.com", "node.example.com", 30303, false, false},
		{"node.example.com:4000", "node.example.com", 4000, false, false},
		{"192.0.2.1", "192.0.2.1", 30303, true, false},
		{"192.0.2.1:1", "192.0.2.1", 1, true, false},
		{"[2001:db8::1]:4000", "2001:db8::1", 4000, true, false},
		{"2001:db8::1", "2001:db8::1", 30303, true, false},
		{"/ip4/192.0.2.1/tcp/4000", "192.0.2.1", 4000, true, false},
		{"/dns4/seed.example.com/tcp/30303/p2p/QmYCB6ProwLr5wj5FtNW2bp4Xqohz58x8oNoaXpwAYB3eq", "seed.example.com", 30303, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			c, err := ParseEndpoint(tt.in, 30303)
			require.NoError(t, err)
			assert.Equal(t, tt.host, c.Host)
			assert.Equal(t, tt.port, c.Port)
			assert.Equal(t, tt.ip, c.Resolved())
			assert.Equal(t, tt.id, c.ID != "")
		})
	}

	for _, bad := range []string{"", "host:", "host:99999", "[::1", "/ip4/1.2.3.4", "/ip4/1.2.3.4/udp/5"} {
		_, err := ParseEndpoint(bad, 30303)
		assert.ErrorIs(t, err, ErrBadEndpoint, bad)
	}
}

func TestCandidate_MatchesAndAddrInfo(t *testing.T) {
	a := Candidate{Host: "node.example.com", Port: 1, IP: net.ParseIP("192.0.2.1")}
	assert.True(t, a.Matches(Candidate{Host: "192.0.2.1", Port: 1}))
	assert.True(t, a.Matches(Candidate{Host: "NODE.example.com", Port: 1}))
	assert.False(t, a.Matches(Candidate{Host: "192.0.2.1", Port: 2}))
	assert.False(t, a.Matches(Candidate{Host: "192.0.2.2", Port: 1, IP: net.ParseIP("192.0.2.2")}))

	_, err := a.AddrInfo()
	assert.Error(t, err)

	c, err := ParseEndpoint("/ip4/192.0.2.1/tcp/30303/p2p/QmYCB6ProwLr5wj5FtNW2bp4Xqohz58x8oNoaXpwAYB3eq", 0)
	require.NoError(t, err)
	info, err := c.AddrInfo()
	require.NoError(t, err)
	assert.Equal(t, c.ID, info.ID)
	require.Len(t, info.Addrs, 1)

	back, err := FromMultiaddr(info.Addrs[0], info.ID)
	require.NoError(t, err)
	assert.True(t, back.Matches(c))
}

func TestCachingResolver(t *testing.T) {
	inner := newMapResolver(map[string]string{"a.example.com": "192.0.2.1"})
	r, err := NewCachingResolver(inner, time.Minute)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 3; i++ {
		ips, err := r.LookupIP(context.Background(), "a.example.com")
		require.NoError(t, err)
		require.Len(t, ips, 1)
	}
	assert.Equal(t, 1, inner.count("a.example.com"))

	for i := 0; i < 2; i++ {
		_, err = r.LookupIP(context.Background(), "missing.invalid")
		assert.Error(t, err)
	}
	assert.Equal(t, 2, inner.count("missing.invalid"))
}
