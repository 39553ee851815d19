package p2p

import (
	"context"
	"errors"
	"fmt"
	"sync"

	dht "github.com/libp2p/go-libp2p-kad-dht"
	coredisc "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/peer"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

// ErrDHTUnavailable is returned by a DHTSource that is not bound.
var ErrDHTUnavailable = errors.New("dht not available")

// DHTSource finds peers advertising the network rendezvous on the DHT.
// It is created with the group and bound once the host is up.
type DHTSource struct {
	rendezvous string

	mu   sync.RWMutex
	self peer.ID
	rd   *drouting.RoutingDiscovery
}

func newDHTSource(rendezvous string) *DHTSource {
	return &DHTSource{rendezvous: rendezvous}
}

func (s *DHTSource) bind(self peer.ID, kad *dht.IpfsDHT) {
	s.mu.Lock()
	s.self = self
	s.rd = drouting.NewRoutingDiscovery(kad)
	s.mu.Unlock()
}

func (s *DHTSource) unbind() {
	s.mu.Lock()
	s.rd = nil
	s.mu.Unlock()
}

// FindPeers implements discovery.Source.
func (s *DHTSource) FindPeers(ctx context.Context, limit int) ([]discovery.Candidate, error) {
	s.mu.RLock()
	rd, self := s.rd, s.self
	s.mu.RUnlock()
	if rd == nil {
		return nil, ErrDHTUnavailable
	}

	var opts []coredisc.Option
	if limit > 0 {
		opts = append(opts, coredisc.Limit(limit))
	}
	ch, err := rd.FindPeers(ctx, s.rendezvous, opts...)
	if err != nil {
		return nil, fmt.Errorf("dht find peers: %w", err)
	}

	var out []discovery.Candidate
	for info := range ch {
		if info.ID == self || len(info.Addrs) == 0 {
			continue
		}
		for _, addr := range info.Addrs {
			c, err := discovery.FromMultiaddr(addr, info.ID)
			if err != nil {
				continue
			}
			out = append(out, c)
			break
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *Group) initDHT() error {
	var boot []peer.AddrInfo
	for _, s := range g.cfg.Bootstrap {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			klog.P2P.Warn().Err(err).Str("addr", s).Msg("Bad bootstrap address")
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			klog.P2P.Warn().Err(err).Str("addr", s).Msg("Bootstrap address without peer ID")
			continue
		}
		boot = append(boot, *info)
	}

	opts := []dht.Option{dht.Mode(dht.ModeClient)}
	if len(boot) > 0 {
		opts = append(opts, dht.BootstrapPeers(boot...))
	}
	kad, err := dht.New(g.ctx, g.host, opts...)
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	g.kad = kad
	if err := kad.Bootstrap(g.ctx); err != nil {
		return fmt.Errorf("bootstrap kad-dht: %w", err)
	}
	g.seeds.bind(g.host.ID(), kad)
	return nil
}
