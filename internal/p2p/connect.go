package p2p

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

func (g *Group) connectLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(connectInterval)
	defer ticker.Stop()

	g.connectOnce()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		case <-g.kickConnect:
		}
		g.connectOnce()
	}
}

// connectOnce asks every strategy for candidates and dials until the
// connection target is met.
func (g *Group) connectOnce() {
	g.mu.RLock()
	need := g.maxConns - g.PeerCount()
	strategies := append([]discovery.Strategy(nil), g.strategies...)
	discTimeout := g.discoveryTimeout
	connTimeout := g.connectTimeout
	g.mu.RUnlock()
	if need <= 0 || len(strategies) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(g.ctx, discTimeout)
	var candidates []discovery.Candidate
	for _, s := range strategies {
		found, err := s.Discover(ctx, need)
		if err != nil {
			klog.P2P.Warn().Err(err).Msg("Discovery failed")
			continue
		}
		candidates = append(candidates, found...)
	}
	cancel()

	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})

	dialed := 0
	for _, c := range candidates {
		if dialed >= need || g.ctx.Err() != nil {
			return
		}
		if c.ID == "" {
			klog.P2P.Debug().Str("candidate", c.String()).Msg("Skipping candidate without peer id")
			continue
		}
		if c.ID == g.host.ID() || g.isConnected(c.ID) || g.bans.Banned(c.ID) {
			continue
		}
		info, err := c.AddrInfo()
		if err != nil {
			continue
		}
		dctx, dcancel := context.WithTimeout(g.ctx, connTimeout)
		err = g.host.Connect(dctx, info)
		dcancel()
		if err != nil {
			klog.P2P.Debug().Err(err).Str("candidate", c.String()).Msg("Dial failed")
			continue
		}
		dialed++
	}
}
