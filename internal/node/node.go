// Package node wires the SPV client together so it can be embedded in any
// binary (daemon, mobile shell, tests).
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	"github.com/Klingon-tech/klingnet-spv/internal/impediment"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/internal/spv"
	"github.com/Klingon-tech/klingnet-spv/internal/wallet"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
)

var _ spv.Wallet = (*wallet.Wallet)(nil)

const (
	walletSaveInterval = time.Minute
	metricsShutdown    = 5 * time.Second
)

// Node is a fully-initialized SPV client.
type Node struct {
	cfg    *config.Config
	params *config.Params
	logger zerolog.Logger

	wallet   *wallet.Wallet
	resolver *discovery.CachingResolver
	bans     *p2p.BanList
	manager  *spv.Manager
	monitor  *impediment.Monitor

	metricsSrv *http.Server

	syncedTo atomic.Uint64
	closed   atomic.Bool
}

// Status is a point-in-time summary of the client.
type Status struct {
	Network     config.NetworkType
	State       spv.State
	Height      uint64
	Peers       int
	Impediments impediment.Set
}

// New creates and initializes a node. It opens the wallet and the header
// store but does not touch the network. Call Run for that.
func New(cfg *config.Config) (*Node, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := expandHome(cfg.Log.File)
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "klingnet-spv.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	// ── 2. Network parameters ───────────────────────────────────────
	params := config.ParamsFor(cfg.Network)
	logger.Info().
		Str("network", params.Name).
		Str("network_id", params.NetworkID).
		Str("trusted_host", cfg.P2P.TrustedHost).
		Msg("Starting Klingnet SPV client")

	if err := os.MkdirAll(cfg.ChainDataDir(), 0700); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	// ── 3. Wallet bookkeeping ───────────────────────────────────────
	w, err := wallet.Open(expandHome(cfg.WalletFile()), cfg.Wallet.Birthday)
	if err != nil {
		return nil, fmt.Errorf("open wallet: %w", err)
	}

	// ── 4. Resolver ─────────────────────────────────────────────────
	resolver, err := discovery.NewCachingResolver(discovery.NetResolver{}, cfg.P2P.ResolverTTL.Dur())
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	// ── 5. Metrics ──────────────────────────────────────────────────
	spvMetrics, p2pMetrics := spv.NopMetrics(), p2p.NopMetrics()
	if cfg.Metrics.Enabled {
		spvMetrics = spv.PrometheusMetrics(cfg.Metrics.Namespace)
		p2pMetrics = p2p.PrometheusMetrics(cfg.Metrics.Namespace)
	}

	// ── 6. Sync manager ─────────────────────────────────────────────
	n := &Node{
		cfg:      cfg,
		params:   params,
		logger:   logger,
		wallet:   w,
		resolver: resolver,
		bans:     p2p.NewBanList(),
	}
	n.manager = spv.New(spv.Config{
		Params:           params,
		TrustedHost:      cfg.P2P.TrustedHost,
		TrustedPort:      cfg.P2P.TrustedPort,
		ConnectTimeout:   cfg.P2P.ConnectTimeout.Dur(),
		DiscoveryTimeout: cfg.P2P.DiscoveryTimeout.Dur(),
		UserAgent:        cfg.P2P.UserAgent,
		CheckpointPath:   expandHome(cfg.CheckpointPath()),
		Resolver:         resolver,
		LowMemory:        lowMemoryFunc(cfg.Sync.Memory),
		Metrics:          spvMetrics,
		PeerManagers: func(hc *chain.HeaderChain) spv.PeerManager {
			return p2p.NewGroup(p2p.GroupConfig{
				Params:    params,
				Chain:     hc,
				DHT:       cfg.P2P.DHT,
				Bootstrap: cfg.P2P.Bootstrap,
				Bans:      n.bans,
				Metrics:   p2pMetrics,
			})
		},
	}, w)
	n.manager.AddListener(&spv.ListenerFuncs{
		OnPeerGroupInitialized: func(spv.PeerManager) {
			logger.Info().Msg("Peer network starting")
		},
		OnOff: func(s impediment.Set) {
			logger.Info().Stringer("impediments", s).Msg("Peer network off")
		},
	})

	// ── 7. Header store ─────────────────────────────────────────────
	walletReset, err := n.manager.Init(nil, cfg.HeaderStoreDir())
	if err != nil {
		resolver.Close()
		return nil, fmt.Errorf("init header store: %w", err)
	}
	if walletReset {
		logger.Warn().Msg("New header store, wallet sync state reset")
		if err := w.Save(); err != nil {
			logger.Warn().Err(err).Msg("Failed to save wallet")
		}
	}
	logger.Info().
		Uint64("height", n.manager.ChainHeadHeight()).
		Str("path", cfg.HeaderStoreDir()).
		Msg("Header store ready")

	// ── 8. Impediment monitor ───────────────────────────────────────
	n.monitor = impediment.NewMonitor(cfg.Sync.PollInterval.Dur(), n.onImpediments,
		impediment.NetworkProbe(),
		impediment.StorageProbe(cfg.ChainDataDir(), cfg.Sync.MinFreeDisk),
	)

	// ── 9. Metrics server ───────────────────────────────────────────
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		n.metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return n, nil
}

// Run starts the wallet, the impediment monitor and the metrics exporter,
// and blocks until ctx is done or one of them fails. The peer network is
// started and stopped by the monitor. Call Close afterwards.
func (n *Node) Run(ctx context.Context) error {
	n.wallet.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.monitor.Run(gctx)
	})
	g.Go(func() error {
		n.autosave(gctx)
		return nil
	})
	if n.metricsSrv != nil {
		g.Go(func() error {
			n.logger.Info().Str("addr", n.metricsSrv.Addr).Msg("Metrics server listening")
			if err := n.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), metricsShutdown)
			defer cancel()
			return n.metricsSrv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (n *Node) autosave(ctx context.Context) {
	ticker := time.NewTicker(walletSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.wallet.Save(); err != nil {
				n.logger.Warn().Err(err).Msg("Wallet autosave failed")
			}
		}
	}
}

// Close stops the peer network and releases the header store. With reset
// the store is deleted and the wallet detached from the chain. Close is
// idempotent.
func (n *Node) Close(reset bool) error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := n.manager.Shutdown(reset)
	n.resolver.Close()
	if err != nil {
		n.logger.Error().Err(err).Msg("Shutdown failed")
		return err
	}
	n.logger.Info().Bool("reset", reset).Msg("Goodbye!")
	return nil
}

// Pause forces the peer network off until Resume.
func (n *Node) Pause() { n.monitor.Set(impediment.Paused, true) }

// Resume lifts a Pause.
func (n *Node) Resume() { n.monitor.Set(impediment.Paused, false) }

// Broadcast relays t through the running peer network. It returns nil
// while the network is stopped.
func (n *Node) Broadcast(t *tx.Transaction) *p2p.Broadcast {
	if t != nil {
		n.wallet.Track(t)
	}
	return n.manager.Broadcast(t)
}

// Manager returns the sync manager.
func (n *Node) Manager() *spv.Manager { return n.manager }

// Wallet returns the wallet bookkeeping.
func (n *Node) Wallet() *wallet.Wallet { return n.wallet }

// Status returns a summary of the client.
func (n *Node) Status() Status {
	return Status{
		Network:     n.cfg.Network,
		State:       n.manager.State(),
		Height:      n.manager.ChainHeadHeight(),
		Peers:       len(n.manager.ListConnectedPeers()),
		Impediments: n.monitor.Current(),
	}
}

// ── Callbacks ───────────────────────────────────────────────────────

func (n *Node) onImpediments(set impediment.Set) {
	n.manager.Check(set, n, n, n)
}

// OnPeerConnected implements p2p.ConnectedListener.
func (n *Node) OnPeerConnected(p p2p.PeerInfo, count int) {
	n.logger.Info().
		Str("peer", p.ID.String()).
		Stringer("addr", p.Addr).
		Str("agent", p.UserAgent).
		Int("peers", count).
		Msg("Peer connected")
}

// OnPeerDisconnected implements p2p.DisconnectedListener.
func (n *Node) OnPeerDisconnected(p p2p.PeerInfo, count int) {
	n.logger.Info().
		Str("peer", p.ID.String()).
		Int("peers", count).
		Msg("Peer disconnected")
}

// OnProgress implements p2p.ProgressListener.
func (n *Node) OnProgress(height, target uint64) {
	n.logger.Debug().Uint64("height", height).Uint64("target", target).Msg("Downloading headers")
}

// OnDone implements p2p.ProgressListener.
func (n *Node) OnDone(height uint64) {
	if n.syncedTo.Swap(height) != height {
		n.logger.Info().Uint64("height", height).Msg("Headers synced")
	}
}
