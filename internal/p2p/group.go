// Package p2p implements the SPV peer manager on libp2p: outbound
// connections, header download and transaction relay.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
)

// Group errors.
var (
	ErrGroupStopped     = errors.New("peer group stopped")
	ErrNotRunning       = errors.New("peer group not running")
	ErrInsufficientAcks = errors.New("insufficient broadcast acknowledgments")
	ErrRejected         = errors.New("transaction rejected by peer")
)

// Defaults applied by NewGroup.
const (
	DefaultMaxConnections   = 6
	DefaultConnectTimeout   = 10 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second

	connectInterval = 2 * time.Second
	syncInterval    = 30 * time.Second
)

// GroupConfig holds what a group is bound to at construction.
type GroupConfig struct {
	Params *config.Params
	Chain  *chain.HeaderChain
	// DHT enables the generic seed source on public networks.
	DHT       bool
	Bootstrap []string
	// Bans may be shared between groups. nil = private list.
	Bans    *BanList
	Metrics *Metrics
}

// Group manages the outbound peer connections of an SPV client.
// Configure it, then StartAsync; a stopped group cannot be restarted.
type Group struct {
	cfg     GroupConfig
	metrics *Metrics
	bans    *BanList
	seeds   *DHTSource

	ctx    context.Context
	cancel context.CancelFunc

	mu                sync.RWMutex
	userAgent         string
	maxConns          int
	connectTimeout    time.Duration
	discoveryTimeout  time.Duration
	minBroadcastConns int
	txDepDepth        int
	strategies        []discovery.Strategy
	connListeners     []ConnectedListener
	discListeners     []DisconnectedListener
	wallets           []Wallet
	progress          ProgressListener
	started           bool
	stopping          bool

	host        host.Host
	pubsub      *pubsub.PubSub
	kad         *dht.IpfsDHT
	topicTx     *pubsub.Topic
	topicAnn    *pubsub.Topic
	subTx       *pubsub.Subscription
	subAnn      *pubsub.Subscription
	running     chan struct{} // closed once the host is up
	startDone   chan struct{} // closed when start returns
	stopped     chan struct{} // closed when teardown finished
	stopOnce    sync.Once
	wg          sync.WaitGroup
	kickConnect chan struct{}
	kickSync    chan struct{}

	peersMu  sync.RWMutex
	peers    map[peer.ID]*PeerInfo
	doneAt   uint64
	doneOnce bool
}

// NewGroup creates a group bound to cfg.Chain.
func NewGroup(cfg GroupConfig) *Group {
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	if cfg.Bans == nil {
		cfg.Bans = NewBanList()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Group{
		cfg:              cfg,
		metrics:          cfg.Metrics,
		bans:             cfg.Bans,
		ctx:              ctx,
		cancel:           cancel,
		userAgent:        config.DefaultUserAgent,
		maxConns:         DefaultMaxConnections,
		connectTimeout:   DefaultConnectTimeout,
		discoveryTimeout: DefaultDiscoveryTimeout,
		running:          make(chan struct{}),
		startDone:        make(chan struct{}),
		stopped:          make(chan struct{}),
		kickConnect:      make(chan struct{}, 1),
		kickSync:         make(chan struct{}, 1),
		peers:            make(map[peer.ID]*PeerInfo),
	}
	g.seeds = newDHTSource(cfg.Params.Rendezvous())
	return g
}

// --- Settings ---

// SetUserAgent sets the identify user agent. Effective before StartAsync.
func (g *Group) SetUserAgent(ua string) {
	g.mu.Lock()
	g.userAgent = ua
	g.mu.Unlock()
}

// UserAgent returns the configured user agent.
func (g *Group) UserAgent() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.userAgent
}

// SetMaxConnections sets the outbound connection target.
func (g *Group) SetMaxConnections(n int) {
	g.mu.Lock()
	g.maxConns = n
	g.mu.Unlock()
	g.kick(g.kickConnect)
}

// MaxConnections returns the outbound connection target.
func (g *Group) MaxConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.maxConns
}

// SetConnectTimeout bounds a single dial.
func (g *Group) SetConnectTimeout(d time.Duration) {
	g.mu.Lock()
	g.connectTimeout = d
	g.mu.Unlock()
}

// ConnectTimeout returns the dial timeout.
func (g *Group) ConnectTimeout() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.connectTimeout
}

// SetDiscoveryTimeout bounds one discovery cycle.
func (g *Group) SetDiscoveryTimeout(d time.Duration) {
	g.mu.Lock()
	g.discoveryTimeout = d
	g.mu.Unlock()
}

// DiscoveryTimeout returns the discovery cycle timeout.
func (g *Group) DiscoveryTimeout() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.discoveryTimeout
}

// SetMinBroadcastConnections sets how many peers a relay waits for.
func (g *Group) SetMinBroadcastConnections(n int) {
	g.mu.Lock()
	g.minBroadcastConns = n
	g.mu.Unlock()
}

// MinBroadcastConnections returns how many peers a relay waits for.
func (g *Group) MinBroadcastConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.minBroadcastConns
}

// SetDownloadTxDependencies limits how deep the parents of relayed
// transactions are fetched. The group fetches none beyond depth 0.
func (g *Group) SetDownloadTxDependencies(depth int) {
	g.mu.Lock()
	g.txDepDepth = depth
	g.mu.Unlock()
}

// DownloadTxDependencies returns the dependency fetch depth.
func (g *Group) DownloadTxDependencies() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.txDepDepth
}

// AddDiscovery installs a discovery strategy.
func (g *Group) AddDiscovery(s discovery.Strategy) {
	g.mu.Lock()
	g.strategies = append(g.strategies, s)
	g.mu.Unlock()
	g.kick(g.kickConnect)
}

// SeedSource is the generic DHT source, usable once the group runs.
func (g *Group) SeedSource() discovery.Source { return g.seeds }

// --- Listeners and wallets ---

// AddConnectedListener registers l.
func (g *Group) AddConnectedListener(l ConnectedListener) {
	g.mu.Lock()
	g.connListeners = append(g.connListeners, l)
	g.mu.Unlock()
}

// RemoveConnectedListener unregisters l.
func (g *Group) RemoveConnectedListener(l ConnectedListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.connListeners {
		if x == l {
			g.connListeners = append(g.connListeners[:i:i], g.connListeners[i+1:]...)
			return
		}
	}
}

// AddDisconnectedListener registers l.
func (g *Group) AddDisconnectedListener(l DisconnectedListener) {
	g.mu.Lock()
	g.discListeners = append(g.discListeners, l)
	g.mu.Unlock()
}

// RemoveDisconnectedListener unregisters l.
func (g *Group) RemoveDisconnectedListener(l DisconnectedListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.discListeners {
		if x == l {
			g.discListeners = append(g.discListeners[:i:i], g.discListeners[i+1:]...)
			return
		}
	}
}

// AddWallet attaches w to relayed transactions.
func (g *Group) AddWallet(w Wallet) {
	g.mu.Lock()
	g.wallets = append(g.wallets, w)
	g.mu.Unlock()
}

// RemoveWallet detaches w.
func (g *Group) RemoveWallet(w Wallet) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, x := range g.wallets {
		if x == w {
			g.wallets = append(g.wallets[:i:i], g.wallets[i+1:]...)
			return
		}
	}
}

// Wallets returns the attached wallets.
func (g *Group) Wallets() []Wallet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Wallet(nil), g.wallets...)
}

// --- Lifecycle ---

// StartAsync starts the host and background loops without blocking.
// Start failures are logged; the group then stays without peers.
func (g *Group) StartAsync() {
	g.mu.Lock()
	if g.started || g.stopping {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	go func() {
		defer close(g.startDone)
		if err := g.start(); err != nil {
			klog.P2P.Error().Err(err).Msg("Peer group failed to start")
		}
	}()
}

// Running returns a channel closed once the host is up.
func (g *Group) Running() <-chan struct{} { return g.running }

// StartHeaderDownload begins catching the chain up with the best peer,
// reporting to progress (may be nil).
func (g *Group) StartHeaderDownload(progress ProgressListener) {
	if progress == nil {
		progress = nopProgress{}
	}
	g.mu.Lock()
	g.progress = progress
	g.mu.Unlock()
	g.kick(g.kickSync)
}

// StopAsync begins teardown and returns a channel closed when it is done.
func (g *Group) StopAsync() <-chan struct{} {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		g.stopping = true
		started := g.started
		g.mu.Unlock()

		g.cancel()
		go func() {
			defer close(g.stopped)
			if started {
				<-g.startDone
			}
			g.teardown()
		}()
	})
	return g.stopped
}

// Stop tears the group down and waits for completion.
func (g *Group) Stop() {
	<-g.StopAsync()
}

func (g *Group) start() error {
	g.mu.RLock()
	ua := g.userAgent
	g.mu.RUnlock()

	h, err := libp2p.New(
		libp2p.NoListenAddrs,
		libp2p.UserAgent(ua),
		libp2p.ConnectionGater(&banGater{bans: g.bans}),
	)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	if g.ctx.Err() != nil {
		h.Close()
		return ErrGroupStopped
	}
	g.host = h
	h.Network().Notify(&connNotifier{group: g})

	ps, err := pubsub.NewGossipSub(g.ctx, h, pubsub.WithMaxMessageSize(tx.MaxSize+64*1024))
	if err != nil {
		return fmt.Errorf("create pubsub: %w", err)
	}
	g.pubsub = ps
	if err := g.joinTopics(); err != nil {
		return err
	}

	if g.cfg.DHT && !g.cfg.Params.Private {
		if err := g.initDHT(); err != nil {
			// The curated list still works without it.
			klog.P2P.Warn().Err(err).Msg("DHT unavailable")
		}
	}

	g.wg.Add(4)
	go g.readLoop(g.subAnn, g.handleAnnouncement)
	go g.readLoop(g.subTx, g.handleRelayedTx)
	go g.connectLoop()
	go g.syncLoop()

	close(g.running)
	klog.P2P.Info().Str("id", h.ID().String()).Str("user_agent", ua).Msg("Peer group started")
	return nil
}

func (g *Group) teardown() {
	g.wg.Wait()

	g.mu.RLock()
	strategies := append([]discovery.Strategy(nil), g.strategies...)
	g.mu.RUnlock()
	for _, s := range strategies {
		s.Shutdown()
	}

	if g.subTx != nil {
		g.subTx.Cancel()
	}
	if g.subAnn != nil {
		g.subAnn.Cancel()
	}
	if g.topicTx != nil {
		g.topicTx.Close()
	}
	if g.topicAnn != nil {
		g.topicAnn.Close()
	}
	g.seeds.unbind()
	if g.kad != nil {
		g.kad.Close()
	}
	if g.host != nil {
		if err := g.host.Close(); err != nil {
			klog.P2P.Warn().Err(err).Msg("Host close failed")
		}
	}

	g.peersMu.Lock()
	g.peers = make(map[peer.ID]*PeerInfo)
	g.peersMu.Unlock()
	g.metrics.Peers.Set(0)
	klog.P2P.Info().Msg("Peer group stopped")
}

func (g *Group) kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// --- Peers ---

// ID returns the local peer ID, empty before the host is up.
func (g *Group) ID() peer.ID {
	select {
	case <-g.running:
		return g.host.ID()
	default:
		return ""
	}
}

// PeerCount returns the number of connected peers.
func (g *Group) PeerCount() int {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	return len(g.peers)
}

// ConnectedPeers returns a snapshot of connected peers, oldest first.
func (g *Group) ConnectedPeers() []PeerInfo {
	g.peersMu.RLock()
	out := make([]PeerInfo, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, *p)
	}
	g.peersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// ConnectedCandidates returns the endpoints of connected peers.
func (g *Group) ConnectedCandidates() []discovery.Candidate {
	peers := g.ConnectedPeers()
	out := make([]discovery.Candidate, len(peers))
	for i, p := range peers {
		out[i] = p.Addr
	}
	return out
}

// BestPeerHeight returns the highest height reported by a connected peer.
func (g *Group) BestPeerHeight() (uint64, bool) {
	best, ok := g.bestPeer()
	return best.Height, ok
}

func (g *Group) bestPeer() (PeerInfo, bool) {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	var best *PeerInfo
	for _, p := range g.peers {
		if best == nil || p.Height > best.Height {
			best = p
		}
	}
	if best == nil {
		return PeerInfo{}, false
	}
	return *best, true
}

func (g *Group) isConnected(id peer.ID) bool {
	g.peersMu.RLock()
	defer g.peersMu.RUnlock()
	_, ok := g.peers[id]
	return ok
}

func (g *Group) setPeerHeight(id peer.ID, height uint64, ua string) {
	g.peersMu.Lock()
	defer g.peersMu.Unlock()
	p, ok := g.peers[id]
	if !ok {
		return
	}
	if height > p.Height {
		p.Height = height
	}
	if ua != "" {
		p.UserAgent = ua
	}
}

// disconnect bans id for misbehaviour and closes its connections.
func (g *Group) disconnect(id peer.ID, reason string) {
	klog.P2P.Warn().Str("peer", id.String()).Str("reason", reason).Msg("Banning peer")
	g.bans.Ban(id, BanDuration)
	g.metrics.Bans.Add(1)
	if g.host != nil {
		_ = g.host.Network().ClosePeer(id)
	}
}

type nopProgress struct{}

func (nopProgress) OnProgress(uint64, uint64) {}
func (nopProgress) OnDone(uint64)             {}
