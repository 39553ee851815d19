package spv

import (
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	"github.com/Klingon-tech/klingnet-spv/internal/impediment"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
)

// Connection targets.
const (
	TrustedMaxConnections   = 1
	LowMemoryMaxConnections = 4
	MaxConnections          = 6

	// SyncSlack is how many blocks behind the best peer still count as synced.
	SyncSlack = 10
)

// Check starts the peer network when impediments is empty and stops it
// otherwise. It is a no-op when the state already matches. The listeners
// are registered with a new peer manager and removed from it on stop;
// any of them may be nil.
func (m *Manager) Check(impediments impediment.Set, connected p2p.ConnectedListener, disconnected p2p.DisconnectedListener, progress p2p.ProgressListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := m.peers.Load() != nil
	switch {
	case impediments.Empty() && !running:
		m.startPeers(connected, disconnected, progress)
	case !impediments.Empty() && running:
		m.stopPeers(impediments)
	}
}

func (m *Manager) startPeers(connected p2p.ConnectedListener, disconnected p2p.DisconnectedListener, progress p2p.ProgressListener) {
	hc := m.ctx.Current()
	if hc == nil || m.store == nil {
		klog.Sync.Error().Err(ErrNotInitialized).Msg("Cannot start peer network")
		return
	}

	m.bus.checkStart()

	walletHeight := m.wallet.LastSeenBlockHeight()
	best := hc.BestHeight()
	if walletHeight != -1 && walletHeight != int64(best) {
		klog.Sync.Warn().
			Int64("wallet", walletHeight).
			Uint64("chain", best).
			Msg("Wallet and header chain out of sync")
	}

	klog.Sync.Info().Msg("Starting peer network")
	pm := m.cfg.PeerManagers(hc)
	pm.SetDownloadTxDependencies(0)
	pm.AddWallet(m.wallet)
	pm.SetUserAgent(m.cfg.UserAgent)

	if connected != nil {
		pm.AddConnectedListener(connected)
	}
	if disconnected != nil {
		pm.AddDisconnectedListener(disconnected)
	}

	maxConns := m.maxConnections()
	policy := discovery.Policy{
		MaxConnections: maxConns,
		TrustedHost:    m.cfg.TrustedHost,
		TrustedPort:    m.cfg.TrustedPort,
	}
	pm.AddDiscovery(discovery.Select(m.cfg.Params, policy, discovery.Deps{
		Resolver:  m.cfg.Resolver,
		Generic:   pm.SeedSource(),
		Connected: pm.ConnectedCandidates,
	}))

	pm.SetMaxConnections(maxConns)
	if m.cfg.ConnectTimeout > 0 {
		pm.SetConnectTimeout(m.cfg.ConnectTimeout)
	}
	if m.cfg.DiscoveryTimeout > 0 {
		pm.SetDiscoveryTimeout(m.cfg.DiscoveryTimeout)
	}
	pm.SetMinBroadcastConnections(1)

	m.peers.Store(&peerHandle{pm: pm, connected: connected, disconnected: disconnected})
	m.metrics.PeerManagers.Add(1)
	m.metrics.Transitions.With("to", StateRunning.String()).Add(1)
	m.metrics.Running.Set(1)

	m.bus.peerGroupInitialized(pm)

	pm.StartAsync()
	pm.StartHeaderDownload(progress)
}

func (m *Manager) maxConnections() int {
	switch {
	case m.cfg.TrustedHost != "":
		return TrustedMaxConnections
	case m.cfg.LowMemory():
		return LowMemoryMaxConnections
	default:
		return MaxConnections
	}
}

func (m *Manager) stopPeers(impediments impediment.Set) {
	klog.Sync.Info().Str("impediments", impediments.String()).Msg("Stopping peer network")
	m.detachPeers().StopAsync()

	m.metrics.Transitions.With("to", StateStopped.String()).Add(1)
	m.metrics.Running.Set(0)

	m.bus.checkEnd()
	m.bus.onBlockchainOff(impediments)
}

// detachPeers unregisters everything the manager attached to the peer
// manager and clears the handle. The caller stops the returned manager.
func (m *Manager) detachPeers() PeerManager {
	h := m.peers.Swap(nil)
	if h == nil {
		return nil
	}
	if h.disconnected != nil {
		h.pm.RemoveDisconnectedListener(h.disconnected)
	}
	if h.connected != nil {
		h.pm.RemoveConnectedListener(h.connected)
	}
	h.pm.RemoveWallet(m.wallet)
	return h.pm
}

// Shutdown stops the peer network and waits for it, then closes the
// store and saves the wallet. With resetStore the store content and its
// backing files are removed and the chain is dropped.
func (m *Manager) Shutdown(resetStore bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pm := m.detachPeers(); pm != nil {
		pm.Stop()
		m.metrics.Transitions.With("to", StateStopped.String()).Add(1)
		m.metrics.Running.Set(0)
		klog.Sync.Info().Msg("Peer network stopped")
	}

	if m.store != nil {
		// Truncate needs an open store.
		if t, ok := m.store.(Truncater); ok && resetStore {
			if err := t.Truncate(); err != nil {
				klog.Store.Warn().Err(err).Msg("Header store truncate failed")
			}
		}
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("%w: close header store: %v", ErrTeardown, err)
		}
		m.store = nil
	}

	if m.wallet.IsStarted() {
		if err := m.wallet.Save(); err != nil {
			klog.Wallet.Error().Err(err).Msg("Wallet save failed")
		}
	}

	if resetStore {
		klog.Store.Info().Str("location", m.location).Msg("Removing header store")
		m.wallet.Unfollow()
		m.ctx.Publish(nil)
		if err := removeStore(m.location); err != nil {
			return fmt.Errorf("%w: %v", ErrTeardown, err)
		}
	}
	return nil
}

func removeStore(location string) error {
	if location == "" {
		return nil
	}
	err := os.Remove(location)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return os.RemoveAll(location)
}

func (m *Manager) observeGrowth(tip *block.Header) {
	m.metrics.ChainHeight.Set(float64(tip.Height))
}

// --- Accessors ---

// State returns the peer network state.
func (m *Manager) State() State {
	if m.peers.Load() != nil {
		return StateRunning
	}
	return StateStopped
}

// PeerManager returns the active peer manager, or nil.
func (m *Manager) PeerManager() PeerManager {
	if h := m.peers.Load(); h != nil {
		return h.pm
	}
	return nil
}

// ConnectedPeers returns the connected peers, or nil while no peer
// manager is running.
func (m *Manager) ConnectedPeers() []p2p.PeerInfo {
	pm := m.PeerManager()
	if pm == nil {
		return nil
	}
	return pm.ConnectedPeers()
}

// ListConnectedPeers is ConnectedPeers with an empty list instead of nil.
func (m *Manager) ListConnectedPeers() []p2p.PeerInfo {
	if peers := m.ConnectedPeers(); peers != nil {
		return peers
	}
	return []p2p.PeerInfo{}
}

// ChainHeadHeight returns the best height, 0 without a chain.
func (m *Manager) ChainHeadHeight() uint64 {
	if hc := m.ctx.Current(); hc != nil {
		return hc.BestHeight()
	}
	return 0
}

// RecentHeaders returns up to n headers from the tip backwards.
func (m *Manager) RecentHeaders(n int) []*block.Header {
	hc := m.ctx.Current()
	if hc == nil {
		return nil
	}
	return hc.Recent(n)
}

// IsSyncedWithPeers reports whether the chain is within SyncSlack blocks
// of the best connected peer.
func (m *Manager) IsSyncedWithPeers() (bool, error) {
	pm := m.PeerManager()
	if pm == nil {
		return false, ErrNoPeers
	}
	best, ok := pm.BestPeerHeight()
	if !ok {
		return false, ErrNoPeers
	}
	return m.ChainHeadHeight()+SyncSlack >= best, nil
}

// ProtocolVersion returns the wire protocol version spoken to peers.
func (m *Manager) ProtocolVersion() uint32 {
	return config.ProtocolVersion
}
