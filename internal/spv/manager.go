// Package spv drives header-only synchronization: it bootstraps the header
// store, gates the peer network on the impediment set and relays
// transactions through the active peer manager.
//
// Every state change runs under a single lock. Accessors do not take it
// and may observe a nil peer manager while a transition is in progress.
package spv

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	"github.com/Klingon-tech/klingnet-spv/internal/checkpoint"
	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	"github.com/Klingon-tech/klingnet-spv/internal/headerstore"
	"github.com/Klingon-tech/klingnet-spv/internal/impediment"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// Manager errors.
var (
	// ErrStoreCorrupt is fatal: the store was deleted and the wallet must
	// be reinitialized.
	ErrStoreCorrupt = errors.New("header store corrupt")
	// ErrTeardown is fatal: the store could not be closed or removed.
	ErrTeardown = errors.New("teardown failed")
	// ErrNoPeers is returned by peer queries while no peer is connected.
	ErrNoPeers = errors.New("no connected peers")
	// ErrNotInitialized is returned before Init succeeded.
	ErrNotInitialized = errors.New("manager not initialized")
)

// State is the peer network state.
type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// Store is the persisted header store the manager owns.
type Store interface {
	Head() (*block.Header, error)
	Get(hash types.Hash) (*block.Header, error)
	Put(h *block.Header) error
	SetHead(hash types.Hash) error
	Close() error
}

// Truncater is implemented by stores that can drop their content in place.
type Truncater interface {
	Truncate() error
}

// StoreOpener locates and opens header stores.
type StoreOpener interface {
	Exists(location string) bool
	Open(location string, genesis *block.Header) (Store, error)
}

// ChainFactory builds the header chain over store and publishes it to ctx.
type ChainFactory func(ctx *chain.Context, store chain.Store) (*chain.HeaderChain, error)

// CheckpointLoader fast-forwards store to the last checkpoint before cutoff.
type CheckpointLoader func(params *config.Params, path string, store checkpoint.Store, cutoff time.Time) (*block.Header, error)

// PeerManager is the peer connection manager driven by the controller.
type PeerManager interface {
	SetUserAgent(ua string)
	SetMaxConnections(n int)
	SetConnectTimeout(d time.Duration)
	SetDiscoveryTimeout(d time.Duration)
	SetMinBroadcastConnections(n int)
	SetDownloadTxDependencies(depth int)

	AddDiscovery(s discovery.Strategy)
	SeedSource() discovery.Source
	AddConnectedListener(l p2p.ConnectedListener)
	RemoveConnectedListener(l p2p.ConnectedListener)
	AddDisconnectedListener(l p2p.DisconnectedListener)
	RemoveDisconnectedListener(l p2p.DisconnectedListener)
	AddWallet(w p2p.Wallet)
	RemoveWallet(w p2p.Wallet)

	StartAsync()
	StartHeaderDownload(progress p2p.ProgressListener)
	StopAsync() <-chan struct{}
	Stop()

	ConnectedPeers() []p2p.PeerInfo
	ConnectedCandidates() []discovery.Candidate
	BestPeerHeight() (uint64, bool)
	Broadcast(t *tx.Transaction, minAcks int) *p2p.Broadcast
}

var _ PeerManager = (*p2p.Group)(nil)

// PeerManagerFactory creates a peer manager bound to hc.
type PeerManagerFactory func(hc *chain.HeaderChain) PeerManager

// Wallet is the sync bookkeeping the manager keeps consistent with the
// header chain.
type Wallet interface {
	p2p.Wallet
	Reset()
	// EarliestKeyCreationTime is in unix seconds, 0 when unknown.
	EarliestKeyCreationTime() int64
	// LastSeenBlockHeight is -1 when unknown.
	LastSeenBlockHeight() int64
	Follow(hc *chain.HeaderChain)
	Unfollow()
	IsStarted() bool
	Save() error
	Lookup(hash types.Hash) (*tx.Transaction, bool)
}

// Config configures a Manager. Zero collaborators get defaults.
type Config struct {
	Params           *config.Params
	TrustedHost      string
	TrustedPort      int
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	UserAgent        string
	// CheckpointPath is the bundle read for new stores.
	CheckpointPath string

	Resolver     discovery.Resolver
	LowMemory    func() bool
	Opener       StoreOpener
	Chains       ChainFactory
	PeerManagers PeerManagerFactory
	Checkpoints  CheckpointLoader
	Metrics      *Metrics
}

type peerHandle struct {
	pm           PeerManager
	connected    p2p.ConnectedListener
	disconnected p2p.DisconnectedListener
}

// Manager is the synchronization controller.
type Manager struct {
	cfg     Config
	ctx     *chain.Context
	wallet  Wallet
	metrics *Metrics
	bus     Bus

	mu       sync.Mutex
	store    Store
	location string

	peers atomic.Pointer[peerHandle]
}

// New creates a stopped manager. Call Init before Check.
func New(cfg Config, w Wallet) *Manager {
	if cfg.Opener == nil {
		cfg.Opener = BadgerOpener{}
	}
	if cfg.Chains == nil {
		cfg.Chains = chain.Factory
	}
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = checkpoint.LoadFile
	}
	if cfg.LowMemory == nil {
		cfg.LowMemory = impediment.UnderMemoryPressure
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = config.DefaultUserAgent
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopMetrics()
	}
	if cfg.PeerManagers == nil {
		params := cfg.Params
		cfg.PeerManagers = func(hc *chain.HeaderChain) PeerManager {
			return p2p.NewGroup(p2p.GroupConfig{Params: params, Chain: hc})
		}
	}
	return &Manager{
		cfg:     cfg,
		ctx:     chain.NewContext(cfg.Params),
		wallet:  w,
		metrics: cfg.Metrics,
	}
}

// Params returns the network parameters.
func (m *Manager) Params() *config.Params { return m.cfg.Params }

// Context returns the validation context the chain is published to.
func (m *Manager) Context() *chain.Context { return m.ctx }

// Chain returns the current header chain, nil before Init or after a reset.
func (m *Manager) Chain() *chain.HeaderChain { return m.ctx.Current() }

// AddListener subscribes l to lifecycle notifications.
func (m *Manager) AddListener(l Listener) { m.bus.Subscribe(l) }

// RemoveListener unsubscribes l.
func (m *Manager) RemoveListener(l Listener) { m.bus.Unsubscribe(l) }

// BadgerOpener opens badger-backed header stores.
type BadgerOpener struct{}

// Exists implements StoreOpener.
func (BadgerOpener) Exists(location string) bool { return headerstore.Exists(location) }

// Open implements StoreOpener.
func (BadgerOpener) Open(location string, genesis *block.Header) (Store, error) {
	s, _, err := headerstore.Open(location, genesis)
	if err != nil {
		return nil, err
	}
	return s, nil
}
