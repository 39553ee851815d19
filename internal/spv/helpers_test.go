package spv

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

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

// eventLog records calls across fakes in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(e string) int {
	n := 0
	for _, x := range l.all() {
		if x == e {
			n++
		}
	}
	return n
}

func (l *eventLog) index(e string) int {
	for i, x := range l.all() {
		if x == e {
			return i
		}
	}
	return -1
}

// recStore is a memory header store that records Close and can fail.
type recStore struct {
	inner    *headerstore.Store
	events   *eventLog
	headErr  error
	closeErr error
}

func (s *recStore) Head() (*block.Header, error) {
	if s.headErr != nil {
		return nil, s.headErr
	}
	return s.inner.Head()
}
func (s *recStore) Get(h types.Hash) (*block.Header, error) { return s.inner.Get(h) }
func (s *recStore) Put(h *block.Header) error               { return s.inner.Put(h) }
func (s *recStore) SetHead(h types.Hash) error              { return s.inner.SetHead(h) }
func (s *recStore) Close() error {
	s.events.add("store.close")
	if s.closeErr != nil {
		return s.closeErr
	}
	return s.inner.Close()
}

// truncStore additionally supports Truncate.
type truncStore struct{ *recStore }

func (s truncStore) Truncate() error {
	s.events.add("store.truncate")
	return s.inner.Truncate()
}

// memStoreAt returns a store whose head is at height.
func memStoreAt(height int, events *eventLog) *recStore {
	inner, err := headerstore.NewMemory(config.ParamsFor(config.Regtest).Genesis())
	if err != nil {
		panic(err)
	}
	hc, err := chain.New(inner)
	if err != nil {
		panic(err)
	}
	for i := 0; i < height; i++ {
		tip := hc.Tip()
		if err := hc.Add(&block.Header{Version: 1, PrevHash: tip.Hash(), Height: tip.Height + 1, Timestamp: tip.Timestamp + 3}); err != nil {
			panic(err)
		}
	}
	return &recStore{inner: inner, events: events}
}

type fakeOpener struct {
	exists  bool
	store   Store
	err     error
	opened  int
	genesis *block.Header
}

func (o *fakeOpener) Exists(string) bool { return o.exists }

func (o *fakeOpener) Open(_ string, genesis *block.Header) (Store, error) {
	o.opened++
	o.genesis = genesis
	if o.err != nil {
		return nil, o.err
	}
	return o.store, nil
}

type fakeWallet struct {
	mu        sync.Mutex
	events    *eventLog
	birthday  int64
	lastSeen  int64
	started   bool
	resets    int
	saves     int
	follows   int
	unfollows int
	known     map[types.Hash]*tx.Transaction
}

func newFakeWallet(events *eventLog) *fakeWallet {
	return &fakeWallet{events: events, lastSeen: -1, known: make(map[types.Hash]*tx.Transaction)}
}

func (w *fakeWallet) ReceiveRelayed(*tx.Transaction, peer.ID) {}

func (w *fakeWallet) Reset() {
	w.mu.Lock()
	w.resets++
	w.mu.Unlock()
	w.events.add("wallet.reset")
}

func (w *fakeWallet) EarliestKeyCreationTime() int64 { return w.birthday }
func (w *fakeWallet) LastSeenBlockHeight() int64     { return w.lastSeen }
func (w *fakeWallet) Follow(*chain.HeaderChain)      { w.follows++ }
func (w *fakeWallet) Unfollow()                      { w.unfollows++ }
func (w *fakeWallet) IsStarted() bool                { return w.started }

func (w *fakeWallet) Save() error {
	w.saves++
	w.events.add("wallet.save")
	return nil
}

func (w *fakeWallet) Lookup(h types.Hash) (*tx.Transaction, bool) {
	t, ok := w.known[h]
	return t, ok
}

// fakePM records how the controller configures and drives it.
type fakePM struct {
	mu     sync.Mutex
	events *eventLog

	ua           string
	maxConns     int
	connTimeout  time.Duration
	discTimeout  time.Duration
	minBroadcast int
	depDepth     int
	strategies   []discovery.Strategy
	connected    []p2p.ConnectedListener
	disconnected []p2p.DisconnectedListener
	wallets      []p2p.Wallet
	started      bool
	progress     p2p.ProgressListener
	stopped      bool

	peers       []p2p.PeerInfo
	best        uint64
	hasBest     bool
	broadcastTx *tx.Transaction
	minAcks     int
}

func (p *fakePM) SetUserAgent(ua string)              { p.ua = ua }
func (p *fakePM) SetMaxConnections(n int)             { p.maxConns = n }
func (p *fakePM) SetConnectTimeout(d time.Duration)   { p.connTimeout = d }
func (p *fakePM) SetDiscoveryTimeout(d time.Duration) { p.discTimeout = d }
func (p *fakePM) SetMinBroadcastConnections(n int)    { p.minBroadcast = n }
func (p *fakePM) SetDownloadTxDependencies(d int)     { p.depDepth = d }
func (p *fakePM) AddDiscovery(s discovery.Strategy)   { p.strategies = append(p.strategies, s) }
func (p *fakePM) SeedSource() discovery.Source        { return nil }

func (p *fakePM) AddConnectedListener(l p2p.ConnectedListener) {
	p.connected = append(p.connected, l)
}

func (p *fakePM) RemoveConnectedListener(l p2p.ConnectedListener) {
	for i, x := range p.connected {
		if x == l {
			p.connected = append(p.connected[:i:i], p.connected[i+1:]...)
			return
		}
	}
}

func (p *fakePM) AddDisconnectedListener(l p2p.DisconnectedListener) {
	p.disconnected = append(p.disconnected, l)
}

func (p *fakePM) RemoveDisconnectedListener(l p2p.DisconnectedListener) {
	for i, x := range p.disconnected {
		if x == l {
			p.disconnected = append(p.disconnected[:i:i], p.disconnected[i+1:]...)
			return
		}
	}
}

func (p *fakePM) AddWallet(w p2p.Wallet) { p.wallets = append(p.wallets, w) }

func (p *fakePM) RemoveWallet(w p2p.Wallet) {
	for i, x := range p.wallets {
		if x == w {
			p.wallets = append(p.wallets[:i:i], p.wallets[i+1:]...)
			return
		}
	}
}

func (p *fakePM) StartAsync() {
	p.started = true
	p.events.add("pm.start")
}

func (p *fakePM) StartHeaderDownload(l p2p.ProgressListener) {
	p.progress = l
	p.events.add("pm.download")
}

func (p *fakePM) StopAsync() <-chan struct{} {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.events.add("pm.stopAsync")
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *fakePM) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.events.add("pm.stop")
}

func (p *fakePM) ConnectedPeers() []p2p.PeerInfo { return p.peers }

func (p *fakePM) ConnectedCandidates() []discovery.Candidate {
	out := make([]discovery.Candidate, len(p.peers))
	for i, pi := range p.peers {
		out[i] = pi.Addr
	}
	return out
}

func (p *fakePM) BestPeerHeight() (uint64, bool) { return p.best, p.hasBest }

func (p *fakePM) Broadcast(t *tx.Transaction, minAcks int) *p2p.Broadcast {
	p.broadcastTx, p.minAcks = t, minAcks
	p.events.add("pm.broadcast")
	return nil
}

// busRecorder logs notifications.
type busRecorder struct{ events *eventLog }

func (r busRecorder) CheckStart()                      { r.events.add("checkStart") }
func (r busRecorder) CheckEnd()                        { r.events.add("checkEnd") }
func (r busRecorder) PeerGroupInitialized(PeerManager) { r.events.add("peerGroupInitialized") }
func (r busRecorder) OnBlockchainOff(s impediment.Set) {
	r.events.add("off:" + s.String())
}

type nopConn struct{}

func (*nopConn) OnPeerConnected(p2p.PeerInfo, int) {}

type nopDisc struct{}

func (*nopDisc) OnPeerDisconnected(p2p.PeerInfo, int) {}

type loaderCall struct {
	path   string
	cutoff time.Time
}

// harness is a manager over fakes.
type harness struct {
	m       *Manager
	events  *eventLog
	wallet  *fakeWallet
	opener  *fakeOpener
	pms     []*fakePM
	loads   []loaderCall
	loadErr error
	lowMem  bool
}

func newHarness(network config.NetworkType, mod func(*Config)) *harness {
	h := &harness{events: &eventLog{}}
	h.wallet = newFakeWallet(h.events)
	h.opener = &fakeOpener{exists: true, store: memStoreAt(5, h.events)}

	cfg := Config{
		Params:           config.ParamsFor(network),
		ConnectTimeout:   3 * time.Second,
		DiscoveryTimeout: 4 * time.Second,
		UserAgent:        "test-agent/1",
		CheckpointPath:   "checkpoints.txt",
		Resolver:         noResolver{},
		LowMemory:        func() bool { return h.lowMem },
		Opener:           h.opener,
		PeerManagers: func(*chain.HeaderChain) PeerManager {
			pm := &fakePM{events: h.events}
			h.pms = append(h.pms, pm)
			h.events.add("pm.new")
			return pm
		},
		Checkpoints: func(_ *config.Params, path string, _ checkpoint.Store, cutoff time.Time) (*block.Header, error) {
			h.loads = append(h.loads, loaderCall{path: path, cutoff: cutoff})
			return nil, h.loadErr
		},
	}
	if mod != nil {
		mod(&cfg)
	}
	h.m = New(cfg, h.wallet)
	h.m.AddListener(busRecorder{events: h.events})
	return h
}

func (h *harness) lastPM() *fakePM {
	if len(h.pms) == 0 {
		return nil
	}
	return h.pms[len(h.pms)-1]
}

type noResolver struct{}

func (noResolver) LookupIP(context.Context, string) ([]net.IP, error) {
	return nil, errors.New("no resolution in tests")
}

type nopProgress struct{}

func (*nopProgress) OnProgress(uint64, uint64) {}
func (*nopProgress) OnDone(uint64)             {}

func nextHeader(parent *block.Header) *block.Header {
	return &block.Header{Version: 1, PrevHash: parent.Hash(), Height: parent.Height + 1, Timestamp: parent.Timestamp + 3}
}
