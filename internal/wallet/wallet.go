// Package wallet keeps the sync bookkeeping of an SPV wallet: key birthday,
// last seen block and the transactions it relayed or saw relayed. Keys and
// signing live elsewhere.
package wallet

import (
	"sort"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// UnknownHeight is reported before the wallet has seen a block.
const UnknownHeight = -1

// Wallet is safe for concurrent use.
type Wallet struct {
	path string

	mu             sync.Mutex
	createdAt      time.Time
	birthday       int64
	lastSeenHeight int64
	lastSeenHash   types.Hash
	txs            map[types.Hash]*txRecord
	started        bool
	unsubscribe    func()
}

// Open loads the wallet state at path, or starts a fresh one when the file
// does not exist. birthday (unix seconds) applies when the file has none.
func Open(path string, birthday int64) (*Wallet, error) {
	w := &Wallet{
		path:           path,
		createdAt:      time.Now().UTC(),
		birthday:       birthday,
		lastSeenHeight: UnknownHeight,
		txs:            make(map[types.Hash]*txRecord),
	}
	sf, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if sf != nil {
		w.createdAt = sf.CreatedAt
		if sf.Birthday > 0 {
			w.birthday = sf.Birthday
		}
		w.lastSeenHeight = sf.LastSeenHeight
		w.lastSeenHash = sf.LastSeenHash
		for i := range sf.Transactions {
			r := sf.Transactions[i]
			if r.Tx == nil {
				continue
			}
			w.txs[r.Tx.Hash()] = &r
		}
	}
	return w, nil
}

// Path returns the state file location.
func (w *Wallet) Path() string { return w.path }

// Start marks the wallet active; Save is only meaningful afterwards.
func (w *Wallet) Start() {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
}

// IsStarted reports whether Start was called.
func (w *Wallet) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Reset forgets the last seen block and every chain-derived state, so the
// wallet can be replayed against a new header chain.
func (w *Wallet) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeenHeight = UnknownHeight
	w.lastSeenHash = types.Hash{}
	for _, r := range w.txs {
		r.SeenBy = 0
	}
	klog.Wallet.Info().Msg("Wallet sync state reset")
}

// EarliestKeyCreationTime returns the key birthday, 0 when unknown.
func (w *Wallet) EarliestKeyCreationTime() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.birthday
}

// LastSeenBlockHeight returns the last block the wallet processed, or
// UnknownHeight.
func (w *Wallet) LastSeenBlockHeight() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeenHeight
}

// LastSeenBlockHash returns the hash of the last processed block.
func (w *Wallet) LastSeenBlockHash() types.Hash {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeenHash
}

// Follow subscribes the wallet to hc's growth, replacing any earlier
// subscription.
func (w *Wallet) Follow(hc *chain.HeaderChain) {
	cancel := hc.OnGrowth(w.blockSeen)

	w.mu.Lock()
	prev := w.unsubscribe
	w.unsubscribe = cancel
	w.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Unfollow drops the chain subscription.
func (w *Wallet) Unfollow() {
	w.mu.Lock()
	prev := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (w *Wallet) blockSeen(h *block.Header) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if int64(h.Height) < w.lastSeenHeight {
		return
	}
	w.lastSeenHeight = int64(h.Height)
	w.lastSeenHash = h.Hash()
}

// Track records a transaction created by this wallet so it can later be
// broadcast by hash.
func (w *Wallet) Track(t *tx.Transaction) types.Hash {
	hash := t.Hash()
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.txs[hash]; !ok {
		w.txs[hash] = &txRecord{Tx: tx.New(t.Raw), FirstSeen: time.Now().UTC()}
	}
	return hash
}

// Lookup returns a known transaction.
func (w *Wallet) Lookup(hash types.Hash) (*tx.Transaction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.txs[hash]
	if !ok {
		return nil, false
	}
	return tx.New(r.Tx.Raw), true
}

// SeenBy returns how many peers relayed the transaction to us.
func (w *Wallet) SeenBy(hash types.Hash) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r, ok := w.txs[hash]; ok {
		return r.SeenBy
	}
	return 0
}

// ReceiveRelayed records a transaction seen on the network. Only
// transactions the wallet already tracks gain confidence; others are
// ignored.
func (w *Wallet) ReceiveRelayed(t *tx.Transaction, from peer.ID) {
	hash := t.Hash()
	w.mu.Lock()
	r, ok := w.txs[hash]
	if ok {
		r.SeenBy++
	}
	w.mu.Unlock()
	if ok {
		klog.Wallet.Debug().Str("tx", hash.Short()).Str("peer", from.String()).Msg("Transaction seen on network")
	}
}

// Save writes the state file atomically.
func (w *Wallet) Save() error {
	w.mu.Lock()
	sf := &stateFile{
		Version:        fileVersion,
		CreatedAt:      w.createdAt,
		Birthday:       w.birthday,
		LastSeenHeight: w.lastSeenHeight,
		LastSeenHash:   w.lastSeenHash,
		Transactions:   make([]txRecord, 0, len(w.txs)),
	}
	for _, r := range w.txs {
		sf.Transactions = append(sf.Transactions, *r)
	}
	w.mu.Unlock()

	sort.Slice(sf.Transactions, func(i, j int) bool {
		return sf.Transactions[i].FirstSeen.Before(sf.Transactions[j].FirstSeen)
	})
	if err := writeFile(w.path, sf); err != nil {
		return err
	}
	klog.Wallet.Debug().Str("path", w.path).Int64("last_seen", sf.LastSeenHeight).Msg("Wallet saved")
	return nil
}
