// Package headerstore persists the header chain of an SPV client.
package headerstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/Klingon-tech/klingnet-spv/internal/storage"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// Store errors.
var (
	ErrClosed   = errors.New("header store closed")
	ErrNoHead   = errors.New("header store has no head")
	ErrNotFound = errors.New("header not found")
)

// Key layout inside the store namespace.
var (
	rootPrefix   = []byte("hdr/")
	prefixHeader = []byte("b/") // b/<hash(32)> -> header (100 bytes)
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	keyHead      = []byte("s/head")
)

// Store is a header store over a key-value database.
// It owns the database and closes it on Close.
type Store struct {
	mu     sync.RWMutex
	db     storage.DB
	ns     *storage.PrefixDB
	path   string
	closed bool
}

// Exists reports whether a store is present at path.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// Open opens the badger-backed store at path, creating it if needed.
// A store without a head is seeded with genesis at height 0.
// created reports whether the store was empty on open.
func Open(path string, genesis *block.Header) (s *Store, created bool, err error) {
	db, err := storage.NewBadger(path)
	if err != nil {
		return nil, false, err
	}
	s, created, err = newStore(db, path, genesis)
	if err != nil {
		db.Close()
		return nil, false, err
	}
	return s, created, nil
}

// NewMemory returns a store over an in-memory database.
func NewMemory(genesis *block.Header) (*Store, error) {
	s, _, err := newStore(storage.NewMemory(), "", genesis)
	return s, err
}

func newStore(db storage.DB, path string, genesis *block.Header) (*Store, bool, error) {
	s := &Store{
		db:   db,
		ns:   storage.NewPrefixDB(db, rootPrefix),
		path: path,
	}
	has, err := s.ns.Has(keyHead)
	if err != nil {
		return nil, false, fmt.Errorf("read head: %w", err)
	}
	if has || genesis == nil {
		return s, false, nil
	}
	if err := s.Put(genesis); err != nil {
		return nil, false, fmt.Errorf("seed genesis: %w", err)
	}
	if err := s.SetHead(genesis.Hash()); err != nil {
		return nil, false, fmt.Errorf("seed genesis: %w", err)
	}
	return s, true, nil
}

// Path returns the backing location, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// Put stores a header and indexes it by height.
func (s *Store) Put(h *block.Header) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	hash := h.Hash()
	data, _ := h.MarshalBinary()
	batch := s.ns.NewBatch()
	if err := batch.Put(headerKey(hash), data); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	if err := batch.Put(heightKey(h.Height), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}
	return batch.Commit()
}

// Get retrieves a header by hash.
func (s *Store) Get(hash types.Hash) (*block.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.get(hash)
}

func (s *Store) get(hash types.Hash) (*block.Header, error) {
	data, err := s.ns.Get(headerKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash.Short())
	}
	if err != nil {
		return nil, fmt.Errorf("header get: %w", err)
	}
	var h block.Header
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("header %s: %w", hash.Short(), err)
	}
	return &h, nil
}

// GetByHeight retrieves the header indexed at height.
func (s *Store) GetByHeight(height uint64) (*block.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	hashBytes, err := s.ns.Get(heightKey(height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: height %d", ErrNotFound, height)
	}
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	hash, err := types.BytesToHash(hashBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt height index at %d: %w", height, err)
	}
	return s.get(hash)
}

// SetHead records hash as the chain tip. The header must be stored.
func (s *Store) SetHead(hash types.Hash) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	has, err := s.ns.Has(headerKey(hash))
	if err != nil {
		return fmt.Errorf("set head: %w", err)
	}
	if !has {
		return fmt.Errorf("set head: %w: %s", ErrNotFound, hash.Short())
	}
	return s.ns.Put(keyHead, hash[:])
}

// Head returns the tip header. Any failure means the store is unusable.
func (s *Store) Head() (*block.Header, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	hashBytes, err := s.ns.Get(keyHead)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoHead
	}
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	hash, err := types.BytesToHash(hashBytes)
	if err != nil {
		return nil, fmt.Errorf("corrupt head: %w", err)
	}
	return s.get(hash)
}

// HeadHeight returns the tip height.
func (s *Store) HeadHeight() (uint64, error) {
	h, err := s.Head()
	if err != nil {
		return 0, err
	}
	return h.Height, nil
}

// Truncate removes every header and the head pointer.
func (s *Store) Truncate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.ns.DeleteAll()
}

// Closed reports whether Close has been called.
func (s *Store) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func headerKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHeader)+types.HashSize)
	copy(key, prefixHeader)
	copy(key[len(prefixHeader):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}
