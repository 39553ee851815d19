package storage

import (
	"sort"
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map. Used by tests and for
// throwaway header stores on private networks.
type MemoryDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	m.mu.Lock()
	m.data[string(key)] = v
	m.mu.Unlock()
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	delete(m.data, string(key))
	m.mu.Unlock()
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix in key order.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	m.mu.RLock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = m.data[k]
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// DropAll deletes every key.
func (m *MemoryDB) DropAll() error {
	m.mu.Lock()
	m.data = make(map[string][]byte)
	m.mu.Unlock()
	return nil
}

// Closed reports whether Close has been called.
func (m *MemoryDB) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Close marks the database closed. Data stays readable for tests.
func (m *MemoryDB) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
