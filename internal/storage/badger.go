package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// BadgerDB implements DB using Badger.
type BadgerDB struct {
	db   *badger.DB
	path string
}

// NewBadger opens (or creates) a Badger database at the given path.
func NewBadger(path string) (*BadgerDB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Disable badger's built-in logging.
	// Header stores are small; keep the memtable footprint mobile friendly.
	opts.MemTableSize = 8 << 20
	opts.NumMemtables = 2
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Cannot acquire directory lock") ||
			strings.Contains(errMsg, "resource temporarily unavailable") {
			return nil, fmt.Errorf("database at %s is locked by another process: %w", path, err)
		}
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}
	return &BadgerDB{db: db, path: path}, nil
}

// Path returns the directory backing the database.
func (b *BadgerDB) Path() string {
	return b.path
}

// Get retrieves a value by key. Returns ErrNotFound if the key does not exist.
func (b *BadgerDB) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return val, nil
}

// Put stores a key-value pair.
func (b *BadgerDB) Put(key, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (b *BadgerDB) Delete(key []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Has checks if a key exists.
func (b *BadgerDB) Has(key []byte) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger has: %w", err)
	}
	return exists, nil
}

// ForEach iterates over all keys with the given prefix in key order.
func (b *BadgerDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(key, val); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewBatch returns an atomic write batch.
func (b *BadgerDB) NewBatch() Batch {
	return &badgerBatch{wb: b.db.NewWriteBatch()}
}

// DropAll deletes every key in the database.
func (b *BadgerDB) DropAll() error {
	if err := b.db.DropAll(); err != nil {
		return fmt.Errorf("badger drop all: %w", err)
	}
	return nil
}

// Close closes the database.
func (b *BadgerDB) Close() error {
	return b.db.Close()
}

type badgerBatch struct {
	wb *badger.WriteBatch
}

func (bb *badgerBatch) Put(key, value []byte) error {
	return bb.wb.Set(key, value)
}

func (bb *badgerBatch) Delete(key []byte) error {
	return bb.wb.Delete(key)
}

func (bb *badgerBatch) Commit() error {
	if err := bb.wb.Flush(); err != nil {
		return fmt.Errorf("badger batch commit: %w", err)
	}
	return nil
}
