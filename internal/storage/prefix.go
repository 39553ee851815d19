package storage

// PrefixDB wraps a DB and prepends a fixed prefix to all keys, giving the
// header index and store metadata separate keyspaces in one database.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB creates a new PrefixDB wrapping inner with the given prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	p := make([]byte, len(prefix))
	copy(p, prefix)
	return &PrefixDB{inner: inner, prefix: p}
}

func (p *PrefixDB) prefixed(key []byte) []byte {
	out := make([]byte, len(p.prefix)+len(key))
	copy(out, p.prefix)
	copy(out[len(p.prefix):], key)
	return out
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(p.prefixed(key))
}

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(p.prefixed(key), value)
}

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(p.prefixed(key))
}

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(p.prefixed(key))
}

// ForEach iterates keys within the namespace. Callbacks see keys with the
// namespace prefix stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return p.inner.ForEach(p.prefixed(prefix), func(key, value []byte) error {
		return fn(key[len(p.prefix):], value)
	})
}

// DeleteAll removes every key under this namespace.
func (p *PrefixDB) DeleteAll() error {
	var keys [][]byte
	err := p.inner.ForEach(p.prefix, func(key, _ []byte) error {
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}

	if b, ok := p.inner.(Batcher); ok {
		batch := b.NewBatch()
		for _, k := range keys {
			if err := batch.Delete(k); err != nil {
				return err
			}
		}
		return batch.Commit()
	}
	for _, k := range keys {
		if err := p.inner.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op; the outer DB manages its own lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

// NewBatch creates a batch scoped to the namespace. Falls back to
// individual writes when the inner DB cannot batch.
func (p *PrefixDB) NewBatch() Batch {
	if b, ok := p.inner.(Batcher); ok {
		return &prefixBatch{inner: b.NewBatch(), db: p}
	}
	return &prefixBatch{db: p}
}

type prefixOp struct {
	key   []byte
	value []byte // nil means delete
}

type prefixBatch struct {
	inner Batch // nil when buffering
	db    *PrefixDB
	ops   []prefixOp
}

func (pb *prefixBatch) Put(key, value []byte) error {
	if pb.inner != nil {
		return pb.inner.Put(pb.db.prefixed(key), value)
	}
	v := append([]byte{}, value...)
	pb.ops = append(pb.ops, prefixOp{key: append([]byte(nil), key...), value: v})
	return nil
}

func (pb *prefixBatch) Delete(key []byte) error {
	if pb.inner != nil {
		return pb.inner.Delete(pb.db.prefixed(key))
	}
	pb.ops = append(pb.ops, prefixOp{key: append([]byte(nil), key...)})
	return nil
}

func (pb *prefixBatch) Commit() error {
	if pb.inner != nil {
		return pb.inner.Commit()
	}
	for _, op := range pb.ops {
		var err error
		if op.value == nil {
			err = pb.db.Delete(op.key)
		} else {
			err = pb.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
