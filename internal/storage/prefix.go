package storage

// PrefixDB wraps a DB and prepends a fixed prefix to all keys.
// This isolates one component's records within a single underlying database.
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

func prefixed(prefix, key []byte) []byte {
	out := make([]byte, len(prefix)+len(key))
	copy(out, prefix)
	copy(out[len(prefix):], key)
	return out
}

// Get retrieves a value by key.
func (p *PrefixDB) Get(key []byte) ([]byte, error) {
	return p.inner.Get(prefixed(p.prefix, key))
}

// Put stores a key-value pair.
func (p *PrefixDB) Put(key, value []byte) error {
	return p.inner.Put(prefixed(p.prefix, key), value)
}

// Delete removes a key.
func (p *PrefixDB) Delete(key []byte) error {
	return p.inner.Delete(prefixed(p.prefix, key))
}

// Has checks if a key exists.
func (p *PrefixDB) Has(key []byte) (bool, error) {
	return p.inner.Has(prefixed(p.prefix, key))
}

// ForEach iterates over all keys with the given prefix (within the PrefixDB namespace).
// The callback receives keys with the PrefixDB prefix stripped, so callers see only
// their logical keyspace.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return prefixForEach(p.inner, p.prefix, prefix, fn)
}

// View runs fn in a read-only transaction scoped to the namespace.
func (p *PrefixDB) View(fn func(Txn) error) error {
	return p.inner.View(func(txn Txn) error {
		return fn(prefixTxn{inner: txn, prefix: p.prefix})
	})
}

// Update runs fn in a read-write transaction scoped to the namespace.
func (p *PrefixDB) Update(fn func(Txn) error) error {
	return p.inner.Update(func(txn Txn) error {
		return fn(prefixTxn{inner: txn, prefix: p.prefix})
	})
}

// NextSequence returns the next id of a sequence private to the namespace.
func (p *PrefixDB) NextSequence(name string) (uint64, error) {
	return p.inner.NextSequence(string(p.prefix) + name)
}

// Close is a no-op; the outer DB manages its own lifecycle.
func (p *PrefixDB) Close() error {
	return nil
}

type prefixTxn struct {
	inner  Txn
	prefix []byte
}

func (t prefixTxn) Get(key []byte) ([]byte, error) {
	return t.inner.Get(prefixed(t.prefix, key))
}

func (t prefixTxn) Has(key []byte) (bool, error) {
	return t.inner.Has(prefixed(t.prefix, key))
}

func (t prefixTxn) Put(key, value []byte) error {
	return t.inner.Put(prefixed(t.prefix, key), value)
}

func (t prefixTxn) Delete(key []byte) error {
	return t.inner.Delete(prefixed(t.prefix, key))
}

func (t prefixTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return prefixForEach(t.inner, t.prefix, prefix, fn)
}

func prefixForEach(inner Reader, ns, prefix []byte, fn func(key, value []byte) error) error {
	return inner.ForEach(prefixed(ns, prefix), func(key, value []byte) error {
		// Strip the namespace so the caller sees only its logical key.
		return fn(key[len(ns):], value)
	})
}
