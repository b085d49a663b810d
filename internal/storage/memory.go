package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var errReadOnly = errors.New("storage: write in read-only transaction")

// MemoryDB implements DB using an in-memory map.
// Update transactions are fully serialized, so they never conflict.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte

	seqMu sync.Mutex
	seqs  map[string]uint64
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
		seqs: make(map[string]uint64),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memGet(m.data, nil, key)
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = cloneBytes(value)
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memForEach(m.data, nil, prefix, fn)
}

// View runs fn under a shared lock.
func (m *MemoryDB) View(fn func(Txn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTxn{db: m, readOnly: true})
}

// Update runs fn under an exclusive lock and applies its writes if fn
// returns nil.
func (m *MemoryDB) Update(fn func(Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn := &memTxn{db: m, writes: make(map[string][]byte)}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

// NextSequence returns the next id of the named sequence.
func (m *MemoryDB) NextSequence(name string) (uint64, error) {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	m.seqs[name]++
	return m.seqs[name], nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// memTxn overlays pending writes on the committed map. A nil value in
// writes marks a deletion.
type memTxn struct {
	db       *MemoryDB
	writes   map[string][]byte
	readOnly bool
}

func (t *memTxn) Get(key []byte) ([]byte, error) {
	return memGet(t.db.data, t.writes, key)
}

func (t *memTxn) Has(key []byte) (bool, error) {
	_, err := memGet(t.db.data, t.writes, key)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *memTxn) Put(key, value []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	v := cloneBytes(value)
	if v == nil {
		v = []byte{}
	}
	t.writes[string(key)] = v
	return nil
}

func (t *memTxn) Delete(key []byte) error {
	if t.readOnly {
		return errReadOnly
	}
	t.writes[string(key)] = nil
	return nil
}

func (t *memTxn) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	return memForEach(t.db.data, t.writes, prefix, fn)
}

func memGet(data, writes map[string][]byte, key []byte) ([]byte, error) {
	if v, ok := writes[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return cloneBytes(v), nil
	}
	v, ok := data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

func memForEach(data, writes map[string][]byte, prefix []byte, fn func(key, value []byte) error) error {
	p := string(prefix)
	merged := make(map[string][]byte)
	for k, v := range data {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	for k, v := range writes {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn([]byte(k), cloneBytes(merged[k])); err != nil {
			return err
		}
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
