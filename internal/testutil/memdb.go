// Package testutil holds in-memory storage for tests. Never import this in
// production code.
package testutil

import (
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/tolelom/shadowduel/core"
	"github.com/tolelom/shadowduel/storage"
)

// MemDB is a thread-safe in-memory storage.DB. Values are copied on the way
// in and out so callers can never alias stored bytes.
type MemDB struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes int // committed batches
}

func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

// NewStateDB returns a storage.StateDB over a fresh MemDB.
func NewStateDB() *storage.StateDB {
	return storage.NewStateDB(NewMemDB())
}

func (m *MemDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.data[string(key)]; ok {
		return slices.Clone(v), nil
	}
	return nil, core.ErrNotFound
}

func (m *MemDB) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = slices.Clone(value)
	return nil
}

func (m *MemDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Keys returns the stored keys under prefix in ascending order.
func (m *MemDB) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, k := range slices.Sorted(maps.Keys(m.data)) {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// Batches reports how many batches have been written.
func (m *MemDB) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// NewIterator walks a point-in-time copy of the entries under prefix.
func (m *MemDB) NewIterator(prefix []byte) storage.Iterator {
	keys := m.Keys(string(prefix))
	m.mu.RLock()
	defer m.mu.RUnlock()
	it := &memIter{idx: -1}
	for _, k := range keys {
		it.keys = append(it.keys, []byte(k))
		it.vals = append(it.vals, slices.Clone(m.data[k]))
	}
	return it
}

func (m *MemDB) NewBatch() storage.Batch {
	return &memBatch{db: m, ops: make(map[string][]byte)}
}

func (m *MemDB) Close() error { return nil }

// memBatch keeps the last operation per key; a nil value is a delete.
type memBatch struct {
	db  *MemDB
	ops map[string][]byte
}

func (b *memBatch) Set(key, value []byte) {
	v := slices.Clone(value)
	if v == nil {
		v = []byte{}
	}
	b.ops[string(key)] = v
}

func (b *memBatch) Delete(key []byte) { b.ops[string(key)] = nil }
func (b *memBatch) Reset()            { clear(b.ops) }

func (b *memBatch) Write() error {
	b.db.mu.Lock()
	defer b.db.mu.Unlock()
	for k, v := range b.ops {
		if v == nil {
			delete(b.db.data, k)
			continue
		}
		b.db.data[k] = v
	}
	b.db.writes++
	return nil
}

type memIter struct {
	keys, vals [][]byte
	idx        int
}

func (it *memIter) Next() bool    { it.idx++; return it.idx < len(it.keys) }
func (it *memIter) Key() []byte   { return it.keys[it.idx] }
func (it *memIter) Value() []byte { return it.vals[it.idx] }
func (it *memIter) Release()      {}
func (it *memIter) Error() error  { return nil }
