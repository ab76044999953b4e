// Package storage persists ledger state. DB is the raw key-value contract;
// StateDB layers typed records, snapshots and the state root on top of it.
package storage

// DB is a byte-oriented key-value store. Get reports a missing key as
// core.ErrNotFound. LevelDB serves a single node and RedisDB lets several
// processes share one keyspace.
type DB interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	NewIterator(prefix []byte) Iterator
	NewBatch() Batch
	Close() error
}

// Iterator yields the entries under a prefix in ascending key order. Key and
// Value are only valid until the next call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Release()
	Error() error
}

// Batch collects writes that land together when Write is called.
type Batch interface {
	Set(key, value []byte)
	Delete(key []byte)
	Reset()
	Write() error
}
