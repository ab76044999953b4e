package storage

import (
	"errors"
	"fmt"
	"log"

	"github.com/syndtr/goleveldb/leveldb"
	lverrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/tolelom/shadowduel/core"
)

// LevelDB is the single-process DB backend. Batches are written with fsync
// since one batch is one committed ledger transaction.
type LevelDB struct {
	db   *leveldb.DB
	sync *opt.WriteOptions
}

// NewLevelDB opens the database at path, creating it if needed. A store
// whose manifest is corrupted is rebuilt from its table files.
func NewLevelDB(path string) (*LevelDB, error) {
	o := &opt.Options{BlockCacheCapacity: 16 * opt.MiB}
	db, err := leveldb.OpenFile(path, o)
	if lverrors.IsCorrupted(err) {
		log.Printf("[storage] %s is corrupted, recovering: %v", path, err)
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb %s: %w", path, err)
	}
	return &LevelDB{db: db, sync: &opt.WriteOptions{Sync: true}}, nil
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	v, err := l.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		err = core.ErrNotFound
	}
	return v, err
}

func (l *LevelDB) Set(key, value []byte) error { return l.db.Put(key, value, nil) }
func (l *LevelDB) Delete(key []byte) error     { return l.db.Delete(key, nil) }
func (l *LevelDB) Close() error                { return l.db.Close() }

// NewIterator returns goleveldb's own iterator; it already satisfies Iterator.
func (l *LevelDB) NewIterator(prefix []byte) Iterator {
	return l.db.NewIterator(util.BytesPrefix(prefix), nil)
}

func (l *LevelDB) NewBatch() Batch {
	return &levelBatch{owner: l, batch: new(leveldb.Batch)}
}

type levelBatch struct {
	owner *LevelDB
	batch *leveldb.Batch
}

func (b *levelBatch) Set(key, value []byte) { b.batch.Put(key, value) }
func (b *levelBatch) Delete(key []byte)     { b.batch.Delete(key) }
func (b *levelBatch) Reset()                { b.batch.Reset() }
func (b *levelBatch) Write() error          { return b.owner.db.Write(b.batch, b.owner.sync) }
