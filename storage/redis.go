package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tolelom/shadowduel/core"
)

// RedisOptions configures a RedisDB.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace is prepended to every key so several ledgers can share one
	// Redis instance.
	Namespace string
	// Timeout bounds each round trip. Zero means 5s.
	Timeout time.Duration
}

// RedisDB implements DB on a Redis server. Batches are applied in a single
// MULTI/EXEC pipeline so a commit is all-or-nothing.
type RedisDB struct {
	client  *redis.Client
	ns      string
	timeout time.Duration
}

// NewRedisDB connects to Redis and verifies the connection with PING.
func NewRedisDB(opts RedisOptions) (*RedisDB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	r := &RedisDB{client: client, ns: opts.Namespace, timeout: opts.Timeout}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	ctx, cancel := r.ctx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %q: %w", opts.Addr, err)
	}
	return r, nil
}

func (r *RedisDB) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RedisDB) key(k []byte) string { return r.ns + string(k) }

func (r *RedisDB) Get(key []byte) ([]byte, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	return val, err
}

func (r *RedisDB) Set(key, value []byte) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}

func (r *RedisDB) Delete(key []byte) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, r.key(key)).Err()
}

// NewIterator scans every key under prefix, then loads the values with one
// pipelined round trip. Redis has no ordered keyspace, so keys are sorted
// client-side to keep iteration order deterministic.
func (r *RedisDB) NewIterator(prefix []byte) Iterator {
	ctx, cancel := r.ctx()
	defer cancel()

	var keys []string
	iter := r.client.Scan(ctx, 0, escapeGlob(r.key(prefix))+"*", 256).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return &sliceIter{idx: -1, err: fmt.Errorf("scan %q: %w", prefix, err)}
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return &sliceIter{idx: -1}
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return &sliceIter{idx: -1, err: fmt.Errorf("load %q: %w", prefix, err)}
	}

	pairs := make([]kvPair, 0, len(keys))
	for i, cmd := range cmds {
		v, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return &sliceIter{idx: -1, err: err}
		}
		pairs = append(pairs, kvPair{k: []byte(strings.TrimPrefix(keys[i], r.ns)), v: v})
	}
	return &sliceIter{pairs: pairs, idx: -1}
}

func (r *RedisDB) NewBatch() Batch {
	return &redisBatch{db: r}
}

func (r *RedisDB) Close() error {
	return r.client.Close()
}

type redisOp struct {
	key   string
	value []byte // nil means delete
}

type redisBatch struct {
	db  *RedisDB
	ops []redisOp
}

func (b *redisBatch) Set(key, value []byte) {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.ops = append(b.ops, redisOp{b.db.key(key), cp})
}

func (b *redisBatch) Delete(key []byte) {
	b.ops = append(b.ops, redisOp{b.db.key(key), nil})
}

func (b *redisBatch) Reset() { b.ops = nil }

func (b *redisBatch) Write() error {
	if len(b.ops) == 0 {
		return nil
	}
	ctx, cancel := b.db.ctx()
	defer cancel()
	_, err := b.db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, op := range b.ops {
			if op.value == nil {
				pipe.Del(ctx, op.key)
			} else {
				pipe.Set(ctx, op.key, op.value, 0)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis batch: %w", err)
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

type kvPair struct{ k, v []byte }

// sliceIter iterates a materialised, sorted slice of pairs.
type sliceIter struct {
	pairs []kvPair
	idx   int
	err   error
}

func (it *sliceIter) Next() bool {
	if it.err != nil {
		return false
	}
	it.idx++
	return it.idx < len(it.pairs)
}
func (it *sliceIter) Key() []byte   { return it.pairs[it.idx].k }
func (it *sliceIter) Value() []byte { return it.pairs[it.idx].v }
func (it *sliceIter) Release()      {}
func (it *sliceIter) Error() error  { return it.err }
