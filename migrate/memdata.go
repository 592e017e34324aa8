package migrate

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/shardkit/shardkit/shard"
)

// MemData is an in-memory ShardData backend for tests and samples. Row
// versions are derived from canonical content, so logically equal rows on
// different shards carry equal versions.
type MemData[K comparable, V any] struct {
	mu     sync.RWMutex
	shards map[shard.ID]map[shard.Key[K]]V
}

var _ ShardData[string, string] = (*MemData[string, string])(nil)

func NewMemData[K comparable, V any]() *MemData[K, V] {
	return &MemData[K, V]{shards: make(map[shard.ID]map[shard.Key[K]]V)}
}

func (d *MemData[K, V]) Read(ctx context.Context, id shard.ID, key shard.Key[K]) (V, []byte, bool, error) {
	var zero V
	if err := ctx.Err(); err != nil {
		return zero, nil, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, ok := d.shards[id]
	if !ok {
		return zero, nil, false, nil
	}
	value, ok := rows[key]
	if !ok {
		return zero, nil, false, nil
	}
	return value, contentVersion(value), true, nil
}

func (d *MemData[K, V]) Upsert(ctx context.Context, id shard.ID, key shard.Key[K], value V) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, ok := d.shards[id]
	if !ok {
		rows = make(map[shard.Key[K]]V)
		d.shards[id] = rows
	}
	rows[key] = value
	return nil
}

// Delete removes a row. Used by callers cleaning up source shards after a
// completed migration.
func (d *MemData[K, V]) Delete(ctx context.Context, id shard.ID, key shard.Key[K]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if rows, ok := d.shards[id]; ok {
		delete(rows, key)
	}
	return nil
}

// Len returns the row count on one shard.
func (d *MemData[K, V]) Len(id shard.ID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.shards[id])
}

func contentVersion[V any](value V) []byte {
	canonical, err := Canonicalize(value)
	if err != nil {
		return nil
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], StableHash(canonical))
	return b[:]
}
