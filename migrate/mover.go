package migrate

import (
	"context"
	"fmt"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

// Mover copies one key's data from its source shard to its target shard.
// Copies must be idempotent upserts: re-copying an already copied key is
// harmless.
type Mover[K comparable] interface {
	Copy(ctx context.Context, move KeyMove[K]) error
}

// Verifier checks that a copied key's target content matches its source.
// ok=false is a recoverable mismatch; an error is an I/O failure.
type Verifier[K comparable] interface {
	Verify(ctx context.Context, move KeyMove[K]) (ok bool, err error)
}

// SwapResult reports what a swap batch actually changed.
type SwapResult struct {
	// Applied counts assignments newly pointed at their target.
	Applied int

	// Replayed counts moves whose assignment already named the target: a
	// re-execution after a crash between swap and checkpoint.
	Replayed int
}

// Swapper flips assignments for a batch of verified moves. The swap is the
// linearization point of a migration: per key it must be atomic; across the
// batch it may be applied key by key.
type Swapper[K comparable] interface {
	Swap(ctx context.Context, batch []KeyMove[K]) (SwapResult, error)
}

// ShardData reads and writes one entity kind on shard-local stores, keyed
// by logical key. Version is an opaque row-version/etag byte sequence, nil
// when the backend has none.
type ShardData[K comparable, V any] interface {
	Read(ctx context.Context, id shard.ID, key shard.Key[K]) (value V, version []byte, found bool, err error)
	Upsert(ctx context.Context, id shard.ID, key shard.Key[K], value V) error
}

// KVMover is the default mover over a ShardData backend: read from source,
// upsert into target. An absent source row is a no-op copy.
type KVMover[K comparable, V any] struct {
	Data ShardData[K, V]
}

var _ Mover[string] = (*KVMover[string, int])(nil)

func (m *KVMover[K, V]) Copy(ctx context.Context, move KeyMove[K]) error {
	if move.Fresh() {
		return nil // nothing to copy for a fresh placement.
	}
	value, _, found, err := m.Data.Read(ctx, move.Source, move.Key)
	if err != nil {
		return fmt.Errorf("copy %s from %s: %w", move.Key, move.Source, err)
	}
	if !found {
		return nil
	}
	if err := m.Data.Upsert(ctx, move.Target, move.Key, value); err != nil {
		return fmt.Errorf("copy %s into %s: %w", move.Key, move.Target, err)
	}
	return nil
}

// StoreSwapper applies swaps through the assignment store. Each key's
// assignment is a single atomic upsert (Assign), so readers resolve either
// the old or the new shard, never a third.
type StoreSwapper[K comparable] struct {
	Assignments store.Assignments[K]
}

var _ Swapper[string] = (*StoreSwapper[string])(nil)

func (s *StoreSwapper[K]) Swap(ctx context.Context, batch []KeyMove[K]) (SwapResult, error) {
	var res SwapResult
	for _, move := range batch {
		current, ok, err := s.Assignments.TryGet(ctx, move.Key)
		if err != nil {
			return res, err
		}
		if ok && current == move.Target {
			// Already swapped; a replay after a crash between swap and
			// checkpoint. The upsert below would be a no-op, so skip it.
			res.Replayed++
			continue
		}
		if _, err := s.Assignments.Assign(ctx, move.Key, move.Target); err != nil {
			return res, err
		}
		res.Applied++
	}
	return res, nil
}
