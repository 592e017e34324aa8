// Package store defines the assignment store contract: the durable,
// linearizable key→shard mapping that the router treats as the source of
// truth and the migration swapper mutates.
package store

import (
	"context"

	"github.com/shardkit/shardkit/shard"
)

// Assignments persists shard.Key→shard.ID bindings. Implementations must
// make TryAssign and TryGetOrAdd linearizable with respect to one another
// for a given key: two concurrent first assignments observe one winner.
type Assignments[K comparable] interface {
	// TryGet returns the current assignment for key, if any.
	TryGet(ctx context.Context, key shard.Key[K]) (shard.ID, bool, error)

	// Assign unconditionally upserts the assignment for key.
	Assign(ctx context.Context, key shard.Key[K], id shard.ID) (shard.Map[K], error)

	// TryAssign creates the assignment only if the key is unassigned.
	// It reports whether this call created the assignment; on contention the
	// returned map carries the winner's shard.
	TryAssign(ctx context.Context, key shard.Key[K], id shard.ID) (created bool, current shard.Map[K], err error)

	// TryGetOrAdd returns the existing assignment, or invokes factory and
	// CAS-inserts its result. On contention the winner's assignment is
	// returned with created=false.
	TryGetOrAdd(ctx context.Context, key shard.Key[K], factory func() shard.ID) (created bool, current shard.Map[K], err error)
}

// Enumerator is an optional capability of an assignment store: lazy
// iteration over every assignment for topology snapshot construction. The
// iterator must honor ctx and hold at most a bounded window in memory.
type Enumerator[K comparable] interface {
	Enumerate(ctx context.Context) (Iterator[K], error)
}

// Iterator walks assignments one at a time. Next returns ok=false once the
// sequence is exhausted. Close releases backing resources and is safe to
// call more than once.
type Iterator[K comparable] interface {
	Next(ctx context.Context) (shard.Map[K], bool, error)
	Close() error
}

// Snapshot materializes a topology from an enumerator-capable store.
func Snapshot[K comparable](ctx context.Context, e Enumerator[K]) (*shard.Topology[K], error) {
	it, err := e.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var maps []shard.Map[K]
	for {
		m, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return shard.NewTopology(maps...), nil
		}
		maps = append(maps, m)
	}
}
