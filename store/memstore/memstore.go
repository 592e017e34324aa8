// Package memstore provides an in-memory assignment store. It backs tests
// and samples, and doubles as the reference for the linearizability the
// store contract demands.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

// Store is a mutex-guarded in-memory Assignments implementation. The zero
// value is not usable; construct with New.
type Store[K comparable] struct {
	mu          sync.RWMutex
	assignments map[shard.Key[K]]shard.ID
}

var (
	_ store.Assignments[string] = (*Store[string])(nil)
	_ store.Enumerator[string]  = (*Store[string])(nil)
)

func New[K comparable]() *Store[K] {
	return &Store[K]{assignments: make(map[shard.Key[K]]shard.ID)}
}

func (s *Store[K]) TryGet(ctx context.Context, key shard.Key[K]) (shard.ID, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.assignments[key]
	return id, ok, nil
}

func (s *Store[K]) Assign(ctx context.Context, key shard.Key[K], id shard.ID) (shard.Map[K], error) {
	if err := ctx.Err(); err != nil {
		return shard.Map[K]{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments[key] = id
	return shard.Map[K]{Key: key, Shard: id}, nil
}

func (s *Store[K]) TryAssign(ctx context.Context, key shard.Key[K], id shard.ID) (bool, shard.Map[K], error) {
	if err := ctx.Err(); err != nil {
		return false, shard.Map[K]{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.assignments[key]; ok {
		return false, shard.Map[K]{Key: key, Shard: current}, nil
	}
	s.assignments[key] = id
	return true, shard.Map[K]{Key: key, Shard: id}, nil
}

func (s *Store[K]) TryGetOrAdd(ctx context.Context, key shard.Key[K], factory func() shard.ID) (bool, shard.Map[K], error) {
	if err := ctx.Err(); err != nil {
		return false, shard.Map[K]{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.assignments[key]; ok {
		return false, shard.Map[K]{Key: key, Shard: current}, nil
	}
	id := factory()
	s.assignments[key] = id
	return true, shard.Map[K]{Key: key, Shard: id}, nil
}

// Enumerate snapshots the assignment set under the read lock and iterates
// the copy, so the iterator never observes concurrent mutation.
func (s *Store[K]) Enumerate(ctx context.Context) (store.Iterator[K], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	maps := make([]shard.Map[K], 0, len(s.assignments))
	for k, id := range s.assignments {
		maps = append(maps, shard.Map[K]{Key: k, Shard: id})
	}
	s.mu.RUnlock()

	sort.Slice(maps, func(i, j int) bool { return maps[i].Key.String() < maps[j].Key.String() })
	return &sliceIterator[K]{maps: maps}, nil
}

// Len returns the number of assignments held.
func (s *Store[K]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assignments)
}

type sliceIterator[K comparable] struct {
	maps []shard.Map[K]
	pos  int
}

func (it *sliceIterator[K]) Next(ctx context.Context) (shard.Map[K], bool, error) {
	if err := ctx.Err(); err != nil {
		return shard.Map[K]{}, false, err
	}
	if it.pos >= len(it.maps) {
		return shard.Map[K]{}, false, nil
	}
	m := it.maps[it.pos]
	it.pos++
	return m, true, nil
}

func (it *sliceIterator[K]) Close() error { return nil }
