// Package dsstore adapts a go-datastore to the assignment store contract.
// Any datastore backend (disk, memory, remote) becomes a durable source of
// truth for key→shard assignments.
package dsstore

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	logging "github.com/ipfs/go-log/v2"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

var log = logging.Logger("shardkit/dsstore")

// AssignmentsNamespace is the namespace under which assignments are
// persisted.
var AssignmentsNamespace = ds.NewKey("shardkit/assignments")

const lockStripes = 64

// Store persists assignments in a ds.Datastore. Datastores expose plain
// get/put, so compare-and-set linearizability per key is provided by striped
// in-process locks; a single Store instance must therefore own writes to its
// namespace.
type Store[K comparable] struct {
	ds    ds.Datastore
	codec shard.Codec[K]
	locks [lockStripes]sync.Mutex
}

var (
	_ store.Assignments[string] = (*Store[string])(nil)
	_ store.Enumerator[string]  = (*Store[string])(nil)
)

// New wraps d under the assignments namespace. The codec maps key values to
// datastore key strings and back.
func New[K comparable](d ds.Datastore, codec shard.Codec[K]) *Store[K] {
	return &Store[K]{ds: namespace.Wrap(d, AssignmentsNamespace), codec: codec}
}

func (s *Store[K]) dsKey(key shard.Key[K]) ds.Key {
	return ds.NewKey(s.codec.Encode(key.Value()))
}

func (s *Store[K]) lockFor(key ds.Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &s.locks[h.Sum32()%lockStripes]
}

func (s *Store[K]) TryGet(ctx context.Context, key shard.Key[K]) (shard.ID, bool, error) {
	value, err := s.ds.Get(ctx, s.dsKey(key))
	switch {
	case errors.Is(err, ds.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, store.StorageError("get assignment", err)
	}
	return shard.ID(value), true, nil
}

func (s *Store[K]) Assign(ctx context.Context, key shard.Key[K], id shard.ID) (shard.Map[K], error) {
	k := s.dsKey(key)
	lk := s.lockFor(k)
	lk.Lock()
	defer lk.Unlock()

	if err := s.ds.Put(ctx, k, []byte(id)); err != nil {
		return shard.Map[K]{}, store.StorageError("put assignment", err)
	}
	return shard.Map[K]{Key: key, Shard: id}, nil
}

func (s *Store[K]) TryAssign(ctx context.Context, key shard.Key[K], id shard.ID) (bool, shard.Map[K], error) {
	return s.TryGetOrAdd(ctx, key, func() shard.ID { return id })
}

func (s *Store[K]) TryGetOrAdd(ctx context.Context, key shard.Key[K], factory func() shard.ID) (bool, shard.Map[K], error) {
	k := s.dsKey(key)
	lk := s.lockFor(k)
	lk.Lock()
	defer lk.Unlock()

	value, err := s.ds.Get(ctx, k)
	switch {
	case err == nil:
		return false, shard.Map[K]{Key: key, Shard: shard.ID(value)}, nil
	case !errors.Is(err, ds.ErrNotFound):
		return false, shard.Map[K]{}, store.StorageError("get assignment", err)
	}

	id := factory()
	if err := s.ds.Put(ctx, k, []byte(id)); err != nil {
		return false, shard.Map[K]{}, store.StorageError("put assignment", err)
	}
	log.Debugw("created assignment", "key", key, "shard", id)
	return true, shard.Map[K]{Key: key, Shard: id}, nil
}

// Enumerate streams every persisted assignment through the datastore's
// query interface. Memory use is bounded by the backend's result window.
func (s *Store[K]) Enumerate(ctx context.Context) (store.Iterator[K], error) {
	results, err := s.ds.Query(ctx, dsq.Query{})
	if err != nil {
		return nil, store.StorageError("query assignments", err)
	}
	return &queryIterator[K]{results: results, codec: s.codec}, nil
}

type queryIterator[K comparable] struct {
	results dsq.Results
	codec   shard.Codec[K]
}

func (it *queryIterator[K]) Next(ctx context.Context) (shard.Map[K], bool, error) {
	if err := ctx.Err(); err != nil {
		return shard.Map[K]{}, false, err
	}
	res, ok := it.results.NextSync()
	if !ok {
		return shard.Map[K]{}, false, nil
	}
	if res.Error != nil {
		return shard.Map[K]{}, false, store.StorageError("enumerate assignments", res.Error)
	}
	value, err := it.codec.Decode(trimSeparator(res.Key))
	if err != nil {
		return shard.Map[K]{}, false, fmt.Errorf("corrupt assignment key %q: %w", res.Key, err)
	}
	return shard.Map[K]{Key: shard.NewKey(value), Shard: shard.ID(res.Value)}, true, nil
}

func (it *queryIterator[K]) Close() error { return it.results.Close() }

// trimSeparator strips the leading datastore key separator.
func trimSeparator(k string) string {
	if len(k) > 0 && k[0] == '/' {
		return k[1:]
	}
	return k
}
