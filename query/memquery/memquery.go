// Package memquery backs the query executor with in-memory, slice-backed
// shard collections. It is the reference backend: it advertises both
// ordering and pagination, and it caches compiled predicate chains the way
// a translation layer for a remote backend would cache generated queries.
package memquery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shardkit/shardkit/merge"
	"github.com/shardkit/shardkit/query"
	"github.com/shardkit/shardkit/shard"
)

// compiledCacheSize bounds the per-factory compiled filter cache.
const compiledCacheSize = 512

// Store holds per-shard entity slices.
type Store[E any] struct {
	mu   sync.RWMutex
	data map[shard.ID][]E
}

func NewStore[E any]() *Store[E] {
	return &Store[E]{data: make(map[shard.ID][]E)}
}

// Add appends entities to a shard's collection.
func (s *Store[E]) Add(id shard.ID, items ...E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append(s.data[id], items...)
}

// Replace swaps a shard's collection wholesale.
func (s *Store[E]) Replace(id shard.ID, items []E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]E{}, items...)
}

// snapshot copies a shard's slice so readers never observe mutation.
func (s *Store[E]) snapshot(id shard.ID) []E {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]E{}, s.data[id]...)
}

// Factory creates shard-scoped resources over a Store. Compiled predicate
// chains are shared across resources through an LRU keyed by the model's
// expression text.
type Factory[E, R any] struct {
	store    *Store[E]
	compiled *lru.Cache[string, func(E) bool]

	// pagerOpts, when set, simulates a paged backend read: entities are
	// materialized in adaptive batches instead of one pass.
	pagerOpts *query.PagerOptions
}

var _ query.ResourceFactory[int, int] = (*Factory[int, int])(nil)

// NewFactory builds a resource factory over store.
func NewFactory[E, R any](store *Store[E]) *Factory[E, R] {
	cache, err := lru.New[string, func(E) bool](compiledCacheSize)
	if err != nil {
		// lru.New only fails on non-positive size.
		panic(err)
	}
	return &Factory[E, R]{store: store, compiled: cache}
}

// WithPaging makes resources read their collections in adaptively sized
// batches, exercising the paged-read path that remote backends take.
func (f *Factory[E, R]) WithPaging(opts query.PagerOptions) *Factory[E, R] {
	f.pagerOpts = &opts
	return f
}

// Capabilities reports what memquery resources support.
func (f *Factory[E, R]) Capabilities() query.Capabilities {
	return query.Capabilities{Ordering: true, Pagination: true}
}

func (f *Factory[E, R]) Create(ctx context.Context, id shard.ID) (query.Resource[E, R], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &resource[E, R]{factory: f, id: id}, nil
}

// filter returns the compiled predicate chain for the model, from cache
// when possible.
func (f *Factory[E, R]) filter(model *query.Model[E, R]) func(E) bool {
	key := model.CacheKey()
	if fn, ok := f.compiled.Get(key); ok {
		return fn
	}
	fn := func(e E) bool { return model.Match(e) }
	f.compiled.Add(key, fn)
	return fn
}

type resource[E, R any] struct {
	factory *Factory[E, R]
	id      shard.ID
	closed  bool
}

var _ query.OrderedResource[int, int] = (*resource[int, int])(nil)

func (r *resource[E, R]) Query(ctx context.Context, model *query.Model[E, R]) (merge.Source[R], error) {
	results, err := r.materialize(ctx, model)
	if err != nil {
		return nil, err
	}
	return merge.FromSlice(results), nil
}

func (r *resource[E, R]) QueryOrdered(ctx context.Context, model *query.Model[E, R], cmp func(a, b R) int) (merge.Source[R], error) {
	results, err := r.materialize(ctx, model)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool { return cmp(results[i], results[j]) < 0 })
	return merge.FromSlice(results), nil
}

func (r *resource[E, R]) materialize(ctx context.Context, model *query.Model[E, R]) ([]R, error) {
	if r.closed {
		return nil, fmt.Errorf("memquery: resource for shard %s already closed", r.id)
	}
	entities := r.factory.store.snapshot(r.id)
	filter := r.factory.filter(model)

	if r.factory.pagerOpts != nil {
		return r.materializePaged(ctx, entities, filter, model)
	}

	var out []R
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if filter(e) {
			out = append(out, model.Project(e))
		}
	}
	return out, nil
}

// materializePaged walks the collection in pager-sized batches, feeding the
// observed batch time back into the pager after each one.
func (r *resource[E, R]) materializePaged(ctx context.Context, entities []E, filter func(E) bool, model *query.Model[E, R]) ([]R, error) {
	pager, err := query.NewPager(*r.factory.pagerOpts)
	if err != nil {
		return nil, err
	}

	var out []R
	for offset := 0; offset < len(entities); {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(offset+pager.Size(), len(entities))
		start := time.Now()
		for _, e := range entities[offset:end] {
			if filter(e) {
				out = append(out, model.Project(e))
			}
		}
		pager.Observe(time.Since(start))
		offset = end
	}
	return out, nil
}

func (r *resource[E, R]) Close() error {
	r.closed = true
	return nil
}
