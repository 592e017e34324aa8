package query

import (
	"context"
	"sync"

	"github.com/shardkit/shardkit/merge"
	"github.com/shardkit/shardkit/shard"
)

// Resource is a single-use handle onto one shard's backing store: a
// database context, a document session, a cache connection or an in-memory
// collection. It is owned by one query execution; Close must run on every
// exit path, which the executor's lease guarantees.
type Resource[E, R any] interface {
	// Query applies the model against the shard's native store and returns
	// a lazy result sequence. Execution is deferred server-side where the
	// backend permits.
	Query(ctx context.Context, model *Model[E, R]) (merge.Source[R], error)

	Close() error
}

// OrderedResource is the optional ordered-read capability: results arrive
// already sorted by cmp, making the resource usable under an ordered merge.
type OrderedResource[E, R any] interface {
	QueryOrdered(ctx context.Context, model *Model[E, R], cmp func(a, b R) int) (merge.Source[R], error)
}

// ResourceFactory opens shard-scoped resources. Create is called once per
// shard per execution; the returned resource is single-use.
type ResourceFactory[E, R any] interface {
	Create(ctx context.Context, id shard.ID) (Resource[E, R], error)
}

// lease wraps one shard's resource acquisition with guaranteed release.
// The resource is opened lazily on first use and closed exactly once, on
// exhaustion, error or cancellation, whichever comes first.
type lease[E, R any] struct {
	id      shard.ID
	factory ResourceFactory[E, R]

	mu       sync.Mutex
	resource Resource[E, R]
	closed   bool
}

func newLease[E, R any](id shard.ID, factory ResourceFactory[E, R]) *lease[E, R] {
	return &lease[E, R]{id: id, factory: factory}
}

// acquire opens the underlying resource if it is not open yet.
func (l *lease[E, R]) acquire(ctx context.Context) (Resource[E, R], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, context.Canceled
	}
	if l.resource != nil {
		return l.resource, nil
	}
	res, err := l.factory.Create(ctx, l.id)
	if err != nil {
		return nil, err
	}
	l.resource = res
	return res, nil
}

// release closes the resource if open. Idempotent.
func (l *lease[E, R]) release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.resource == nil {
		return nil
	}
	err := l.resource.Close()
	l.resource = nil
	return err
}
