// Package merge combines per-shard result sequences into a single
// asynchronous stream, in arrival order or in globally sorted order.
package merge

import (
	"context"
	"sync"
)

// Source is a pull iterator over one shard's results. Next returns ok=false
// when the sequence is exhausted; an error terminates the sequence.
// Implementations are single-owner: the merge engine is the only caller.
type Source[T any] interface {
	Next(ctx context.Context) (T, bool, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc[T any] func(ctx context.Context) (T, bool, error)

func (f SourceFunc[T]) Next(ctx context.Context) (T, bool, error) { return f(ctx) }

// FromSlice returns a Source yielding the given items in order.
func FromSlice[T any](items []T) Source[T] {
	pos := 0
	return SourceFunc[T](func(ctx context.Context) (T, bool, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, false, err
		}
		if pos >= len(items) {
			return zero, false, nil
		}
		item := items[pos]
		pos++
		return item, true, nil
	})
}

// Stream is the merged output sequence: single reader, fed by the merge
// writers. Once the producing side completes or faults the channel closes;
// buffered items remain readable, then Next reports the terminal error, if
// any.
type Stream[T any] struct {
	ch     <-chan T
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Next returns the next merged item. ok=false means the stream is done;
// the returned error is then the stream's terminal error, or nil on clean
// completion. A ctx cancellation mid-wait surfaces as an error.
func (s *Stream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case item, ok := <-s.ch:
		if !ok {
			return zero, false, s.Err()
		}
		return item, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Err returns the stream's terminal error. Meaningful once Next has
// reported ok=false.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the producing side. Items already buffered stay readable.
// Safe to call multiple times and from any goroutine.
func (s *Stream[T]) Close() { s.cancel() }

func (s *Stream[T]) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Drain consumes the remainder of the stream into a slice. Used by tests
// and small result sets; large results should iterate Next directly.
func Drain[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for {
		item, ok, err := s.Next(ctx)
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, item)
	}
}
