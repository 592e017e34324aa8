package merge

import (
	"context"
	"errors"
	"sync"
)

// Unordered merges sources in arrival order. One writer goroutine per
// source feeds a single channel; when capacity > 0 the channel is bounded
// and full-channel writers block, giving backpressure. capacity <= 0 means
// unbounded buffering.
//
// A source error fails the stream: remaining writers are cancelled, the
// channel closes, and the reader observes the error after draining whatever
// was already buffered. Callers wanting best-effort semantics wrap their
// sources so they complete instead of erroring.
func Unordered[T any](ctx context.Context, capacity int, sources ...Source[T]) *Stream[T] {
	mergeCtx, cancel := context.WithCancel(ctx)

	var out chan T
	var in chan T
	if capacity > 0 {
		out = make(chan T, capacity)
		in = out
	} else {
		out = make(chan T)
		in = make(chan T)
	}

	s := &Stream[T]{ch: out, cancel: cancel}

	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func(src Source[T]) {
			defer wg.Done()
			for {
				item, ok, err := src.Next(mergeCtx)
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						s.fail(err)
					}
					cancel()
					return
				}
				if !ok {
					return
				}
				select {
				case in <- item:
				case <-mergeCtx.Done():
					return
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(in)
	}()

	if capacity <= 0 {
		go bridge(in, out)
	}
	return s
}

// bridge buffers between in and out without bound, preserving arrival
// order. It exits when in closes and the queue drains.
func bridge[T any](in <-chan T, out chan<- T) {
	defer close(out)
	var queue []T
	for in != nil || len(queue) > 0 {
		if len(queue) == 0 {
			item, ok := <-in
			if !ok {
				return
			}
			queue = append(queue, item)
			continue
		}
		select {
		case item, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, item)
		case out <- queue[0]:
			queue = queue[1:]
		}
	}
}
