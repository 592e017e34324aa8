package merge

import (
	"container/heap"
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Ordered merges locally ordered sources into one globally ordered stream.
// cmp is the sort-key comparator (negative: a before b); sources must each
// already be ordered by the same comparator. Descending order is the same
// call with an inverted comparator.
//
// The first element of every source is prefetched concurrently, so a single
// slow shard delays only its own head, not the whole merge start. After
// that, a min-heap of heads is maintained: emit the top, pull the next
// element from that source, sift. Ties across sources break ascending by
// source index, which keeps the merged order stable per shard.
func Ordered[T any](ctx context.Context, cmp func(a, b T) int, sources ...Source[T]) *Stream[T] {
	mergeCtx, cancel := context.WithCancel(ctx)
	out := make(chan T)
	s := &Stream[T]{ch: out, cancel: cancel}

	go func() {
		defer close(out)

		heads := make([]*head[T], len(sources))
		g, prefetchCtx := errgroup.WithContext(mergeCtx)
		for i, src := range sources {
			i, src := i, src
			g.Go(func() error {
				item, ok, err := src.Next(prefetchCtx)
				if err != nil {
					return err
				}
				if ok {
					heads[i] = &head[T]{item: item, source: i}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			if !errors.Is(err, context.Canceled) {
				s.fail(err)
			}
			return
		}

		h := &headHeap[T]{cmp: cmp}
		for _, hd := range heads {
			if hd != nil {
				h.items = append(h.items, hd)
			}
		}
		heap.Init(h)

		for h.Len() > 0 {
			top := h.items[0]
			select {
			case out <- top.item:
			case <-mergeCtx.Done():
				return
			}

			item, ok, err := sources[top.source].Next(mergeCtx)
			switch {
			case err != nil:
				if !errors.Is(err, context.Canceled) {
					s.fail(err)
				}
				return
			case ok:
				top.item = item
				heap.Fix(h, 0)
			default:
				heap.Pop(h)
			}
		}
	}()

	return s
}

type head[T any] struct {
	item   T
	source int
}

type headHeap[T any] struct {
	items []*head[T]
	cmp   func(a, b T) int
}

func (h *headHeap[T]) Len() int { return len(h.items) }

func (h *headHeap[T]) Less(i, j int) bool {
	if c := h.cmp(h.items[i].item, h.items[j].item); c != 0 {
		return c < 0
	}
	return h.items[i].source < h.items[j].source
}

func (h *headHeap[T]) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *headHeap[T]) Push(x any) { h.items = append(h.items, x.(*head[T])) }

func (h *headHeap[T]) Pop() any {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}
