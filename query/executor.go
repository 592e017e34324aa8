package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	logging "github.com/ipfs/go-log/v2"

	"github.com/shardkit/shardkit/merge"
	"github.com/shardkit/shardkit/shard"
)

var log = logging.Logger("shardkit/query")

// ErrUnsupportedCapability is returned when an operation requires a
// capability the executor's backend does not advertise.
var ErrUnsupportedCapability = errors.New("capability not supported by executor")

// Capabilities advertises what the underlying backend supports.
type Capabilities struct {
	Ordering   bool
	Pagination bool
}

// FailureStrategy selects how per-shard errors affect the merged stream.
type FailureStrategy int

const (
	// FailFast surfaces the first shard error and cancels the remaining
	// shards.
	FailFast FailureStrategy = iota

	// BestEffort completes the stream from the healthy shards, collecting
	// errors. If every shard fails the aggregate error is surfaced; a query
	// never silently yields an empty result because all shards broke.
	BestEffort
)

func (s FailureStrategy) String() string {
	return [...]string{"FailFast", "BestEffort"}[s]
}

// Gate filters the target shard set before fan-out. The health package
// provides implementations; a nil gate admits everything.
type Gate interface {
	Admit(ctx context.Context, ids []shard.ID) ([]shard.ID, error)
}

// Options configures a Fanout executor. The zero value selects FailFast,
// unbounded channel, no timeout and no gate.
type Options struct {
	// ChannelCapacity bounds the unordered merge channel. Zero or negative
	// means unbounded.
	ChannelCapacity int

	// CommandTimeout caps each shard's execution. Zero means no timeout.
	// An exceeded timeout is a shard error routed to the failure strategy.
	CommandTimeout time.Duration

	Strategy FailureStrategy

	Gate Gate
}

// Fanout executes query models across a fixed shard set concurrently. It is
// safe for concurrent use; every execution acquires its own per-shard
// resources.
type Fanout[E, R any] struct {
	shards  []shard.ID
	known   map[shard.ID]struct{}
	factory ResourceFactory[E, R]
	caps    Capabilities
	opts    Options
	metrics *metrics
}

// NewFanout builds an executor over the given shards. caps must reflect
// what factory-created resources actually support.
func NewFanout[E, R any](ids []shard.ID, factory ResourceFactory[E, R], caps Capabilities, opts Options) (*Fanout[E, R], error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("query: no shards")
	}
	known := make(map[shard.ID]struct{}, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			return nil, fmt.Errorf("query: empty shard id")
		}
		known[id] = struct{}{}
	}
	return &Fanout[E, R]{
		shards:  append([]shard.ID{}, ids...),
		known:   known,
		factory: factory,
		caps:    caps,
		opts:    opts,
		metrics: queryMetrics(),
	}, nil
}

// Capabilities reports the backend capabilities advertised at construction.
func (f *Fanout[E, R]) Capabilities() Capabilities { return f.caps }

// Execute runs the model across its target shards and merges the results in
// arrival order.
func (f *Fanout[E, R]) Execute(ctx context.Context, model *Model[E, R]) (*merge.Stream[R], error) {
	sources, err := f.sources(ctx, model, nil)
	if err != nil {
		return nil, err
	}
	return merge.Unordered(ctx, f.opts.ChannelCapacity, sources...), nil
}

// ExecuteOrdered runs the model and merges the per-shard streams into one
// globally ordered stream. Requires the Ordering capability; each shard's
// resource yields results already sorted by cmp.
func (f *Fanout[E, R]) ExecuteOrdered(ctx context.Context, model *Model[E, R], cmp func(a, b R) int) (*merge.Stream[R], error) {
	if !f.caps.Ordering {
		return nil, fmt.Errorf("ordered execution: %w", ErrUnsupportedCapability)
	}
	sources, err := f.sources(ctx, model, cmp)
	if err != nil {
		return nil, err
	}
	return merge.Ordered(ctx, cmp, sources...), nil
}

// sources resolves the target shard set and builds one lazy source per
// shard. cmp non-nil selects the ordered read path.
func (f *Fanout[E, R]) sources(ctx context.Context, model *Model[E, R], cmp func(a, b R) int) ([]merge.Source[R], error) {
	targets := model.Targets()
	if len(targets) == 0 {
		targets = f.shards
	} else {
		valid := targets[:0]
		for _, id := range targets {
			if _, ok := f.known[id]; ok {
				valid = append(valid, id)
			} else {
				log.Warnw("dropping unknown target shard", "shard", id)
				f.metrics.invalidTargets.Inc()
			}
		}
		targets = valid
		if len(targets) == 0 {
			return nil, fmt.Errorf("query: no valid target shards")
		}
	}

	if f.opts.Gate != nil {
		admitted, err := f.opts.Gate.Admit(ctx, targets)
		if err != nil {
			return nil, err
		}
		targets = admitted
	}

	collector := &errorCollector{total: len(targets)}
	sources := make([]merge.Source[R], len(targets))
	for i, id := range targets {
		sources[i] = &shardSource[E, R]{
			id:        id,
			lease:     newLease(id, f.factory),
			model:     model,
			cmp:       cmp,
			timeout:   f.opts.CommandTimeout,
			strategy:  f.opts.Strategy,
			collector: collector,
			metrics:   f.metrics,
		}
	}
	return sources, nil
}

// errorCollector aggregates per-shard failures under the best-effort
// strategy. When the final shard fails too, the aggregate surfaces as the
// stream error instead of a silent empty result.
type errorCollector struct {
	mu     sync.Mutex
	total  int
	failed int
	errs   *multierror.Error
}

// record adds a shard failure and returns the aggregate if every shard has
// now failed, nil otherwise.
func (c *errorCollector) record(id shard.ID, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.errs = multierror.Append(c.errs, fmt.Errorf("shard %s: %w", id, err))
	if c.failed == c.total {
		return fmt.Errorf("all %d shards failed: %w", c.total, c.errs.ErrorOrNil())
	}
	return nil
}

// shardSource streams one shard's results, opening the shard resource on
// first pull and releasing it on every exit path.
type shardSource[E, R any] struct {
	id        shard.ID
	lease     *lease[E, R]
	model     *Model[E, R]
	cmp       func(a, b R) int
	timeout   time.Duration
	strategy  FailureStrategy
	collector *errorCollector
	metrics   *metrics

	inner    merge.Source[R]
	deadline time.Time
	done     bool
}

func (s *shardSource[E, R]) Next(ctx context.Context) (R, bool, error) {
	var zero R
	if s.done {
		return zero, false, nil
	}

	// The command timeout spans the whole shard enumeration: the deadline
	// is fixed on the first pull and applied to every call's context, so
	// the merge's own cancellation still propagates through ctx.
	if s.timeout > 0 && s.deadline.IsZero() {
		s.deadline = time.Now().Add(s.timeout)
	}
	if !s.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, s.deadline)
		defer cancel()
	}

	if s.inner == nil {
		res, err := s.lease.acquire(ctx)
		if err != nil {
			return s.finish(err)
		}
		inner, err := s.open(ctx, res)
		if err != nil {
			return s.finish(err)
		}
		s.inner = inner
	}

	item, ok, err := s.inner.Next(ctx)
	if err != nil {
		return s.finish(err)
	}
	if !ok {
		_, _, ferr := s.finish(nil)
		return zero, false, ferr
	}
	return item, true, nil
}

func (s *shardSource[E, R]) open(ctx context.Context, res Resource[E, R]) (merge.Source[R], error) {
	if s.cmp != nil {
		ordered, ok := res.(OrderedResource[E, R])
		if !ok {
			return nil, fmt.Errorf("shard %s ordered read: %w", s.id, ErrUnsupportedCapability)
		}
		return ordered.QueryOrdered(ctx, s.model, s.cmp)
	}
	return res.Query(ctx, s.model)
}

// finish releases the lease and translates err per the failure strategy.
func (s *shardSource[E, R]) finish(err error) (R, bool, error) {
	var zero R
	s.done = true
	if cerr := s.lease.release(); cerr != nil && err == nil {
		err = cerr
	}
	if err == nil || errors.Is(err, context.Canceled) {
		return zero, false, err
	}

	s.metrics.shardErrors.Inc()
	log.Debugw("shard query failed", "shard", s.id, "strategy", s.strategy, "error", err)
	if s.strategy == BestEffort {
		// Swallow the failure unless every shard has failed.
		return zero, false, s.collector.record(s.id, err)
	}
	return zero, false, fmt.Errorf("shard %s: %w", s.id, err)
}
