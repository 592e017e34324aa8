package migrate

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/shardkit/shardkit/shard"
)

// Governor defaults.
const (
	DefaultGlobalBudget   = 256
	DefaultPerShardBudget = 16
)

// GovernorOptions configures the migration concurrency budgets.
type GovernorOptions struct {
	// Global caps concurrent copy/verify operations across all shards.
	// Zero means DefaultGlobalBudget.
	Global int

	// PerShard caps concurrent operations touching a single shard. Zero
	// means DefaultPerShardBudget.
	PerShard int

	// LatencyThreshold, when positive, enables health-aware throttling: a
	// shard whose recent operations exceed it at p95 pays double per
	// acquisition, halving its effective budget until latencies recover.
	LatencyThreshold time.Duration
}

// Governor caps migration concurrency with a global budget and a per-shard
// budget. Every copy or verify acquires one global token plus one token per
// shard the operation touches, released on completion.
type Governor struct {
	opts   GovernorOptions
	global *semaphore.Weighted

	mu       sync.Mutex
	shards  map[shard.ID]*semaphore.Weighted
	weights map[shard.ID]int64
	recent  map[shard.ID]*latencyWindow
}

// NewGovernor builds a governor with the given budgets.
func NewGovernor(opts GovernorOptions) *Governor {
	if opts.Global <= 0 {
		opts.Global = DefaultGlobalBudget
	}
	if opts.PerShard <= 0 {
		opts.PerShard = DefaultPerShardBudget
	}
	return &Governor{
		opts:    opts,
		global:  semaphore.NewWeighted(int64(opts.Global)),
		shards:  make(map[shard.ID]*semaphore.Weighted),
		weights: make(map[shard.ID]int64),
		recent:  make(map[shard.ID]*latencyWindow),
	}
}

func (g *Governor) shardSem(id shard.ID) (*semaphore.Weighted, int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.shards[id]
	if !ok {
		sem = semaphore.NewWeighted(int64(g.opts.PerShard))
		g.shards[id] = sem
	}
	weight := g.weights[id]
	if weight < 1 {
		weight = 1
	}
	return sem, weight
}

// Acquire takes one global token and one token for each distinct shard in
// ids. Shard tokens are taken in sorted id order so two concurrent
// acquisitions can never deadlock against each other. The returned release
// function is idempotent.
func (g *Governor) Acquire(ctx context.Context, ids ...shard.ID) (release func(), err error) {
	distinct := make([]shard.ID, 0, len(ids))
	seen := make(map[shard.ID]struct{}, len(ids))
	for _, id := range ids {
		if !id.Valid() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		distinct = append(distinct, id)
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })

	if err := g.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	type held struct {
		sem    *semaphore.Weighted
		weight int64
	}
	taken := make([]held, 0, len(distinct))
	undo := func() {
		for _, h := range taken {
			h.sem.Release(h.weight)
		}
		g.global.Release(1)
	}
	for _, id := range distinct {
		sem, weight := g.shardSem(id)
		if err := sem.Acquire(ctx, weight); err != nil {
			undo()
			return nil, err
		}
		taken = append(taken, held{sem: sem, weight: weight})
	}

	var once sync.Once
	return func() { once.Do(undo) }, nil
}

// Observe feeds an operation's latency on a shard into the health-aware
// throttle. No-op unless LatencyThreshold is set.
func (g *Governor) Observe(id shard.ID, elapsed time.Duration) {
	if g.opts.LatencyThreshold <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.recent[id]
	if !ok {
		w = &latencyWindow{}
		g.recent[id] = w
	}
	w.add(elapsed)
	if w.p95() > g.opts.LatencyThreshold {
		g.weights[id] = 2
	} else {
		g.weights[id] = 1
	}
}

const latencyWindowSize = 64

// latencyWindow is a fixed-size ring of recent operation latencies.
type latencyWindow struct {
	samples [latencyWindowSize]time.Duration
	n       int
	next    int
}

func (w *latencyWindow) add(d time.Duration) {
	w.samples[w.next] = d
	w.next = (w.next + 1) % latencyWindowSize
	if w.n < latencyWindowSize {
		w.n++
	}
}

func (w *latencyWindow) p95() time.Duration {
	if w.n == 0 {
		return 0
	}
	sorted := make([]time.Duration, w.n)
	copy(sorted, w.samples[:w.n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
