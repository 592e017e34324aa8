package migrate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

// Executor defaults.
const (
	DefaultMaxRetries         = 3
	DefaultSwapBatchSize      = 16
	DefaultCheckpointInterval = 100
	DefaultCheckpointTime     = 30 * time.Second
	DefaultRetryInterval      = 50 * time.Millisecond
)

// ExecutorConfig wires the executor's collaborators and tuning knobs.
// Mover, Verifier, Swapper and Checkpoints are required.
type ExecutorConfig[K comparable] struct {
	Mover       Mover[K]
	Verifier    Verifier[K]
	Swapper     Swapper[K]
	Checkpoints CheckpointStore[K]

	// Governor caps copy/verify concurrency. Nil builds one with defaults.
	Governor *Governor

	// MaxRetries bounds transient retries and mismatch rollbacks per move.
	// Zero means DefaultMaxRetries.
	MaxRetries int

	// SwapBatchSize bounds how many verified moves one swap persists.
	// Zero means DefaultSwapBatchSize.
	SwapBatchSize int

	// CheckpointInterval persists a checkpoint every this many processed
	// moves. Zero means DefaultCheckpointInterval.
	CheckpointInterval int

	// CheckpointTime persists a checkpoint when this much time has passed
	// since the last one, whichever of the two triggers first. Zero means
	// DefaultCheckpointTime.
	CheckpointTime time.Duration

	// CopyConcurrency and VerifyConcurrency additionally cap the phases
	// independently of the governor. Zero means governed only.
	CopyConcurrency   int
	VerifyConcurrency int

	// RetryInterval is the initial backoff between retries of one move.
	// Zero means DefaultRetryInterval.
	RetryInterval time.Duration
}

func (c *ExecutorConfig[K]) defaults() error {
	switch {
	case c.Mover == nil:
		return fmt.Errorf("migrate: missing mover")
	case c.Verifier == nil:
		return fmt.Errorf("migrate: missing verifier")
	case c.Swapper == nil:
		return fmt.Errorf("migrate: missing swapper")
	case c.Checkpoints == nil:
		return fmt.Errorf("migrate: missing checkpoint store")
	}
	if c.Governor == nil {
		c.Governor = NewGovernor(GovernorOptions{})
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.SwapBatchSize <= 0 {
		c.SwapBatchSize = DefaultSwapBatchSize
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.CheckpointTime <= 0 {
		c.CheckpointTime = DefaultCheckpointTime
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	return nil
}

// Summary is the outcome of one Run.
type Summary[K comparable] struct {
	PlanID  uuid.UUID
	Planned int
	Done    int
	Failed  int
	Retries int
	Elapsed time.Duration

	// FailedKeys carries the last error of every move that ended Failed.
	FailedKeys map[shard.Key[K]]error
}

// Executor enacts migration plans idempotently: each move is driven through
// copy→verify→swap with retries; progress is checkpointed so a crashed or
// cancelled run resumes from its last durable anchor.
type Executor[K comparable] struct {
	cfg     ExecutorConfig[K]
	metrics *metrics

	copySem   chan struct{}
	verifySem chan struct{}
}

// NewExecutor validates cfg and builds an executor. Executors are
// stateless across runs; all progress lives in the checkpoint store.
func NewExecutor[K comparable](cfg ExecutorConfig[K]) (*Executor[K], error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	e := &Executor[K]{cfg: cfg, metrics: migrateMetrics()}
	if cfg.CopyConcurrency > 0 {
		e.copySem = make(chan struct{}, cfg.CopyConcurrency)
	}
	if cfg.VerifyConcurrency > 0 {
		e.verifySem = make(chan struct{}, cfg.VerifyConcurrency)
	}
	return e, nil
}

// run tracks one execution's mutable state. Drives running concurrently
// inside a batch share it under the mutex.
type run[K comparable] struct {
	plan *Plan[K]

	mu         sync.Mutex
	states     map[shard.Key[K]]MoveState
	retries    int
	failedKeys map[shard.Key[K]]error

	seq             int64
	lastProcessed   int
	sinceCheckpoint int
	lastCheckpoint  time.Time
}

func (r *run[K]) state(key shard.Key[K]) MoveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[key]
}

func (r *run[K]) setState(key shard.Key[K], s MoveState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[key] = s
}

func (r *run[K]) addRetries(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries += n
}

func (r *run[K]) fail(key shard.Key[K], err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[key] = Failed
	r.failedKeys[key] = err
}

// Run executes the plan to completion, resuming from the latest checkpoint
// if one exists. On cancellation the last fully completed batch is
// checkpointed before the context error returns; the summary reflects
// progress up to that point.
func (e *Executor[K]) Run(ctx context.Context, plan *Plan[K]) (*Summary[K], error) {
	start := time.Now()
	r, err := e.restore(ctx, plan)
	if err != nil {
		return nil, err
	}
	e.metrics.planned.Add(float64(plan.Len() - r.lastProcessed - 1))
	log.Infow("executing plan", "plan", plan.ID(), "moves", plan.Len(), "resume_from", r.lastProcessed+1)

	var runErr error
	for batchStart := r.lastProcessed + 1; batchStart < plan.Len(); {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		batchEnd := min(batchStart+e.cfg.SwapBatchSize, plan.Len())
		if err := e.runBatch(ctx, r, batchStart, batchEnd); err != nil {
			runErr = err
			break
		}

		r.lastProcessed = batchEnd - 1
		r.sinceCheckpoint += batchEnd - batchStart
		if r.sinceCheckpoint >= e.cfg.CheckpointInterval || time.Since(r.lastCheckpoint) >= e.cfg.CheckpointTime {
			if err := e.checkpoint(ctx, r); err != nil {
				runErr = err
				break
			}
		}
		batchStart = batchEnd
	}

	// Always flush the last fully completed batch, including on the way
	// out of a cancellation. A fresh context keeps the flush itself from
	// being cancelled.
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.checkpoint(flushCtx, r); err != nil && runErr == nil {
		runErr = err
	}

	summary := e.summarize(r, plan, time.Since(start))
	e.metrics.totalElapsed.Observe(summary.Elapsed.Seconds())
	log.Infow("plan execution finished", "plan", plan.ID(),
		"done", summary.Done, "failed", summary.Failed, "retries", summary.Retries, "error", runErr)
	return summary, runErr
}

// restore loads the plan's checkpoint and re-anchors transient states to
// the last durable phase boundary they are re-driven from.
func (e *Executor[K]) restore(ctx context.Context, plan *Plan[K]) (*run[K], error) {
	r := &run[K]{
		plan:           plan,
		states:         make(map[shard.Key[K]]MoveState, plan.Len()),
		failedKeys:     make(map[shard.Key[K]]error),
		lastProcessed:  -1,
		lastCheckpoint: time.Now(),
	}
	cp, ok, err := e.cfg.Checkpoints.Load(ctx, plan.ID())
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for plan %s: %w", plan.ID(), err)
	}
	if !ok {
		return r, nil
	}

	for key, state := range cp.States {
		anchored := state.anchor()
		if anchored != state {
			log.Debugw("re-anchoring move", "key", key, "from", state, "to", anchored)
		}
		r.states[key] = anchored
	}
	r.lastProcessed = cp.LastProcessedIndex
	r.seq = cp.Seq
	log.Infow("restored checkpoint", "plan", plan.ID(), "seq", cp.Seq, "last_processed", cp.LastProcessedIndex)
	return r, nil
}

// runBatch drives every non-terminal move in [start, end) to Verified or
// Failed concurrently, then swaps the verified ones in one batch.
func (e *Executor[K]) runBatch(ctx context.Context, r *run[K], start, end int) error {
	var wg sync.WaitGroup
	for i := start; i < end; i++ {
		move := r.plan.move(i)
		if r.state(move.Key).Terminal() {
			continue
		}
		wg.Add(1)
		go func(move KeyMove[K]) {
			defer wg.Done()
			e.driveMove(ctx, r, move)
		}(move)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	return e.swapBatch(ctx, r, start, end)
}

// swapBatch flips assignments for the batch's verified moves. Transient
// swap errors retry up to MaxRetries; anything else fails the whole batch's
// moves, since their swap state is unknown until a later run re-verifies.
func (e *Executor[K]) swapBatch(ctx context.Context, r *run[K], start, end int) error {
	var batch []KeyMove[K]
	for i := start; i < end; i++ {
		move := r.plan.move(i)
		if r.state(move.Key) == Verified {
			batch = append(batch, move)
		}
	}
	if len(batch) == 0 {
		return nil
	}
	for _, move := range batch {
		r.setState(move.Key, Swapping)
	}

	var res SwapResult
	backoff := e.newBackoff()
	for attempt := 0; ; attempt++ {
		swapStart := time.Now()
		var err error
		res, err = e.cfg.Swapper.Swap(ctx, batch)
		e.metrics.swapBatchDuration.Observe(time.Since(swapStart).Seconds())
		if err == nil {
			break
		}
		if !store.IsTransient(err) || attempt >= e.cfg.MaxRetries {
			for _, move := range batch {
				r.fail(move.Key, fmt.Errorf("swap: %w", err))
				e.metrics.failed.Inc()
			}
			log.Errorw("swap batch failed", "plan", r.plan.ID(), "batch", len(batch), "error", err)
			return nil
		}
		r.addRetries(1)
		e.metrics.retries.Inc()
		if err := e.sleep(ctx, backoff.next()); err != nil {
			return err
		}
	}

	for _, move := range batch {
		r.setState(move.Key, Done)
		e.metrics.swapped.Inc()
	}
	if res.Replayed > 0 {
		// Replayed swaps are re-executions of moves whose first run was
		// lost between swap and checkpoint; they count as retries.
		r.addRetries(res.Replayed)
		e.metrics.retries.Add(float64(res.Replayed))
	}
	return nil
}

// checkpoint persists the run's current progress.
func (e *Executor[K]) checkpoint(ctx context.Context, r *run[K]) error {
	r.mu.Lock()
	states := make(map[shard.Key[K]]MoveState, len(r.states))
	for k, v := range r.states {
		states[k] = v
	}
	r.seq++
	cp := &Checkpoint[K]{
		PlanID:             r.plan.ID(),
		SchemaVersion:      CheckpointSchemaVersion,
		Seq:                r.seq,
		UpdatedAt:          time.Now().UTC(),
		States:             states,
		LastProcessedIndex: r.lastProcessed,
	}
	r.mu.Unlock()

	if err := e.cfg.Checkpoints.Persist(ctx, cp); err != nil {
		return fmt.Errorf("persist checkpoint for plan %s: %w", r.plan.ID(), err)
	}
	r.mu.Lock()
	r.sinceCheckpoint = 0
	r.lastCheckpoint = time.Now()
	r.mu.Unlock()
	log.Debugw("checkpoint persisted", "plan", r.plan.ID(), "seq", cp.Seq, "last_processed", cp.LastProcessedIndex)
	return nil
}

func (e *Executor[K]) summarize(r *run[K], plan *Plan[K], elapsed time.Duration) *Summary[K] {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Summary[K]{
		PlanID:     plan.ID(),
		Planned:    plan.Len(),
		Retries:    r.retries,
		Elapsed:    elapsed,
		FailedKeys: make(map[shard.Key[K]]error, len(r.failedKeys)),
	}
	for _, move := range plan.Moves() {
		switch r.states[move.Key] {
		case Done:
			s.Done++
		case Failed:
			s.Failed++
		}
	}
	for k, err := range r.failedKeys {
		s.FailedKeys[k] = err
	}
	return s
}
