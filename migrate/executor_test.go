package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
	"github.com/shardkit/shardkit/store/memstore"
)

// fixture builds a world of keys living on source shards, with data rows
// and assignments in place, plus a plan moving every key to its target.
type fixture struct {
	assignments *memstore.Store[string]
	data        *MemData[string, string]
	checkpoints *MemCheckpoints[string]
	plan        *Plan[string]
}

func newFixture(t *testing.T, keys int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		assignments: memstore.New[string](),
		data:        NewMemData[string, string](),
		checkpoints: NewMemCheckpoints[string](),
	}

	var moves []KeyMove[string]
	for i := 0; i < keys; i++ {
		key := shard.NewKey(fmt.Sprintf("key-%03d", i))
		src := shard.ID(fmt.Sprintf("src-%d", i%4))
		dst := shard.ID(fmt.Sprintf("dst-%d", i%4))

		_, err := f.assignments.Assign(ctx, key, src)
		require.NoError(t, err)
		require.NoError(t, f.data.Upsert(ctx, src, key, "payload-"+key.String()))
		moves = append(moves, KeyMove[string]{Key: key, Source: src, Target: dst})
	}
	sortMoves(moves)
	plan, err := NewPlan(moves)
	require.NoError(t, err)
	f.plan = plan
	return f
}

func (f *fixture) config() ExecutorConfig[string] {
	return ExecutorConfig[string]{
		Mover:         &KVMover[string, string]{Data: f.data},
		Verifier:      &ChecksumVerifier[string, string]{Data: f.data},
		Swapper:       &StoreSwapper[string]{Assignments: f.assignments},
		Checkpoints:   f.checkpoints,
		RetryInterval: time.Millisecond,
	}
}

// assertMigrated checks that every plan move's assignment points at its
// target and the row exists there.
func (f *fixture) assertMigrated(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, move := range f.plan.Moves() {
		id, ok, err := f.assignments.TryGet(ctx, move.Key)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, move.Target, id, "key %s", move.Key)

		_, _, found, err := f.data.Read(ctx, move.Target, move.Key)
		require.NoError(t, err)
		require.True(t, found, "row for %s missing on %s", move.Key, move.Target)
	}
}

func TestExecutorRunsPlanToCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 40)

	exec, err := NewExecutor(f.config())
	require.NoError(t, err)
	summary, err := exec.Run(ctx, f.plan)
	require.NoError(t, err)

	require.Equal(t, 40, summary.Planned)
	require.Equal(t, 40, summary.Done)
	require.Zero(t, summary.Failed)
	require.Zero(t, summary.Retries)
	require.Empty(t, summary.FailedKeys)
	f.assertMigrated(t)
}

// faultyCheckpoints fails every Persist after the first n successes,
// simulating a crash between a swap batch commit and its checkpoint.
type faultyCheckpoints struct {
	CheckpointStore[string]
	mu        sync.Mutex
	successes int
	allowed   int
}

func (f *faultyCheckpoints) Persist(ctx context.Context, cp *Checkpoint[string]) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.successes >= f.allowed {
		return store.StorageError("persist checkpoint", errors.New("simulated crash"))
	}
	f.successes++
	return f.CheckpointStore.Persist(ctx, cp)
}

func TestExecutorResumesAfterCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 100)

	// First run: checkpoint every 10 moves, crash after the checkpoint
	// covering indices 0..29 — the batch for indices 30..39 commits its
	// swap but its checkpoint is lost.
	cfg := f.config()
	cfg.SwapBatchSize = 10
	cfg.CheckpointInterval = 10
	cfg.Checkpoints = &faultyCheckpoints{CheckpointStore: f.checkpoints, allowed: 3}
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)

	_, err = exec.Run(ctx, f.plan)
	require.ErrorIs(t, err, store.ErrStorage)

	cp, ok, err := f.checkpoints.Load(ctx, f.plan.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 29, cp.LastProcessedIndex, "durable anchor is the third checkpoint")

	// Second run resumes from the anchor and re-executes indices 30..39
	// idempotently: their swaps were already applied.
	cfg2 := f.config()
	cfg2.SwapBatchSize = 10
	cfg2.CheckpointInterval = 10
	exec2, err := NewExecutor(cfg2)
	require.NoError(t, err)
	summary, err := exec2.Run(ctx, f.plan)
	require.NoError(t, err)

	require.Equal(t, 100, summary.Done)
	require.Zero(t, summary.Failed)
	require.GreaterOrEqual(t, summary.Retries, 10, "replayed swaps count as retries")
	f.assertMigrated(t)

	// X1: every assignment names the target exactly once; re-running the
	// whole plan once more changes nothing.
	summary3, err := exec2.Run(ctx, f.plan)
	require.NoError(t, err)
	require.Zero(t, summary3.Failed)
	f.assertMigrated(t)
}

// corruptingVerifier corrupts the target row right before its first
// verification of a key, simulating an external writer racing the
// migration.
type corruptingVerifier struct {
	Verifier[string]
	data *MemData[string, string]

	mu        sync.Mutex
	corrupted map[shard.Key[string]]bool
}

func (v *corruptingVerifier) Verify(ctx context.Context, move KeyMove[string]) (bool, error) {
	v.mu.Lock()
	if !v.corrupted[move.Key] {
		v.corrupted[move.Key] = true
		if err := v.data.Upsert(ctx, move.Target, move.Key, "corrupted"); err != nil {
			v.mu.Unlock()
			return false, err
		}
	}
	v.mu.Unlock()
	return v.Verifier.Verify(ctx, move)
}

func TestExecutorRecoversFromChecksumMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	cfg := f.config()
	cfg.Verifier = &corruptingVerifier{
		Verifier:  cfg.Verifier,
		data:      f.data,
		corrupted: make(map[shard.Key[string]]bool),
	}
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)

	summary, err := exec.Run(ctx, f.plan)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Done)
	require.Zero(t, summary.Failed)
	require.Equal(t, 1, summary.Retries, "one mismatch rollback, one re-copy")
	f.assertMigrated(t)
}

// flakyMover fails each key's copy with a transient error a fixed number
// of times before succeeding.
type flakyMover struct {
	Mover[string]
	mu       sync.Mutex
	failures int
	seen     map[shard.Key[string]]int
}

func (m *flakyMover) Copy(ctx context.Context, move KeyMove[string]) error {
	m.mu.Lock()
	if m.seen == nil {
		m.seen = make(map[shard.Key[string]]int)
	}
	m.seen[move.Key]++
	attempt := m.seen[move.Key]
	m.mu.Unlock()
	if attempt <= m.failures {
		return store.Transient(errors.New("socket timeout"))
	}
	return m.Mover.Copy(ctx, move)
}

func TestExecutorRetriesTransientCopyErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)

	cfg := f.config()
	cfg.Mover = &flakyMover{Mover: cfg.Mover, failures: 2}
	cfg.MaxRetries = 3
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)

	summary, err := exec.Run(ctx, f.plan)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Done)
	require.Zero(t, summary.Failed)
	require.Equal(t, 6, summary.Retries, "two transient retries per key")
	f.assertMigrated(t)
}

func TestExecutorExhaustsRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	cfg := f.config()
	cfg.Mover = &flakyMover{Mover: cfg.Mover, failures: 100}
	cfg.MaxRetries = 2
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)

	summary, err := exec.Run(ctx, f.plan)
	require.NoError(t, err)
	require.Zero(t, summary.Done)
	require.Equal(t, 2, summary.Failed)
	require.Len(t, summary.FailedKeys, 2)
	for key, kerr := range summary.FailedKeys {
		require.True(t, store.IsTransient(kerr), "last error kept for %s", key)
	}
}

// permanentMover fails one key fatally.
type permanentMover struct {
	Mover[string]
	bad shard.Key[string]
}

func (m *permanentMover) Copy(ctx context.Context, move KeyMove[string]) error {
	if move.Key == m.bad {
		return errors.New("row is poisoned")
	}
	return m.Mover.Copy(ctx, move)
}

func TestExecutorFailsFatalMoveAndContinues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	bad := f.plan.Moves()[4].Key

	cfg := f.config()
	cfg.Mover = &permanentMover{Mover: cfg.Mover, bad: bad}
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)

	summary, err := exec.Run(ctx, f.plan)
	require.NoError(t, err)
	require.Equal(t, 9, summary.Done)
	require.Equal(t, 1, summary.Failed)
	require.Contains(t, summary.FailedKeys, bad)
	require.Zero(t, summary.Retries, "fatal errors are not retried")

	// The poisoned key's assignment still names its source shard.
	id, ok, err := f.assignments.TryGet(ctx, bad)
	require.NoError(t, err)
	require.True(t, ok)
	for _, move := range f.plan.Moves() {
		if move.Key == bad {
			require.Equal(t, move.Source, id)
		}
	}
}

// slowMover blocks each copy briefly so cancellation can land mid-plan.
type slowMover struct {
	Mover[string]
}

func (m *slowMover) Copy(ctx context.Context, move KeyMove[string]) error {
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	return m.Mover.Copy(ctx, move)
}

func TestExecutorCheckpointsOnCancellation(t *testing.T) {
	f := newFixture(t, 50)

	cfg := f.config()
	cfg.Mover = &slowMover{Mover: cfg.Mover}
	cfg.SwapBatchSize = 5
	cfg.CheckpointInterval = 5
	exec, err := NewExecutor(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	summary, err := exec.Run(ctx, f.plan)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, summary.Done, 50, "cancelled before the plan finished")

	// The flush on the way out makes the partial progress durable; a
	// fresh run completes the rest.
	exec2, err := NewExecutor(f.config())
	require.NoError(t, err)
	summary2, err := exec2.Run(context.Background(), f.plan)
	require.NoError(t, err)
	require.Equal(t, 50, summary2.Done)
	f.assertMigrated(t)
}

func TestCheckpointStoreConflict(t *testing.T) {
	ctx := context.Background()
	cps := NewMemCheckpoints[string]()
	planID := uuid.New()

	cp := &Checkpoint[string]{
		PlanID:        planID,
		SchemaVersion: CheckpointSchemaVersion,
		Seq:           1,
		UpdatedAt:     time.Now().UTC(),
		States:        map[shard.Key[string]]MoveState{shard.NewKey("a"): Done},
	}
	require.NoError(t, cps.Persist(ctx, cp))

	stale := *cp
	require.ErrorIs(t, cps.Persist(ctx, &stale), ErrCheckpointConflict)

	next := *cp
	next.Seq = 2
	require.NoError(t, cps.Persist(ctx, &next))
}

func TestStateAnchors(t *testing.T) {
	require.Equal(t, Planned, Copying.anchor())
	require.Equal(t, Copied, Verifying.anchor())
	require.Equal(t, Verified, Swapping.anchor())
	require.Equal(t, Done, Done.anchor())
	require.Equal(t, Failed, Failed.anchor())
	require.Equal(t, Planned, Planned.anchor())
}
