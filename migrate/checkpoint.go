package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

// CheckpointSchemaVersion is the persisted checkpoint layout version.
// Monotonically increasing; adapters refuse versions they do not know.
const CheckpointSchemaVersion = 1

// Checkpoint is a durable snapshot of a plan's execution progress: every
// move's current state and the index of the last fully processed move. Only
// the latest checkpoint per plan matters; stores may discard older ones.
type Checkpoint[K comparable] struct {
	PlanID             uuid.UUID
	SchemaVersion      int
	Seq                int64
	UpdatedAt          time.Time
	States             map[shard.Key[K]]MoveState
	LastProcessedIndex int
}

// CheckpointStore durably stores per-plan checkpoints. Persist is an upsert
// keyed by plan id; implementations reject stale writers (a persisted Seq
// at or beyond the incoming one) with ErrCheckpointConflict.
type CheckpointStore[K comparable] interface {
	Load(ctx context.Context, planID uuid.UUID) (*Checkpoint[K], bool, error)
	Persist(ctx context.Context, cp *Checkpoint[K]) error
}

// MemCheckpoints is an in-memory checkpoint store for tests and samples.
type MemCheckpoints[K comparable] struct {
	mu    sync.Mutex
	plans map[uuid.UUID]*Checkpoint[K]
}

var _ CheckpointStore[string] = (*MemCheckpoints[string])(nil)

func NewMemCheckpoints[K comparable]() *MemCheckpoints[K] {
	return &MemCheckpoints[K]{plans: make(map[uuid.UUID]*Checkpoint[K])}
}

func (s *MemCheckpoints[K]) Load(ctx context.Context, planID uuid.UUID) (*Checkpoint[K], bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.plans[planID]
	if !ok {
		return nil, false, nil
	}
	return cloneCheckpoint(cp), true, nil
}

func (s *MemCheckpoints[K]) Persist(ctx context.Context, cp *Checkpoint[K]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.plans[cp.PlanID]; ok && existing.Seq >= cp.Seq {
		return fmt.Errorf("%w: plan %s seq %d already persisted", ErrCheckpointConflict, cp.PlanID, existing.Seq)
	}
	s.plans[cp.PlanID] = cloneCheckpoint(cp)
	return nil
}

func cloneCheckpoint[K comparable](cp *Checkpoint[K]) *Checkpoint[K] {
	states := make(map[shard.Key[K]]MoveState, len(cp.States))
	for k, v := range cp.States {
		states[k] = v
	}
	out := *cp
	out.States = states
	return &out
}

// CheckpointsNamespace is the namespace under which datastore-backed
// checkpoints are persisted.
var CheckpointsNamespace = ds.NewKey("shardkit/checkpoints")

// DSCheckpoints persists checkpoints in a ds.Datastore as JSON documents
// keyed by plan id.
type DSCheckpoints[K comparable] struct {
	mu    sync.Mutex
	ds    ds.Datastore
	codec shard.Codec[K]
}

var _ CheckpointStore[string] = (*DSCheckpoints[string])(nil)

// NewDSCheckpoints wraps d under the checkpoints namespace; codec maps key
// values to their string form for the persisted state map.
func NewDSCheckpoints[K comparable](d ds.Datastore, codec shard.Codec[K]) *DSCheckpoints[K] {
	return &DSCheckpoints[K]{ds: namespace.Wrap(d, CheckpointsNamespace), codec: codec}
}

type checkpointDoc struct {
	SchemaVersion      int                  `json:"schema_version"`
	Seq                int64                `json:"seq"`
	UpdatedAt          time.Time            `json:"updated_at"`
	States             map[string]MoveState `json:"states"`
	LastProcessedIndex int                  `json:"last_processed_index"`
}

func (s *DSCheckpoints[K]) Load(ctx context.Context, planID uuid.UUID) (*Checkpoint[K], bool, error) {
	raw, err := s.ds.Get(ctx, ds.NewKey(planID.String()))
	switch {
	case errors.Is(err, ds.ErrNotFound):
		return nil, false, nil
	case err != nil:
		return nil, false, store.StorageError("load checkpoint", err)
	}

	var doc checkpointDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("corrupt checkpoint for plan %s: %w", planID, err)
	}
	if doc.SchemaVersion > CheckpointSchemaVersion {
		return nil, false, fmt.Errorf("%w: checkpoint schema %d, understand up to %d",
			ErrSchemaVersion, doc.SchemaVersion, CheckpointSchemaVersion)
	}

	states := make(map[shard.Key[K]]MoveState, len(doc.States))
	for enc, st := range doc.States {
		value, err := s.codec.Decode(enc)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt checkpoint key %q for plan %s: %w", enc, planID, err)
		}
		states[shard.NewKey(value)] = st
	}
	return &Checkpoint[K]{
		PlanID:             planID,
		SchemaVersion:      doc.SchemaVersion,
		Seq:                doc.Seq,
		UpdatedAt:          doc.UpdatedAt,
		States:             states,
		LastProcessedIndex: doc.LastProcessedIndex,
	}, true, nil
}

func (s *DSCheckpoints[K]) Persist(ctx context.Context, cp *Checkpoint[K]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.Load(ctx, cp.PlanID); err != nil {
		return err
	} else if ok && existing.Seq >= cp.Seq {
		return fmt.Errorf("%w: plan %s seq %d already persisted", ErrCheckpointConflict, cp.PlanID, existing.Seq)
	}

	doc := checkpointDoc{
		SchemaVersion:      cp.SchemaVersion,
		Seq:                cp.Seq,
		UpdatedAt:          cp.UpdatedAt,
		States:             make(map[string]MoveState, len(cp.States)),
		LastProcessedIndex: cp.LastProcessedIndex,
	}
	for k, st := range cp.States {
		doc.States[s.codec.Encode(k.Value())] = st
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode checkpoint for plan %s: %w", cp.PlanID, err)
	}
	if err := s.ds.Put(ctx, ds.NewKey(cp.PlanID.String()), raw); err != nil {
		return store.StorageError("persist checkpoint", err)
	}
	return nil
}
