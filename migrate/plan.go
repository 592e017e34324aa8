// Package migrate rebalances keys between topologies: an immutable plan of
// key moves, a resumable copy→verify→swap executor with durable
// checkpoints, and the collaborator contracts the executor drives.
package migrate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
)

var log = logging.Logger("shardkit/migrate")

// DefaultSegmentSize is the enumeration window of the segmented planner.
const DefaultSegmentSize = 10_000

// KeyMove relocates one key from Source to Target. A fresh placement (key
// previously unassigned) has an empty Source.
type KeyMove[K comparable] struct {
	Key    shard.Key[K]
	Source shard.ID
	Target shard.ID
}

// Fresh reports whether the move places a previously unassigned key.
func (m KeyMove[K]) Fresh() bool { return m.Source == "" }

// Plan is an immutable ordered list of key moves. Construction validates
// that no move is a self-move and that no key appears twice.
type Plan[K comparable] struct {
	id        uuid.UUID
	createdAt time.Time
	moves     []KeyMove[K]
}

// NewPlan validates moves and wraps them in a plan. The slice is copied
// defensively.
func NewPlan[K comparable](moves []KeyMove[K]) (*Plan[K], error) {
	seen := make(map[shard.Key[K]]struct{}, len(moves))
	for _, m := range moves {
		if m.Source == m.Target {
			return nil, fmt.Errorf("%w: move for key %s has source == target (%s)", ErrPlanInvalid, m.Key, m.Source)
		}
		if !m.Target.Valid() {
			return nil, fmt.Errorf("%w: move for key %s has empty target", ErrPlanInvalid, m.Key)
		}
		if _, dup := seen[m.Key]; dup {
			return nil, fmt.Errorf("%w: key %s appears more than once", ErrPlanInvalid, m.Key)
		}
		seen[m.Key] = struct{}{}
	}
	return &Plan[K]{
		id:        uuid.New(),
		createdAt: time.Now().UTC(),
		moves:     append([]KeyMove[K]{}, moves...),
	}, nil
}

func (p *Plan[K]) ID() uuid.UUID        { return p.id }
func (p *Plan[K]) CreatedAt() time.Time { return p.createdAt }
func (p *Plan[K]) Len() int             { return len(p.moves) }

// Moves returns a defensive copy of the move list.
func (p *Plan[K]) Moves() []KeyMove[K] { return append([]KeyMove[K]{}, p.moves...) }

// move returns the move at index i without copying.
func (p *Plan[K]) move(i int) KeyMove[K] { return p.moves[i] }

// PlannerOptions configures plan construction.
type PlannerOptions struct {
	// AllowFreshPlacement emits moves for keys present in the target
	// topology but absent from the source. The default rejects such keys
	// with ErrPlanInvalid.
	AllowFreshPlacement bool

	// SegmentSize is the enumeration window of the segmented planner.
	// Zero means DefaultSegmentSize.
	SegmentSize int
}

// PlanMoves diffs two topology snapshots into a deterministic plan: one
// move per key whose target differs, ordered by (source, target, key) so
// replay order is stable and shard access has locality.
func PlanMoves[K comparable](from, to *shard.Topology[K], opts PlannerOptions) (*Plan[K], error) {
	var moves []KeyMove[K]
	for _, key := range to.Keys() {
		target, _ := to.Get(key)
		source, ok := from.Get(key)
		if !ok {
			if !opts.AllowFreshPlacement {
				return nil, fmt.Errorf("%w: key %s has no source assignment", ErrPlanInvalid, key)
			}
			moves = append(moves, KeyMove[K]{Key: key, Target: target})
			continue
		}
		if source != target {
			moves = append(moves, KeyMove[K]{Key: key, Source: source, Target: target})
		}
	}
	sortMoves(moves)
	return NewPlan(moves)
}

// PlanFromStore builds a plan by diffing the assignment store's current
// contents against the target topology. The enumeration is consumed lazily
// in fixed-size segments: each segment is planned independently and the
// partial plans are merged, so the source topology is never materialized in
// full.
func PlanFromStore[K comparable](ctx context.Context, from store.Enumerator[K], to *shard.Topology[K], opts PlannerOptions) (*Plan[K], error) {
	segmentSize := opts.SegmentSize
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}

	it, err := from.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var (
		moves   []KeyMove[K]
		segment = make([]shard.Map[K], 0, segmentSize)
		// seen tracks which target-topology keys had a source assignment,
		// to detect fresh placements after the enumeration ends. Bounded by
		// the target topology, which the caller already materialized.
		seen     = make(map[shard.Key[K]]struct{}, to.Len())
		segments int
	)

	flush := func() {
		for _, m := range segment {
			target, ok := to.Get(m.Key)
			if !ok {
				continue // key not in the target topology; nothing to move.
			}
			seen[m.Key] = struct{}{}
			if m.Shard != target {
				moves = append(moves, KeyMove[K]{Key: m.Key, Source: m.Shard, Target: target})
			}
		}
		segments++
		segment = segment[:0]
	}

	for {
		m, ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		segment = append(segment, m)
		if len(segment) == segmentSize {
			flush()
		}
	}
	flush()

	if len(seen) < to.Len() {
		for _, key := range to.Keys() {
			if _, ok := seen[key]; ok {
				continue
			}
			if !opts.AllowFreshPlacement {
				return nil, fmt.Errorf("%w: key %s has no source assignment", ErrPlanInvalid, key)
			}
			target, _ := to.Get(key)
			moves = append(moves, KeyMove[K]{Key: key, Target: target})
		}
	}

	sortMoves(moves)
	log.Debugw("planned from store", "segments", segments, "moves", len(moves))
	return NewPlan(moves)
}

func sortMoves[K comparable](moves []KeyMove[K]) {
	sort.Slice(moves, func(i, j int) bool {
		a, b := moves[i], moves[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Key.String() < b.Key.String()
	})
}
