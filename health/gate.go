package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/shardkit/shardkit/shard"
)

// InsufficientHealthyShardsError is returned when a strict or minimum-quorum
// gate refuses a query. It names every excluded shard and carries its last
// probe report.
type InsufficientHealthyShardsError struct {
	Excluded map[shard.ID]Report
	Required int
	Healthy  int
}

func (e *InsufficientHealthyShardsError) Error() string {
	parts := make([]string, 0, len(e.Excluded))
	for id, report := range e.Excluded {
		desc := report.Description
		if desc == "" && report.Err != nil {
			desc = report.Err.Error()
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", id, desc))
	}
	if e.Required > 0 {
		return fmt.Sprintf("insufficient healthy shards: %d healthy, %d required; unhealthy: %s",
			e.Healthy, e.Required, strings.Join(parts, ", "))
	}
	return "insufficient healthy shards: " + strings.Join(parts, ", ")
}

// GateMode selects how unhealthy shards affect query admission.
type GateMode int

const (
	// GateBestEffort silently skips unhealthy shards.
	GateBestEffort GateMode = iota

	// GateStrict refuses the whole query when any target shard is
	// unhealthy.
	GateStrict

	// GateRequireMin proceeds only if at least Min shards are healthy,
	// querying just the healthy ones.
	GateRequireMin
)

// Gate admits or filters target shards based on monitor state. It satisfies
// the query package's Gate interface.
type Gate struct {
	monitor *Monitor
	mode    GateMode
	min     int
}

// NewGate builds a best-effort or strict gate.
func NewGate(m *Monitor, mode GateMode) *Gate {
	return &Gate{monitor: m, mode: mode}
}

// NewRequireMin builds a gate that demands at least n healthy shards.
func NewRequireMin(m *Monitor, n int) *Gate {
	return &Gate{monitor: m, mode: GateRequireMin, min: n}
}

// Admit filters ids down to healthy shards per the gate mode.
func (g *Gate) Admit(ctx context.Context, ids []shard.ID) ([]shard.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	healthy := make([]shard.ID, 0, len(ids))
	excluded := make(map[shard.ID]Report)
	for _, id := range ids {
		if g.monitor.Status(id) == Healthy {
			healthy = append(healthy, id)
			continue
		}
		report, _ := g.monitor.LastReport(id)
		excluded[id] = report
	}

	switch g.mode {
	case GateStrict:
		if len(excluded) > 0 {
			return nil, &InsufficientHealthyShardsError{Excluded: excluded, Healthy: len(healthy)}
		}
	case GateRequireMin:
		if len(healthy) < g.min {
			return nil, &InsufficientHealthyShardsError{Excluded: excluded, Required: g.min, Healthy: len(healthy)}
		}
	}
	return healthy, nil
}
