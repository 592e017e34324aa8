package query_test

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/shardkit/health"
	"github.com/shardkit/shardkit/merge"
	"github.com/shardkit/shardkit/query"
	"github.com/shardkit/shardkit/query/memquery"
	"github.com/shardkit/shardkit/shard"
)

type user struct {
	Name string
	Age  int
}

func shards(names ...string) []shard.ID {
	out := make([]shard.ID, len(names))
	for i, n := range names {
		out[i] = shard.ID(n)
	}
	return out
}

func seededStore() *memquery.Store[user] {
	st := memquery.NewStore[user]()
	st.Add("s1", user{"A1", 20}, user{"A2", 31})
	st.Add("s2", user{"B1", 25}, user{"B2", 40}, user{"B3", 18})
	return st
}

func TestFanoutUnordered(t *testing.T) {
	ctx := context.Background()
	factory := memquery.NewFactory[user, user](seededStore())
	exec, err := query.NewFanout(shards("s1", "s2"), factory, factory.Capabilities(), query.Options{})
	require.NoError(t, err)

	model := query.New("users", query.Identity[user]).Build()
	stream, err := exec.Execute(ctx, model)
	require.NoError(t, err)

	out, err := merge.Drain(ctx, stream)
	require.NoError(t, err)
	names := make([]string, len(out))
	for i, u := range out {
		names[i] = u.Name
	}
	sort.Strings(names)
	require.Equal(t, []string{"A1", "A2", "B1", "B2", "B3"}, names)
}

func TestFanoutPredicatesAndProjection(t *testing.T) {
	ctx := context.Background()
	factory := memquery.NewFactory[user, string](seededStore())
	exec, err := query.NewFanout(shards("s1", "s2"), factory, factory.Capabilities(), query.Options{})
	require.NoError(t, err)

	model := query.New("users", func(u user) string { return u.Name }).
		Where("age >= 21", func(u user) bool { return u.Age >= 21 }).
		Where("name startswith B", func(u user) bool { return strings.HasPrefix(u.Name, "B") }).
		Build()

	stream, err := exec.Execute(ctx, model)
	require.NoError(t, err)
	out, err := merge.Drain(ctx, stream)
	require.NoError(t, err)
	sort.Strings(out)
	require.Equal(t, []string{"B1", "B2"}, out)
}

func TestFanoutExplicitTargetsFilterInvalid(t *testing.T) {
	ctx := context.Background()
	factory := memquery.NewFactory[user, user](seededStore())
	exec, err := query.NewFanout(shards("s1", "s2"), factory, factory.Capabilities(), query.Options{})
	require.NoError(t, err)

	model := query.New("users", query.Identity[user]).Target("s2", "nope").Build()
	stream, err := exec.Execute(ctx, model)
	require.NoError(t, err)
	out, err := merge.Drain(ctx, stream)
	require.NoError(t, err)
	require.Len(t, out, 3, "only s2's rows")

	// All-invalid target sets refuse to run rather than scanning nothing.
	model = query.New("users", query.Identity[user]).Target("nope").Build()
	_, err = exec.Execute(ctx, model)
	require.Error(t, err)
}

func TestFanoutOrdered(t *testing.T) {
	ctx := context.Background()
	factory := memquery.NewFactory[user, user](seededStore())
	exec, err := query.NewFanout(shards("s1", "s2"), factory, factory.Capabilities(), query.Options{})
	require.NoError(t, err)

	byAge := func(a, b user) int { return a.Age - b.Age }
	model := query.New("users", query.Identity[user]).Build()
	stream, err := exec.ExecuteOrdered(ctx, model, byAge)
	require.NoError(t, err)
	out, err := merge.Drain(ctx, stream)
	require.NoError(t, err)

	ages := make([]int, len(out))
	for i, u := range out {
		ages[i] = u.Age
	}
	require.Equal(t, []int{18, 20, 25, 31, 40}, ages)
}

func TestOrderedRequiresCapability(t *testing.T) {
	factory := memquery.NewFactory[user, user](seededStore())
	exec, err := query.NewFanout(shards("s1", "s2"), factory, query.Capabilities{Ordering: false}, query.Options{})
	require.NoError(t, err)

	model := query.New("users", query.Identity[user]).Build()
	_, err = exec.ExecuteOrdered(context.Background(), model, func(a, b user) int { return a.Age - b.Age })
	require.ErrorIs(t, err, query.ErrUnsupportedCapability)
}

// flakyFactory fails resource creation for the shards in fail.
type flakyFactory struct {
	inner query.ResourceFactory[user, user]
	fail  map[shard.ID]error
}

func (f *flakyFactory) Create(ctx context.Context, id shard.ID) (query.Resource[user, user], error) {
	if err, ok := f.fail[id]; ok {
		return nil, err
	}
	return f.inner.Create(ctx, id)
}

func TestFailFastSurfacesShardError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection reset")
	factory := &flakyFactory{
		inner: memquery.NewFactory[user, user](seededStore()),
		fail:  map[shard.ID]error{"s1": boom},
	}
	exec, err := query.NewFanout(shards("s1", "s2"), factory, query.Capabilities{}, query.Options{Strategy: query.FailFast})
	require.NoError(t, err)

	stream, err := exec.Execute(ctx, query.New("users", query.Identity[user]).Build())
	require.NoError(t, err)
	_, err = merge.Drain(ctx, stream)
	require.ErrorIs(t, err, boom)
}

func TestBestEffortCompletesFromHealthyShards(t *testing.T) {
	ctx := context.Background()
	factory := &flakyFactory{
		inner: memquery.NewFactory[user, user](seededStore()),
		fail:  map[shard.ID]error{"s1": errors.New("connection reset")},
	}
	exec, err := query.NewFanout(shards("s1", "s2"), factory, query.Capabilities{}, query.Options{Strategy: query.BestEffort})
	require.NoError(t, err)

	stream, err := exec.Execute(ctx, query.New("users", query.Identity[user]).Build())
	require.NoError(t, err)
	out, err := merge.Drain(ctx, stream)
	require.NoError(t, err)
	require.Len(t, out, 3, "s2's rows survive s1's failure")
}

func TestBestEffortAllShardsFailedAggregates(t *testing.T) {
	ctx := context.Background()
	factory := &flakyFactory{
		inner: memquery.NewFactory[user, user](seededStore()),
		fail: map[shard.ID]error{
			"s1": errors.New("connection reset"),
			"s2": errors.New("timeout"),
		},
	}
	exec, err := query.NewFanout(shards("s1", "s2"), factory, query.Capabilities{}, query.Options{Strategy: query.BestEffort})
	require.NoError(t, err)

	stream, err := exec.Execute(ctx, query.New("users", query.Identity[user]).Build())
	require.NoError(t, err)
	out, err := merge.Drain(ctx, stream)
	require.Error(t, err, "all shards failing must not look like an empty result")
	require.Empty(t, out)
	require.Contains(t, err.Error(), "all 2 shards failed")
}

// slowResource blocks until its context is done.
type slowResource struct{}

func (slowResource) Query(ctx context.Context, _ *query.Model[user, user]) (merge.Source[user], error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowResource) Close() error { return nil }

type slowFactory struct{}

func (slowFactory) Create(ctx context.Context, id shard.ID) (query.Resource[user, user], error) {
	return slowResource{}, nil
}

func TestCommandTimeoutIsShardError(t *testing.T) {
	ctx := context.Background()
	exec, err := query.NewFanout(shards("s1"), slowFactory{}, query.Capabilities{}, query.Options{
		CommandTimeout: 30 * time.Millisecond,
		Strategy:       query.FailFast,
	})
	require.NoError(t, err)

	stream, err := exec.Execute(ctx, query.New("users", query.Identity[user]).Build())
	require.NoError(t, err)
	_, err = merge.Drain(ctx, stream)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStrictHealthGateEndToEnd(t *testing.T) {
	ctx := context.Background()
	factory := memquery.NewFactory[user, user](seededStore())

	probeErr := errors.New("connection refused")
	var failS2 bool
	probe := health.ProbeFunc(func(ctx context.Context, id shard.ID) health.Report {
		if failS2 && id == "s2" {
			return health.Report{Status: health.Unhealthy, Description: "connection refused", Err: probeErr}
		}
		return health.Report{Status: health.Healthy, Description: "ok"}
	})
	monitor := health.NewMonitor(shards("s1", "s2"), probe, health.Options{UnhealthyThreshold: 2, HealthyThreshold: 2})

	exec, err := query.NewFanout(shards("s1", "s2"), factory, factory.Capabilities(), query.Options{
		Gate: health.NewGate(monitor, health.GateStrict),
	})
	require.NoError(t, err)
	model := query.New("users", query.Identity[user]).Build()

	// Two consecutive probe failures trip the threshold.
	failS2 = true
	monitor.ProbeOnce(ctx)
	monitor.ProbeOnce(ctx)

	_, err = exec.Execute(ctx, model)
	var insufficient *health.InsufficientHealthyShardsError
	require.ErrorAs(t, err, &insufficient)
	require.Contains(t, insufficient.Excluded, shard.ID("s2"))
	require.Contains(t, err.Error(), "connection refused")

	// Two consecutive successes recover the shard and queries succeed.
	failS2 = false
	monitor.ProbeOnce(ctx)
	monitor.ProbeOnce(ctx)

	stream, err := exec.Execute(ctx, model)
	require.NoError(t, err)
	out, err := merge.Drain(ctx, stream)
	require.NoError(t, err)
	require.Len(t, out, 5)
}

type denyGate struct{ err error }

func (g denyGate) Admit(ctx context.Context, ids []shard.ID) ([]shard.ID, error) {
	return nil, g.err
}

func TestGateErrorBlocksExecution(t *testing.T) {
	boom := errors.New("insufficient healthy shards")
	factory := memquery.NewFactory[user, user](seededStore())
	exec, err := query.NewFanout(shards("s1", "s2"), factory, query.Capabilities{}, query.Options{Gate: denyGate{err: boom}})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), query.New("users", query.Identity[user]).Build())
	require.ErrorIs(t, err, boom)
}
