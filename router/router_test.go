package router

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/shardkit/shard"
	"github.com/shardkit/shardkit/store"
	"github.com/shardkit/shardkit/store/memstore"
)

func shards(names ...string) []shard.ID {
	out := make([]shard.ID, len(names))
	for i, n := range names {
		out[i] = shard.ID(n)
	}
	return out
}

func TestRoutingStability(t *testing.T) {
	ctx := context.Background()
	st := memstore.New[string]()
	rt, err := New(shards("s1", "s2", "s3", "s4"), st, Options{Replication: 100})
	require.NoError(t, err)

	keys := []string{"alpha", "beta", "gamma"}
	resolved := make(map[string]map[shard.ID]int)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, key := range keys {
		resolved[key] = map[shard.ID]int{}
		for i := 0; i < 1000; i++ {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				m, _, err := rt.Route(ctx, shard.NewKey(key))
				require.NoError(t, err)
				mu.Lock()
				resolved[key][m.Shard]++
				mu.Unlock()
			}(key)
		}
	}
	wg.Wait()

	for key, byShard := range resolved {
		require.Len(t, byShard, 1, "key %s resolved to multiple shards: %v", key, byShard)
	}

	// A new router over the same store keeps returning the same shards.
	restarted, err := New(shards("s1", "s2", "s3", "s4"), st, Options{Replication: 100})
	require.NoError(t, err)
	for _, key := range keys {
		m, existing, err := restarted.Route(ctx, shard.NewKey(key))
		require.NoError(t, err)
		require.True(t, existing)
		_, was := resolved[key][m.Shard]
		require.True(t, was, "key %s moved to %s after restart", key, m.Shard)
	}
}

func TestContendedFirstAssignment(t *testing.T) {
	ctx := context.Background()
	st := memstore.New[string]()
	key := shard.NewKey("contested")

	const routers = 50
	results := make([]shard.ID, routers)
	createdCount := 0
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(routers)
	for i := 0; i < routers; i++ {
		go func(i int) {
			defer wg.Done()
			rt, err := New(shards("s1", "s2", "s3"), st, Options{})
			require.NoError(t, err)
			m, existing, err := rt.Route(ctx, key)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			results[i] = m.Shard
			if !existing {
				createdCount++
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, createdCount, "exactly one router creates the assignment")
	for _, id := range results {
		require.Equal(t, results[0], id)
	}
}

func TestRouteHonorsExistingAssignmentOffRing(t *testing.T) {
	// An assignment placed by migration wins over the ring candidate.
	ctx := context.Background()
	st := memstore.New[string]()
	key := shard.NewKey("alpha")
	_, err := st.Assign(ctx, key, "s9")
	require.NoError(t, err)

	rt, err := New(shards("s1", "s2"), st, Options{})
	require.NoError(t, err)
	m, existing, err := rt.Route(ctx, key)
	require.NoError(t, err)
	require.True(t, existing)
	require.Equal(t, shard.ID("s9"), m.Shard)
}

type failingStore struct {
	store.Assignments[string]
	err error
}

func (f *failingStore) TryGet(ctx context.Context, key shard.Key[string]) (shard.ID, bool, error) {
	return "", false, f.err
}

func TestStorageErrorsSurface(t *testing.T) {
	boom := store.StorageError("get assignment", errors.New("connection refused"))
	rt, err := New(shards("s1"), &failingStore{err: boom}, Options{})
	require.NoError(t, err)

	_, _, err = rt.Route(context.Background(), shard.NewKey("alpha"))
	require.ErrorIs(t, err, store.ErrStorage)
}
