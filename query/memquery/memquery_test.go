package memquery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shardkit/shardkit/query"
)

func TestCompiledFilterCacheHitsByExpressionText(t *testing.T) {
	st := NewStore[int]()
	st.Add("s1", 1, 2, 3, 4, 5)
	factory := NewFactory[int, int](st)

	build := func() *query.Model[int, int] {
		return query.New("numbers", query.Identity[int]).
			Where("n > 2", func(n int) bool { return n > 2 }).
			Build()
	}

	require.Equal(t, 0, factory.compiled.Len())
	first := factory.filter(build())
	require.Equal(t, 1, factory.compiled.Len())

	// Same expression text reuses the compiled chain.
	second := factory.filter(build())
	require.Equal(t, 1, factory.compiled.Len())
	require.True(t, first(3) == second(3) && first(2) == second(2))

	// A different expression compiles separately.
	factory.filter(query.New("numbers", query.Identity[int]).
		Where("n > 4", func(n int) bool { return n > 4 }).
		Build())
	require.Equal(t, 2, factory.compiled.Len())
}

func TestResourceSingleUse(t *testing.T) {
	ctx := context.Background()
	st := NewStore[int]()
	st.Add("s1", 1, 2, 3)
	factory := NewFactory[int, int](st)

	res, err := factory.Create(ctx, "s1")
	require.NoError(t, err)

	model := query.New("numbers", query.Identity[int]).Build()
	src, err := res.Query(ctx, model)
	require.NoError(t, err)
	n, ok, err := src.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, n)

	require.NoError(t, res.Close())
	_, err = res.Query(ctx, model)
	require.Error(t, err, "a closed resource refuses further queries")
}

func TestPagedMaterializationYieldsEverything(t *testing.T) {
	ctx := context.Background()
	st := NewStore[int]()
	items := make([]int, 500)
	for i := range items {
		items[i] = i
	}
	st.Replace("s1", items)

	factory := NewFactory[int, int](st).WithPaging(query.PagerOptions{
		MinPageSize:     16,
		MaxPageSize:     128,
		TargetBatchTime: 50 * time.Millisecond,
		GrowFactor:      2.0,
		ShrinkFactor:    0.5,
	})

	res, err := factory.Create(ctx, "s1")
	require.NoError(t, err)
	defer res.Close()

	src, err := res.Query(ctx, query.New("numbers", query.Identity[int]).Build())
	require.NoError(t, err)

	var out []int
	for {
		n, ok, err := src.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		out = append(out, n)
	}
	require.Len(t, out, 500)
	require.Equal(t, 0, out[0])
	require.Equal(t, 499, out[499])
}
