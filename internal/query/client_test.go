package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synq/internal/retryer"
)

func TestClient_FetchQueryUsesFreshCache(t *testing.T) {
	c := newTestClient(t)
	fn, calls := countingFn("v")
	opts := QueryOptions{QueryKey: QueryKey{"fetch"}, QueryFn: fn, StaleTime: Ptr(time.Hour)}

	data, err := c.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "v", data)

	data, err = c.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "v", data)
	assert.EqualValues(t, 1, calls.Load())

	opts.StaleTime = Ptr(time.Duration(0))
	_, err = c.FetchQuery(context.Background(), opts)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_FetchQueryDoesNotRetryByDefault(t *testing.T) {
	c := newTestClient(t)
	fn, calls := failingFn()

	_, err := c.FetchQuery(context.Background(), QueryOptions{QueryKey: QueryKey{"no-retry"}, QueryFn: fn})
	require.ErrorIs(t, err, errBoom)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, StatusError, c.GetQueryState(QueryKey{"no-retry"}).Status)
}

func TestClient_EnsureQueryData(t *testing.T) {
	c := newTestClient(t)
	key := QueryKey{"ensure"}
	fn, calls := countingFn("fetched")

	c.SetQueryData(key, func(any) any { return "cached" }, SetDataOptions{})
	data, err := c.EnsureQueryData(context.Background(), QueryOptions{QueryKey: key, QueryFn: fn}, EnsureOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cached", data)
	assert.Zero(t, calls.Load())

	data, err = c.EnsureQueryData(context.Background(), QueryOptions{QueryKey: key, QueryFn: fn}, EnsureOptions{RevalidateIfStale: true})
	require.NoError(t, err)
	assert.Equal(t, "cached", data)
	eventually(t, func() bool { return c.GetQueryData(key) == "fetched" }, "stale data was not revalidated")

	data, err = c.EnsureQueryData(context.Background(), QueryOptions{QueryKey: QueryKey{"ensure", "missing"}, QueryFn: fn}, EnsureOptions{})
	require.NoError(t, err)
	assert.Equal(t, "fetched", data)
}

func TestClient_SetQueryDataNilIsNoop(t *testing.T) {
	c := newTestClient(t)
	assert.Nil(t, c.SetQueryData(QueryKey{"nil"}, func(any) any { return nil }, SetDataOptions{}))
	assert.Nil(t, c.GetQueryState(QueryKey{"nil"}))
}

func TestClient_SetAndGetQueriesData(t *testing.T) {
	c := newTestClient(t)
	c.SetQueryData(QueryKey{"todos", 1}, func(any) any { return 1 }, SetDataOptions{})
	c.SetQueryData(QueryKey{"todos", 2}, func(any) any { return 2 }, SetDataOptions{})
	c.SetQueryData(QueryKey{"users"}, func(any) any { return 0 }, SetDataOptions{})

	updated := c.SetQueriesData(QueryFilters{QueryKey: QueryKey{"todos"}}, func(prev any) any { return prev.(int) * 10 }, SetDataOptions{})
	assert.Len(t, updated, 2)

	got := map[any]any{}
	for _, d := range c.GetQueriesData(QueryFilters{QueryKey: QueryKey{"todos"}}) {
		got[d.QueryKey[1]] = d.Data
	}
	assert.Equal(t, map[any]any{1: 10, 2: 20}, got)
	assert.Equal(t, 0, c.GetQueryData(QueryKey{"users"}))
}

func TestClient_InvalidateRefetchesActiveQueriesOnly(t *testing.T) {
	c := newTestClient(t)
	activeFn, activeCalls := countingFn("active")
	inactiveFn, inactiveCalls := countingFn("inactive")

	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"todos", "active"}, QueryFn: activeFn})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "no data")

	_, err := c.FetchQuery(context.Background(), QueryOptions{QueryKey: QueryKey{"todos", "inactive"}, QueryFn: inactiveFn})
	require.NoError(t, err)

	err = c.InvalidateQueries(context.Background(), QueryFilters{QueryKey: QueryKey{"todos"}}, InvalidateOptions{})
	require.NoError(t, err)

	assert.EqualValues(t, 2, activeCalls.Load())
	assert.EqualValues(t, 1, inactiveCalls.Load())
	assert.True(t, c.GetQueryState(QueryKey{"todos", "inactive"}).IsInvalidated)
	assert.False(t, c.GetQueryState(QueryKey{"todos", "active"}).IsInvalidated)
}

func TestClient_InvalidateWithRefetchTypeNone(t *testing.T) {
	c := newTestClient(t)
	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"none"}, QueryFn: fn, StaleTime: Ptr(time.Hour)})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "no data")

	err := c.InvalidateQueries(context.Background(), QueryFilters{}, InvalidateOptions{RefetchType: QueryTypeNone})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.True(t, obs.GetCurrentResult().IsStale)
}

func TestClient_RefetchQueriesThrowOnError(t *testing.T) {
	c := newTestClient(t)
	fn, _ := failingFn()
	_, _ = c.FetchQuery(context.Background(), QueryOptions{QueryKey: QueryKey{"refetch-err"}, QueryFn: fn})

	err := c.RefetchQueries(context.Background(), QueryFilters{}, RefetchOptions{})
	require.NoError(t, err)

	err = c.RefetchQueries(context.Background(), QueryFilters{}, RefetchOptions{ThrowOnError: true})
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, c.QueryCache().GetAll()[0].Hash(), qe.QueryHash)
	assert.ErrorIs(t, err, errBoom)
}

func TestClient_RefetchSkipsDisabledAndStatic(t *testing.T) {
	c := newTestClient(t)
	disabledFn, disabledCalls := countingFn("d")
	staticFn, staticCalls := countingFn("s")

	disabled := NewObserver(c, QueryOptions{QueryKey: QueryKey{"disabled"}, QueryFn: disabledFn, Enabled: EnabledWhen(false)})
	defer disabled.Subscribe(func(Result) {})()

	static := NewObserver(c, QueryOptions{QueryKey: QueryKey{"static"}, QueryFn: staticFn, StaleTime: Ptr(StaleTimeStatic)})
	defer static.Subscribe(func(Result) {})()
	eventually(t, func() bool { return static.GetCurrentResult().IsSuccess }, "no data")
	require.EqualValues(t, 1, staticCalls.Load())

	require.NoError(t, c.RefetchQueries(context.Background(), QueryFilters{}, RefetchOptions{}))
	assert.Zero(t, disabledCalls.Load())
	assert.EqualValues(t, 1, staticCalls.Load())
}

func TestClient_CancelQueriesRevertsByDefault(t *testing.T) {
	c := newTestClient(t)
	key := QueryKey{"cancel"}
	c.SetQueryData(key, func(any) any { return "old" }, SetDataOptions{})

	started := make(chan struct{})
	fn := func(qc *QueryFunctionContext) (any, error) {
		close(started)
		<-qc.Context().Done()
		return nil, qc.Context().Err()
	}
	go c.PrefetchQuery(context.Background(), QueryOptions{QueryKey: key, QueryFn: fn})
	<-started

	require.NoError(t, c.CancelQueries(context.Background(), QueryFilters{QueryKey: key}, nil))
	s := c.GetQueryState(key)
	assert.Equal(t, "old", s.Data)
	assert.Equal(t, FetchStatusIdle, s.FetchStatus)
	assert.Equal(t, StatusSuccess, s.Status)
}

func TestClient_IsFetchingAndIsMutating(t *testing.T) {
	c := newTestClient(t)
	release := make(chan struct{})
	fn := func(*QueryFunctionContext) (any, error) {
		<-release
		return "v", nil
	}
	go c.PrefetchQuery(context.Background(), QueryOptions{QueryKey: QueryKey{"slow"}, QueryFn: fn})
	eventually(t, func() bool { return c.IsFetching(QueryFilters{}) == 1 }, "query not fetching")

	m := c.MutationCache().Build(c, MutationOptions{
		MutationFn: func(context.Context, any) (any, error) {
			<-release
			return "m", nil
		},
	}, nil)
	done := make(chan struct{})
	go func() {
		_, _ = m.Execute(context.Background(), nil)
		close(done)
	}()
	eventually(t, func() bool { return c.IsMutating(MutationFilters{}) == 1 }, "mutation not pending")

	close(release)
	<-done
	eventually(t, func() bool { return c.IsFetching(QueryFilters{}) == 0 }, "query still fetching")
	assert.Zero(t, c.IsMutating(MutationFilters{}))
}

func TestClient_ResetQueriesRefetchesActive(t *testing.T) {
	c := newTestClient(t)
	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"reset"}, QueryFn: fn, StaleTime: Ptr(time.Hour)})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "no data")

	require.NoError(t, c.ResetQueries(context.Background(), QueryFilters{}, RefetchOptions{}))
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, "v", c.GetQueryData(QueryKey{"reset"}))
}

func TestClient_RemoveQueries(t *testing.T) {
	c := newTestClient(t)
	c.SetQueryData(QueryKey{"a", 1}, func(any) any { return 1 }, SetDataOptions{})
	c.SetQueryData(QueryKey{"b"}, func(any) any { return 2 }, SetDataOptions{})

	c.RemoveQueries(QueryFilters{QueryKey: QueryKey{"a"}})
	assert.Nil(t, c.GetQueryData(QueryKey{"a", 1}))
	assert.Equal(t, 2, c.GetQueryData(QueryKey{"b"}))
}

func TestClient_QueryDefaultsMergeInRegistrationOrder(t *testing.T) {
	c := newTestClient(t)
	fn, _ := countingFn("from-defaults")
	c.SetQueryDefaults(QueryKey{"todos"}, QueryOptions{QueryFn: fn, StaleTime: Ptr(time.Minute)})
	c.SetQueryDefaults(QueryKey{"todos", "detail"}, QueryOptions{StaleTime: Ptr(time.Hour)})

	got := c.GetQueryDefaults(QueryKey{"todos", "detail", 1})
	require.NotNil(t, got.QueryFn)
	assert.Equal(t, time.Hour, *got.StaleTime)

	data, err := c.FetchQuery(context.Background(), QueryOptions{QueryKey: QueryKey{"todos", "list"}})
	require.NoError(t, err)
	assert.Equal(t, "from-defaults", data)

	opts := c.DefaultQueryOptions(QueryOptions{QueryKey: QueryKey{"todos", "list"}, StaleTime: Ptr(time.Second)})
	assert.Equal(t, time.Second, *opts.StaleTime)
	assert.Equal(t, RefetchIfStale, opts.RefetchOnReconnect)
	assert.NotEmpty(t, opts.QueryHash)

	always := c.DefaultQueryOptions(QueryOptions{QueryKey: QueryKey{"x"}, NetworkMode: retryer.NetworkModeAlways})
	assert.Equal(t, RefetchNever, always.RefetchOnReconnect)
}

func TestClient_MutationDefaults(t *testing.T) {
	c := newTestClient(t)
	c.SetMutationDefaults(QueryKey{"todos"}, MutationOptions{
		MutationFn: func(_ context.Context, vars any) (any, error) { return vars, nil },
	})

	m := c.MutationCache().Build(c, MutationOptions{MutationKey: QueryKey{"todos", "add"}}, nil)
	data, err := m.Execute(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", data)
}

func TestClient_FetchInfiniteQueryLoadsRequestedPages(t *testing.T) {
	c := newTestClient(t)
	fn := func(qc *QueryFunctionContext) (any, error) { return qc.PageParam, nil }

	d, err := c.FetchInfiniteQuery(context.Background(), QueryOptions{
		QueryKey:         QueryKey{"pages"},
		QueryFn:          fn,
		InitialPageParam: 1,
		GetNextPageParam: func(last any, _ []any, _ any, _ []any) any { return last.(int) + 1 },
		Pages:            3,
	})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, d.Pages)
	assert.Equal(t, []any{1, 2, 3}, d.PageParams)
}
