package query

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/synq/internal/retryer"
)

func TestObserver_PendingThenSuccess(t *testing.T) {
	c := newTestClient(t)
	fn := func(*QueryFunctionContext) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return []any{"a", "b"}, nil
	}
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"todos"}, QueryFn: fn})

	var notified atomic.Int32
	unsubscribe := obs.Subscribe(func(Result) { notified.Add(1) })
	defer unsubscribe()

	r := obs.GetCurrentResult()
	assert.Equal(t, StatusPending, r.Status)
	assert.Nil(t, r.Data)
	assert.True(t, r.IsLoading)
	assert.True(t, r.IsFetching)

	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "observer never succeeded")

	r = obs.GetCurrentResult()
	assert.Equal(t, StatusSuccess, r.Status)
	assert.Equal(t, []any{"a", "b"}, r.Data)
	assert.Equal(t, FetchStatusIdle, r.FetchStatus)
	assert.True(t, r.IsFetched)
	assert.True(t, r.IsFetchedAfterMount)
	assert.Positive(t, notified.Load())
}

func TestObserver_SelectWithNotifyOnChangeProps(t *testing.T) {
	c := newTestClient(t)
	key := QueryKey{"todos"}
	fn, _ := countingFn([]any{"a", "b"})

	selecting := NewObserver(c, QueryOptions{
		QueryKey:            key,
		QueryFn:             fn,
		StaleTime:           Ptr(StaleTimeInfinite),
		Select:              func(data any) any { return len(data.([]any)) },
		NotifyOnChangeProps: []string{PropData},
	})
	plain := NewObserver(c, QueryOptions{QueryKey: key, QueryFn: fn, StaleTime: Ptr(StaleTimeInfinite)})

	var selectingCalls, plainCalls atomic.Int32
	defer selecting.Subscribe(func(Result) { selectingCalls.Add(1) })()
	defer plain.Subscribe(func(Result) { plainCalls.Add(1) })()

	eventually(t, func() bool {
		return selecting.GetCurrentResult().IsSuccess && plain.GetCurrentResult().IsSuccess
	}, "observers never succeeded")
	assert.Equal(t, 2, selecting.GetCurrentResult().Data)

	selectingBefore, plainBefore := selectingCalls.Load(), plainCalls.Load()
	updatedAt := c.GetQueryState(key).DataUpdatedAt + 1000
	c.SetQueryData(key, func(any) any { return []any{"a", "b"} }, SetDataOptions{UpdatedAt: updatedAt})

	assert.Equal(t, selectingBefore, selectingCalls.Load(), "select observer notified for an unchanged selection")
	assert.Greater(t, plainCalls.Load(), plainBefore)
	assert.Equal(t, updatedAt, plain.GetCurrentResult().DataUpdatedAt)

	c.SetQueryData(key, func(any) any { return []any{"a", "b", "c"} }, SetDataOptions{})
	assert.Greater(t, selectingCalls.Load(), selectingBefore)
	assert.Equal(t, 3, selecting.GetCurrentResult().Data)
}

func TestObserver_SelectPanicBecomesError(t *testing.T) {
	c := newTestClient(t)
	fn, _ := countingFn("v")
	obs := NewObserver(c, QueryOptions{
		QueryKey: QueryKey{"select-panic"},
		QueryFn:  fn,
		Select:   func(any) any { panic("bad select") },
	})
	defer obs.Subscribe(func(Result) {})()

	eventually(t, func() bool { return obs.GetCurrentResult().IsError }, "select panic was not reported")
	var pe *retryer.PanicError
	require.ErrorAs(t, obs.GetCurrentResult().Error, &pe)
	assert.Equal(t, "bad select", pe.Value)
}

func TestObserver_DisabledDoesNotFetch(t *testing.T) {
	c := newTestClient(t)
	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"disabled"}, QueryFn: fn, Enabled: EnabledWhen(false)})
	defer obs.Subscribe(func(Result) {})()

	time.Sleep(30 * time.Millisecond)
	r := obs.GetCurrentResult()
	assert.Zero(t, calls.Load())
	assert.False(t, r.IsEnabled)
	assert.True(t, r.IsPending)
	assert.False(t, r.IsFetching)

	res, err := obs.Refetch(context.Background(), RefetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, "v", res.Data)
}

func TestObserver_EnablingFetchesStaleQuery(t *testing.T) {
	c := newTestClient(t)
	fn, calls := countingFn("v")
	opts := QueryOptions{QueryKey: QueryKey{"toggle"}, QueryFn: fn, Enabled: EnabledWhen(false)}
	obs := NewObserver(c, opts)
	defer obs.Subscribe(func(Result) {})()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())

	opts.Enabled = EnabledWhen(true)
	obs.SetOptions(opts)

	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "enabling did not fetch")
	r := obs.GetCurrentResult()
	assert.True(t, r.IsEnabled)
	assert.Equal(t, "v", r.Data)
	assert.EqualValues(t, 1, calls.Load())
}

func TestObserver_FreshDataIsNotRefetchedOnMount(t *testing.T) {
	c := newTestClient(t)
	key := QueryKey{"fresh"}
	c.SetQueryData(key, func(any) any { return "cached" }, SetDataOptions{})

	fn, calls := countingFn("fetched")
	obs := NewObserver(c, QueryOptions{QueryKey: key, QueryFn: fn, StaleTime: Ptr(time.Hour)})
	defer obs.Subscribe(func(Result) {})()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
	assert.Equal(t, "cached", obs.GetCurrentResult().Data)
	assert.False(t, obs.GetCurrentResult().IsStale)
}

func TestObserver_RefetchOnMountAlways(t *testing.T) {
	c := newTestClient(t)
	key := QueryKey{"always-mount"}
	c.SetQueryData(key, func(any) any { return "cached" }, SetDataOptions{})

	fn, calls := countingFn("fetched")
	obs := NewObserver(c, QueryOptions{
		QueryKey:       key,
		QueryFn:        fn,
		StaleTime:      Ptr(time.Hour),
		RefetchOnMount: RefetchAlways,
	})
	defer obs.Subscribe(func(Result) {})()

	eventually(t, func() bool { return obs.GetCurrentResult().Data == "fetched" }, "no refetch on mount")
	assert.EqualValues(t, 1, calls.Load())
}

func TestObserver_BecomesStaleAfterStaleTime(t *testing.T) {
	c := newTestClient(t)
	fn, _ := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"stale-timer"}, QueryFn: fn, StaleTime: Ptr(40 * time.Millisecond)})

	var notified atomic.Int32
	defer obs.Subscribe(func(Result) { notified.Add(1) })()

	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "no data")
	assert.False(t, obs.GetCurrentResult().IsStale)

	eventually(t, func() bool { return obs.GetCurrentResult().IsStale }, "result never became stale")
}

func TestObserver_PlaceholderKeepsPreviousData(t *testing.T) {
	c := newTestClient(t)
	release := make(chan struct{})
	fn := func(qc *QueryFunctionContext) (any, error) {
		if qc.QueryKey[1] == 2 {
			<-release
		}
		return qc.QueryKey[1], nil
	}
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"page", 1}, QueryFn: fn, PlaceholderData: KeepPreviousData})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().Data == 1 }, "first page missing")

	obs.SetOptions(QueryOptions{QueryKey: QueryKey{"page", 2}, QueryFn: fn, PlaceholderData: KeepPreviousData})
	r := obs.GetCurrentResult()
	assert.True(t, r.IsPlaceholderData)
	assert.Equal(t, 1, r.Data)
	assert.Equal(t, StatusSuccess, r.Status)

	close(release)
	eventually(t, func() bool { return obs.GetCurrentResult().Data == 2 }, "second page missing")
	assert.False(t, obs.GetCurrentResult().IsPlaceholderData)
}

func TestObserver_SwitchingKeysMovesObserver(t *testing.T) {
	c := newTestClient(t)
	fn := func(qc *QueryFunctionContext) (any, error) { return qc.QueryKey[1], nil }
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"item", "a"}, QueryFn: fn})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().Data == "a" }, "a missing")

	first := obs.CurrentQuery()
	obs.SetOptions(QueryOptions{QueryKey: QueryKey{"item", "b"}, QueryFn: fn})
	eventually(t, func() bool { return obs.GetCurrentResult().Data == "b" }, "b missing")

	assert.NotSame(t, first, obs.CurrentQuery())
	assert.Zero(t, first.ObserversCount())
	assert.Equal(t, 1, obs.CurrentQuery().ObserversCount())
}

func TestObserver_RefetchInterval(t *testing.T) {
	c := newTestClient(t)
	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{
		QueryKey:        QueryKey{"interval"},
		QueryFn:         fn,
		RefetchInterval: 20 * time.Millisecond,
	})
	unsubscribe := obs.Subscribe(func(Result) {})

	eventually(t, func() bool { return calls.Load() >= 3 }, "interval did not refetch")

	unsubscribe()
	settled := calls.Load()
	time.Sleep(80 * time.Millisecond)
	assert.LessOrEqual(t, calls.Load(), settled+1)
}

func TestObserver_RefetchThrowOnError(t *testing.T) {
	c := newTestClient(t)
	fn, _ := failingFn()
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"throw"}, QueryFn: fn, Retry: retryer.Never(), Enabled: EnabledWhen(false)})

	r, err := obs.Refetch(context.Background(), RefetchOptions{})
	require.NoError(t, err)
	assert.True(t, r.IsError)
	assert.True(t, r.IsLoadingError)

	_, err = obs.Refetch(context.Background(), RefetchOptions{ThrowOnError: true})
	assert.ErrorIs(t, err, errBoom)
}

func TestObserver_OptimisticResultReportsMountFetch(t *testing.T) {
	c := newTestClient(t)
	fn, _ := countingFn("v")
	opts := QueryOptions{QueryKey: QueryKey{"optimistic"}, QueryFn: fn}
	obs := NewObserver(c, opts)

	r := obs.GetOptimisticResult(opts)
	assert.Equal(t, FetchStatusFetching, r.FetchStatus)
	assert.True(t, r.IsLoading)
	assert.Equal(t, FetchStatusIdle, obs.CurrentQuery().State().FetchStatus)
}

func TestObserver_FocusRegainRefetchesStaleData(t *testing.T) {
	c := newTestClient(t)
	c.Mount()
	defer c.Unmount()

	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"focus"}, QueryFn: fn})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "no data")
	require.EqualValues(t, 1, calls.Load())

	c.Focus().SetFocused(false)
	c.Focus().SetFocused(true)

	eventually(t, func() bool { return calls.Load() == 2 }, "focus did not refetch")
}

func TestObserver_FocusRespectsRefetchNever(t *testing.T) {
	c := newTestClient(t)
	c.Mount()
	defer c.Unmount()

	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"focus-never"}, QueryFn: fn, RefetchOnWindowFocus: RefetchNever})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "no data")

	c.Focus().SetFocused(false)
	c.Focus().SetFocused(true)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
}

func TestObserver_ReconnectResumesPausedFetch(t *testing.T) {
	c := newTestClient(t)
	c.Mount()
	defer c.Unmount()
	c.Online().SetOnline(false)

	fn, calls := countingFn("v")
	obs := NewObserver(c, QueryOptions{QueryKey: QueryKey{"reconnect"}, QueryFn: fn})
	defer obs.Subscribe(func(Result) {})()

	r := obs.GetCurrentResult()
	assert.True(t, r.IsPaused)
	assert.True(t, r.IsPending)
	assert.Zero(t, calls.Load())

	c.Online().SetOnline(true)
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "paused fetch never resumed")

	// the reconnect refetch joins the paused fetch instead of starting another
	time.Sleep(30 * time.Millisecond)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, FetchStatusIdle, obs.GetCurrentResult().FetchStatus)
}

func TestInfiniteObserver_MaxPagesEvictsOldest(t *testing.T) {
	c := newTestClient(t)
	fn := func(qc *QueryFunctionContext) (any, error) {
		id := qc.PageParam.(int)
		return map[string]any{"id": id, "nextId": id + 1}, nil
	}
	obs := NewInfiniteObserver(c, QueryOptions{
		QueryKey:         QueryKey{"feed"},
		QueryFn:          fn,
		InitialPageParam: 0,
		GetNextPageParam: func(last any, _ []any, _ any, _ []any) any {
			return last.(map[string]any)["nextId"]
		},
		MaxPages: 2,
	})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "first page missing")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r, err := obs.FetchNextPage(ctx, RefetchOptions{})
		require.NoError(t, err)
		assert.True(t, r.HasNextPage)
	}

	data := obs.Data()
	require.NotNil(t, data)
	require.Len(t, data.Pages, 2)
	assert.Equal(t, []any{2, 3}, data.PageParams)
	assert.Equal(t, 2, data.Pages[0].(map[string]any)["id"])
}

func TestInfiniteObserver_RefetchReloadsAllPages(t *testing.T) {
	c := newTestClient(t)
	var calls atomic.Int32
	fn := func(qc *QueryFunctionContext) (any, error) {
		calls.Add(1)
		return qc.PageParam.(int) * 10, nil
	}
	next := func(_ any, all []any, _ any, _ []any) any {
		if len(all) >= 3 {
			return nil
		}
		return len(all)
	}
	obs := NewInfiniteObserver(c, QueryOptions{
		QueryKey:         QueryKey{"reload"},
		QueryFn:          fn,
		InitialPageParam: 0,
		GetNextPageParam: next,
	})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "first page missing")

	ctx := context.Background()
	_, err := obs.FetchNextPage(ctx, RefetchOptions{})
	require.NoError(t, err)
	r, err := obs.FetchNextPage(ctx, RefetchOptions{})
	require.NoError(t, err)
	assert.False(t, r.HasNextPage)
	assert.False(t, r.HasPreviousPage)
	require.EqualValues(t, 3, calls.Load())

	_, err = obs.Refetch(ctx, RefetchOptions{})
	require.NoError(t, err)
	assert.EqualValues(t, 6, calls.Load())
	assert.Equal(t, []any{0, 10, 20}, obs.Data().Pages)
}

func TestInfiniteObserver_FetchPreviousPage(t *testing.T) {
	c := newTestClient(t)
	fn := func(qc *QueryFunctionContext) (any, error) { return qc.PageParam, nil }
	obs := NewInfiniteObserver(c, QueryOptions{
		QueryKey:         QueryKey{"bidirectional"},
		QueryFn:          fn,
		InitialPageParam: 5,
		GetNextPageParam: func(last any, _ []any, _ any, _ []any) any { return last.(int) + 1 },
		GetPreviousPageParam: func(first any, _ []any, _ any, _ []any) any {
			return first.(int) - 1
		},
	})
	defer obs.Subscribe(func(Result) {})()
	eventually(t, func() bool { return obs.GetCurrentResult().IsSuccess }, "first page missing")

	r, err := obs.FetchPreviousPage(context.Background(), RefetchOptions{})
	require.NoError(t, err)
	assert.True(t, r.HasPreviousPage)
	assert.False(t, r.IsFetchingPreviousPage)
	assert.Equal(t, []any{4, 5}, obs.Data().Pages)
}
