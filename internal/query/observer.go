package query

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/roach88/synq/internal/retryer"
	"github.com/roach88/synq/internal/sharing"
	"github.com/roach88/synq/internal/subscribable"
)

// Observer watches one query on behalf of a consumer. It derives a Result
// from the query state, decides when to fetch (mount, focus, reconnect,
// interval) and notifies its listeners of relevant changes.
//
// An Observer attaches to its query when the first listener subscribes and
// detaches when the last one leaves.
//
// Thread-safety: all methods are safe for concurrent use. Result computation
// is serialised per observer; listeners are invoked through the client's
// notify.Manager.
type Observer struct {
	client   *Client
	infinite bool

	// updateMu serialises result computation and guards the memo fields
	// below it.
	updateMu          sync.Mutex
	resultState       QueryState
	resultOptions     QueryOptions
	selectFn          func(any) any
	selectResult      any
	selectErr         error
	lastQueryWithData *Query

	mu                sync.Mutex
	options           QueryOptions
	query             *Query
	queryInitialState QueryState
	result            *Result
	staleTimer        *time.Timer
	intervalStop      chan struct{}
	currentInterval   time.Duration

	listeners subscribable.Set[func(Result)]
}

// NewObserver creates an observer for opts. It does not fetch until a
// listener subscribes.
func NewObserver(client *Client, opts QueryOptions) *Observer {
	return newObserver(client, opts, false)
}

func newObserver(client *Client, opts QueryOptions, infinite bool) *Observer {
	o := &Observer{client: client, infinite: infinite}
	o.listeners.OnSubscribe = func(count int) {
		if count == 1 {
			o.onSubscribe()
		}
	}
	o.listeners.OnUnsubscribe = func(count int) {
		if count == 0 {
			o.Destroy()
		}
	}
	o.SetOptions(opts)
	return o
}

// Subscribe registers l. The first subscriber mounts the observer, which
// may start a fetch.
func (o *Observer) Subscribe(l func(Result)) (unsubscribe func()) {
	return o.listeners.Subscribe(l)
}

// HasListeners reports whether the observer is mounted.
func (o *Observer) HasListeners() bool {
	return o.listeners.HasListeners()
}

func (o *Observer) onSubscribe() {
	q := o.attach()

	if shouldFetchOnMount(q, o.currentOptions()) {
		o.executeFetch(FetchOptions{})
	} else {
		o.updateResult()
	}
	o.updateTimers()
}

// Destroy detaches the observer from its query and stops its timers.
func (o *Observer) Destroy() {
	o.listeners.Clear()

	o.mu.Lock()
	o.clearStaleTimeoutLocked()
	o.clearRefetchIntervalLocked()
	q := o.query
	o.mu.Unlock()

	if q != nil {
		q.removeObserver(o)
	}
}

// CurrentQuery returns the query the observer currently watches.
func (o *Observer) CurrentQuery() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

// GetCurrentResult returns the last computed result.
func (o *Observer) GetCurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil {
		return Result{}
	}
	return *o.result
}

func (o *Observer) currentOptions() QueryOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// SetOptions replaces the observer options. Switching to another key moves
// the observer to that query; a mounted observer fetches when the new query
// is stale.
func (o *Observer) SetOptions(opts QueryOptions) {
	next := o.defaultOptions(opts)

	o.mu.Lock()
	prevOptions, prevQuery := o.options, o.query
	o.options = next
	o.mu.Unlock()

	o.updateQuery()
	q := o.CurrentQuery()
	q.setOptions(next)

	if prevOptions.defaulted {
		q.cache.Notify(QueryCacheEvent{Type: EventObserverOptionsUpdated, Query: q, Observer: o})
	}

	mounted := o.HasListeners()
	if mounted && shouldFetchOptionally(q, prevQuery, next, prevOptions) {
		o.executeFetch(FetchOptions{})
	}

	o.updateResult()

	if !mounted {
		return
	}
	queryChanged := q != prevQuery
	enabledChanged := next.enabled(q) != prevOptions.enabled(q)
	if queryChanged || enabledChanged || next.staleTime(q) != prevOptions.staleTime(q) {
		o.updateStaleTimeout()
	}

	interval := next.refetchInterval(q)
	o.mu.Lock()
	intervalChanged := interval != o.currentInterval
	o.mu.Unlock()
	if queryChanged || enabledChanged || intervalChanged {
		o.updateRefetchInterval(interval)
	}
}

func (o *Observer) defaultOptions(opts QueryOptions) QueryOptions {
	if o.infinite && opts.Behavior == nil {
		opts.Behavior = InfiniteBehavior()
	}
	return o.client.DefaultQueryOptions(opts)
}

// GetOptimisticResult returns the result the observer would report for opts
// right now, including a fetch that mounting would start.
func (o *Observer) GetOptimisticResult(opts QueryOptions) Result {
	opts = o.defaultOptions(opts)
	q := o.client.queryCache.Build(o.client, opts, nil)

	o.updateMu.Lock()
	defer o.updateMu.Unlock()

	r, state := o.createResult(q, opts, true)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil || len(changedProps(o.result, &r)) > 0 {
		o.result = &r
		o.resultOptions = opts
		o.resultState = state
	}
	return r
}

// RefetchOptions tune Observer.Refetch.
type RefetchOptions struct {
	// CancelRefetch defaults to true.
	CancelRefetch *bool
	ThrowOnError  bool
}

// Refetch fetches the current query and waits for the result. Fetch errors
// are reported in the Result; they are returned only with ThrowOnError.
func (o *Observer) Refetch(ctx context.Context, opts RefetchOptions) (Result, error) {
	return o.fetch(ctx, opts, nil)
}

func (o *Observer) fetch(ctx context.Context, opts RefetchOptions, meta *FetchMeta) (Result, error) {
	cancel := opts.CancelRefetch == nil || *opts.CancelRefetch
	f := o.executeFetch(FetchOptions{CancelRefetch: cancel, Meta: meta, ThrowOnError: opts.ThrowOnError})

	_, err := f.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return o.GetCurrentResult(), ctxErr
	}

	o.updateResult()
	r := o.GetCurrentResult()
	if opts.ThrowOnError && err != nil {
		return r, err
	}
	return r, nil
}

func (o *Observer) executeFetch(fo FetchOptions) *Future {
	o.updateQuery()
	opts := o.currentOptions()
	return o.CurrentQuery().Fetch(&opts, fo)
}

func (o *Observer) updateQuery() {
	opts := o.currentOptions()
	q := o.client.queryCache.Build(o.client, opts, nil)
	initial := q.State()

	o.mu.Lock()
	prev := o.query
	if q == prev {
		o.mu.Unlock()
		return
	}
	o.query = q
	o.queryInitialState = initial
	o.mu.Unlock()

	if o.HasListeners() {
		if prev != nil {
			prev.removeObserver(o)
		}
		o.attach()
	}
}

// attach adds o to its query. A query garbage collected since o resolved it
// is replaced by a fresh one from the cache.
func (o *Observer) attach() *Query {
	for {
		q := o.CurrentQuery()
		if q.addObserver(o) {
			return q
		}
		next := o.client.queryCache.Build(o.client, o.currentOptions(), nil)
		initial := next.State()
		o.mu.Lock()
		if o.query == q {
			o.query = next
			o.queryInitialState = initial
		}
		o.mu.Unlock()
	}
}

func (o *Observer) onQueryUpdate() {
	o.updateResult()
	if o.HasListeners() {
		o.updateTimers()
	}
}

func (o *Observer) updateResult() {
	o.updateMu.Lock()

	o.mu.Lock()
	q, opts, prev := o.query, o.options, o.result
	o.mu.Unlock()

	next, state := o.createResult(q, opts, false)
	o.resultState = state
	o.resultOptions = opts
	if state.Data != nil {
		o.lastQueryWithData = q
	}

	notifyListeners := true
	if prev != nil {
		changed := changedProps(prev, &next)
		if len(changed) == 0 {
			o.updateMu.Unlock()
			return
		}
		notifyListeners = shouldNotifyListeners(opts, changed)
	}

	o.mu.Lock()
	o.result = &next
	o.mu.Unlock()
	o.updateMu.Unlock()

	o.notify(q, notifyListeners)
}

// notify delivers the latest result, not a captured one, so deliveries racing
// across goroutines never go backwards.
func (o *Observer) notify(q *Query, listeners bool) {
	n := o.client.notifier
	n.Batch(func() {
		if listeners {
			for _, l := range o.listeners.Snapshot() {
				l := l
				n.Schedule(func() { l(o.GetCurrentResult()) })
			}
		}
		q.cache.Notify(QueryCacheEvent{Type: EventObserverResultsUpdated, Query: q, Observer: o})
	})
}

// createResult must be called with updateMu held.
func (o *Observer) createResult(q *Query, opts QueryOptions, optimistic bool) (Result, QueryState) {
	o.mu.Lock()
	prevQuery, prevOptions, prevResult, initial := o.query, o.options, o.result, o.queryInitialState
	o.mu.Unlock()

	state := q.State()
	if q != prevQuery {
		initial = state
	}

	s := state
	if optimistic {
		mounted := o.HasListeners()
		fetchOnMount := !mounted && shouldFetchOnMount(q, opts)
		fetchOptionally := mounted && shouldFetchOptionally(q, prevQuery, opts, prevOptions)
		if fetchOnMount || fetchOptionally {
			s = fetchState(s, q.Options().NetworkMode, o.client.online.IsOnline())
		}
	}

	data, status := s.Data, s.Status
	if o.infinite {
		// snapshots restore pages as generic JSON
		if d, ok := asInfiniteData(data); ok {
			data = d
		}
	}
	errVal, errorUpdatedAt := s.Error, s.ErrorUpdatedAt

	var prevData any
	if prevResult != nil {
		prevData = prevResult.Data
	}

	isPlaceholder, skipSelect := false, false
	if opts.PlaceholderData != nil && data == nil && status == StatusPending {
		var placeholder any
		if prevResult != nil && prevResult.IsPlaceholderData && sharing.Same(opts.PlaceholderData, o.resultOptions.PlaceholderData) {
			placeholder = prevData
			skipSelect = true
		} else {
			var lastData any
			if o.lastQueryWithData != nil {
				lastData = o.lastQueryWithData.State().Data
			}
			placeholder = opts.PlaceholderData(lastData, o.lastQueryWithData)
		}
		if placeholder != nil {
			status = StatusSuccess
			data = opts.replaceData(prevData, placeholder)
			isPlaceholder = true
		}
	}

	if opts.Select != nil && data != nil && !skipSelect {
		if prevResult != nil && sharing.Same(data, o.resultState.Data) && sharing.Same(opts.Select, o.selectFn) {
			data = o.selectResult
		} else {
			o.selectFn = opts.Select
			selected, err := callSelect(opts.Select, data)
			if err != nil {
				o.selectErr = err
			} else {
				data = opts.replaceData(prevData, selected)
				o.selectResult = data
				o.selectErr = nil
			}
		}
	}
	if o.selectErr != nil {
		errVal = o.selectErr
		data = o.selectResult
		errorUpdatedAt = o.client.now().UnixMilli()
		status = StatusError
	}

	isFetching := s.FetchStatus == FetchStatusFetching
	isPending := status == StatusPending
	isError := status == StatusError
	hasData := data != nil

	r := Result{
		Status:              status,
		FetchStatus:         s.FetchStatus,
		Data:                data,
		DataUpdatedAt:       s.DataUpdatedAt,
		Error:               errVal,
		ErrorUpdatedAt:      errorUpdatedAt,
		ErrorUpdateCount:    s.ErrorUpdateCount,
		FailureCount:        s.FetchFailureCount,
		FailureReason:       s.FetchFailureReason,
		IsPending:           isPending,
		IsSuccess:           status == StatusSuccess,
		IsError:             isError,
		IsLoading:           isPending && isFetching,
		IsFetched:           s.DataUpdateCount > 0 || s.ErrorUpdateCount > 0,
		IsFetchedAfterMount: s.DataUpdateCount > initial.DataUpdateCount || s.ErrorUpdateCount > initial.ErrorUpdateCount,
		IsFetching:          isFetching,
		IsRefetching:        isFetching && !isPending,
		IsLoadingError:      isError && !hasData,
		IsRefetchError:      isError && hasData,
		IsPaused:            s.FetchStatus == FetchStatusPaused,
		IsPlaceholderData:   isPlaceholder,
		IsStale:             isStale(q, opts),
		IsEnabled:           opts.enabled(q),
	}

	if o.infinite {
		var direction FetchDirection
		if s.FetchMeta != nil && s.FetchMeta.FetchMore != nil {
			direction = s.FetchMeta.FetchMore.Direction
		}
		r.HasNextPage = hasNextPage(opts, s.Data)
		r.HasPreviousPage = hasPreviousPage(opts, s.Data)
		r.IsFetchingNextPage = isFetching && direction == DirectionForward
		r.IsFetchingPreviousPage = isFetching && direction == DirectionBackward
		r.IsFetchNextPageError = isError && direction == DirectionForward
		r.IsFetchPreviousPageError = isError && direction == DirectionBackward
		r.IsRefetching = r.IsRefetching && !r.IsFetchingNextPage && !r.IsFetchingPreviousPage
		r.IsRefetchError = r.IsRefetchError && !r.IsFetchNextPageError && !r.IsFetchPreviousPageError
	}

	return r, state
}

func callSelect(fn func(any) any, data any) (out any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &retryer.PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return fn(data), nil
}

func (o *Observer) updateTimers() {
	o.updateStaleTimeout()
	q, opts := o.CurrentQuery(), o.currentOptions()
	o.updateRefetchInterval(opts.refetchInterval(q))
}

func (o *Observer) updateStaleTimeout() {
	o.mu.Lock()
	q, opts, res := o.query, o.options, o.result
	o.clearStaleTimeoutLocked()
	o.mu.Unlock()

	staleTime := opts.staleTime(q)
	if res == nil || res.IsStale || !isValidTimeout(staleTime) {
		return
	}
	d := timeUntilStale(res.DataUpdatedAt, staleTime, o.client.now()) + time.Millisecond

	t := time.AfterFunc(d, func() {
		if !o.GetCurrentResult().IsStale {
			o.updateResult()
		}
	})

	o.mu.Lock()
	o.clearStaleTimeoutLocked()
	o.staleTimer = t
	o.mu.Unlock()
}

func (o *Observer) clearStaleTimeoutLocked() {
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
}

func (o *Observer) updateRefetchInterval(d time.Duration) {
	o.mu.Lock()
	o.clearRefetchIntervalLocked()
	o.currentInterval = d
	q, opts := o.query, o.options
	o.mu.Unlock()

	if !opts.enabled(q) || !isValidTimeout(d) || d == 0 {
		return
	}

	stop := make(chan struct{})
	o.mu.Lock()
	o.clearRefetchIntervalLocked()
	o.intervalStop = stop
	o.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if o.currentOptions().RefetchIntervalInBackground || o.client.focus.IsFocused() {
					o.executeFetch(FetchOptions{})
				}
			}
		}
	}()
}

func (o *Observer) clearRefetchIntervalLocked() {
	if o.intervalStop != nil {
		close(o.intervalStop)
		o.intervalStop = nil
	}
}

func (o *Observer) shouldFetchOnWindowFocus() bool {
	opts := o.currentOptions()
	return shouldFetchOn(o.CurrentQuery(), opts, opts.RefetchOnWindowFocus)
}

func (o *Observer) shouldFetchOnReconnect() bool {
	opts := o.currentOptions()
	return shouldFetchOn(o.CurrentQuery(), opts, opts.RefetchOnReconnect)
}

func shouldLoadOnMount(q *Query, opts QueryOptions) bool {
	s := q.State()
	return opts.enabled(q) && s.Data == nil && !(s.Status == StatusError && !opts.retryOnMount())
}

func shouldFetchOnMount(q *Query, opts QueryOptions) bool {
	if shouldLoadOnMount(q, opts) {
		return true
	}
	return q.State().Data != nil && shouldFetchOn(q, opts, opts.RefetchOnMount)
}

func shouldFetchOn(q *Query, opts QueryOptions, field Refetch) bool {
	if !opts.enabled(q) || opts.staleTime(q) == StaleTimeStatic {
		return false
	}
	return field == RefetchAlways || (field != RefetchNever && isStale(q, opts))
}

func shouldFetchOptionally(q, prevQuery *Query, opts, prevOpts QueryOptions) bool {
	return (q != prevQuery || !prevOpts.enabled(q)) && isStale(q, opts)
}

func isStale(q *Query, opts QueryOptions) bool {
	return opts.enabled(q) && q.IsStaleByTime(opts.staleTime(q))
}
