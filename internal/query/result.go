package query

import (
	"slices"

	"github.com/roach88/synq/internal/sharing"
)

// Result is what an Observer reports for its current query.
type Result struct {
	Status           Status
	FetchStatus      FetchStatus
	Data             any
	DataUpdatedAt    int64
	Error            error
	ErrorUpdatedAt   int64
	ErrorUpdateCount int
	FailureCount     int
	FailureReason    error

	IsPending           bool
	IsSuccess           bool
	IsError             bool
	IsLoading           bool
	IsFetched           bool
	IsFetchedAfterMount bool
	IsFetching          bool
	IsRefetching        bool
	IsLoadingError      bool
	IsRefetchError      bool
	IsPaused            bool
	IsPlaceholderData   bool
	IsStale             bool
	IsEnabled           bool

	// Set by InfiniteObserver only.
	HasNextPage              bool
	HasPreviousPage          bool
	IsFetchingNextPage       bool
	IsFetchingPreviousPage   bool
	IsFetchNextPageError     bool
	IsFetchPreviousPageError bool
}

// Result property names for QueryOptions.NotifyOnChangeProps.
const (
	PropAll                      = "all"
	PropStatus                   = "status"
	PropFetchStatus              = "fetchStatus"
	PropData                     = "data"
	PropDataUpdatedAt            = "dataUpdatedAt"
	PropError                    = "error"
	PropErrorUpdatedAt           = "errorUpdatedAt"
	PropErrorUpdateCount         = "errorUpdateCount"
	PropFailureCount             = "failureCount"
	PropFailureReason            = "failureReason"
	PropIsPending                = "isPending"
	PropIsSuccess                = "isSuccess"
	PropIsError                  = "isError"
	PropIsLoading                = "isLoading"
	PropIsFetched                = "isFetched"
	PropIsFetchedAfterMount      = "isFetchedAfterMount"
	PropIsFetching               = "isFetching"
	PropIsRefetching             = "isRefetching"
	PropIsLoadingError           = "isLoadingError"
	PropIsRefetchError           = "isRefetchError"
	PropIsPaused                 = "isPaused"
	PropIsPlaceholderData        = "isPlaceholderData"
	PropIsStale                  = "isStale"
	PropIsEnabled                = "isEnabled"
	PropHasNextPage              = "hasNextPage"
	PropHasPreviousPage          = "hasPreviousPage"
	PropIsFetchingNextPage       = "isFetchingNextPage"
	PropIsFetchingPreviousPage   = "isFetchingPreviousPage"
	PropIsFetchNextPageError     = "isFetchNextPageError"
	PropIsFetchPreviousPageError = "isFetchPreviousPageError"
)

var resultProps = []struct {
	name string
	get  func(*Result) any
}{
	{PropStatus, func(r *Result) any { return r.Status }},
	{PropFetchStatus, func(r *Result) any { return r.FetchStatus }},
	{PropData, func(r *Result) any { return r.Data }},
	{PropDataUpdatedAt, func(r *Result) any { return r.DataUpdatedAt }},
	{PropError, func(r *Result) any { return r.Error }},
	{PropErrorUpdatedAt, func(r *Result) any { return r.ErrorUpdatedAt }},
	{PropErrorUpdateCount, func(r *Result) any { return r.ErrorUpdateCount }},
	{PropFailureCount, func(r *Result) any { return r.FailureCount }},
	{PropFailureReason, func(r *Result) any { return r.FailureReason }},
	{PropIsPending, func(r *Result) any { return r.IsPending }},
	{PropIsSuccess, func(r *Result) any { return r.IsSuccess }},
	{PropIsError, func(r *Result) any { return r.IsError }},
	{PropIsLoading, func(r *Result) any { return r.IsLoading }},
	{PropIsFetched, func(r *Result) any { return r.IsFetched }},
	{PropIsFetchedAfterMount, func(r *Result) any { return r.IsFetchedAfterMount }},
	{PropIsFetching, func(r *Result) any { return r.IsFetching }},
	{PropIsRefetching, func(r *Result) any { return r.IsRefetching }},
	{PropIsLoadingError, func(r *Result) any { return r.IsLoadingError }},
	{PropIsRefetchError, func(r *Result) any { return r.IsRefetchError }},
	{PropIsPaused, func(r *Result) any { return r.IsPaused }},
	{PropIsPlaceholderData, func(r *Result) any { return r.IsPlaceholderData }},
	{PropIsStale, func(r *Result) any { return r.IsStale }},
	{PropIsEnabled, func(r *Result) any { return r.IsEnabled }},
	{PropHasNextPage, func(r *Result) any { return r.HasNextPage }},
	{PropHasPreviousPage, func(r *Result) any { return r.HasPreviousPage }},
	{PropIsFetchingNextPage, func(r *Result) any { return r.IsFetchingNextPage }},
	{PropIsFetchingPreviousPage, func(r *Result) any { return r.IsFetchingPreviousPage }},
	{PropIsFetchNextPageError, func(r *Result) any { return r.IsFetchNextPageError }},
	{PropIsFetchPreviousPageError, func(r *Result) any { return r.IsFetchPreviousPageError }},
}

// changedProps lists the properties whose values differ by reference.
func changedProps(prev, next *Result) []string {
	var out []string
	for _, p := range resultProps {
		if !sharing.Same(p.get(prev), p.get(next)) {
			out = append(out, p.name)
		}
	}
	return out
}

// shouldNotifyListeners applies NotifyOnChangeProps to a set of changes.
func shouldNotifyListeners(opts QueryOptions, changed []string) bool {
	props := opts.NotifyOnChangeProps
	if len(props) == 0 || slices.Contains(props, PropAll) {
		return true
	}
	for _, name := range changed {
		if slices.Contains(props, name) {
			return true
		}
		if name == PropError && opts.ThrowOnError {
			return true
		}
	}
	return false
}
