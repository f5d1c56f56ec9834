package query

import (
	"context"
)

// InfiniteObserver is an Observer over an infinite query. Its results carry
// the page flags and its data is *InfiniteData.
type InfiniteObserver struct {
	*Observer
}

// NewInfiniteObserver creates an observer that installs the infinite
// behavior on opts.
func NewInfiniteObserver(client *Client, opts QueryOptions) *InfiniteObserver {
	return &InfiniteObserver{Observer: newObserver(client, opts, true)}
}

// FetchNextPage fetches the page after the last one and waits for it.
func (o *InfiniteObserver) FetchNextPage(ctx context.Context, opts RefetchOptions) (Result, error) {
	return o.fetch(ctx, opts, &FetchMeta{FetchMore: &FetchMore{Direction: DirectionForward}})
}

// FetchPreviousPage fetches the page before the first one and waits for it.
func (o *InfiniteObserver) FetchPreviousPage(ctx context.Context, opts RefetchOptions) (Result, error) {
	return o.fetch(ctx, opts, &FetchMeta{FetchMore: &FetchMore{Direction: DirectionBackward}})
}

// Data returns the current pages, or nil before the first page arrives.
func (o *InfiniteObserver) Data() *InfiniteData {
	d, _ := asInfiniteData(o.GetCurrentResult().Data)
	return d
}
