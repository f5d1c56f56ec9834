package query

import (
	"context"

	"github.com/roach88/synq/internal/keyhash"
)

// QueryKey is an ordered, JSON-serialisable query identity.
type QueryKey = keyhash.QueryKey

// Status is the data status of a query.
type Status string

const (
	StatusPending Status = "pending"
	StatusError   Status = "error"
	StatusSuccess Status = "success"
)

// FetchStatus is the network status of a query.
type FetchStatus string

const (
	FetchStatusIdle     FetchStatus = "idle"
	FetchStatusFetching FetchStatus = "fetching"
	FetchStatusPaused   FetchStatus = "paused"
)

// FetchDirection selects which end of an infinite query a page is added to.
type FetchDirection string

const (
	DirectionForward  FetchDirection = "forward"
	DirectionBackward FetchDirection = "backward"
)

// FetchMore describes an incremental infinite-query fetch.
type FetchMore struct {
	Direction FetchDirection `json:"direction"`
}

// FetchMeta is attached to the query state for the duration of a fetch.
type FetchMeta struct {
	FetchMore *FetchMore `json:"fetchMore,omitempty"`
}

// QueryState is the state of one cached query. Timestamps are Unix
// milliseconds; zero means never.
type QueryState struct {
	Data               any
	DataUpdateCount    int
	DataUpdatedAt      int64
	Error              error
	ErrorUpdateCount   int
	ErrorUpdatedAt     int64
	FetchFailureCount  int
	FetchFailureReason error
	FetchMeta          *FetchMeta
	IsInvalidated      bool
	Status             Status
	FetchStatus        FetchStatus
}

// ActionType names a query state transition.
type ActionType string

const (
	ActionFetch      ActionType = "fetch"
	ActionSuccess    ActionType = "success"
	ActionError      ActionType = "error"
	ActionFailed     ActionType = "failed"
	ActionPause      ActionType = "pause"
	ActionContinue   ActionType = "continue"
	ActionInvalidate ActionType = "invalidate"
	ActionSetState   ActionType = "setState"
	ActionPending    ActionType = "pending"
)

// Action is a state transition applied to a Query or Mutation. Only the
// fields relevant to Type are set.
type Action struct {
	Type          ActionType
	Data          any
	DataUpdatedAt int64
	Manual        bool
	Error         error
	FailureCount  int
	Meta          *FetchMeta
	State         *QueryState

	// mutation-only
	Variables any
	Context   any
	IsPaused  bool
}

// QueryFunc fetches the data of a query.
type QueryFunc func(qc *QueryFunctionContext) (any, error)

// QueryFunctionContext is handed to a QueryFunc.
type QueryFunctionContext struct {
	QueryKey  QueryKey
	Meta      map[string]any
	PageParam any
	Direction FetchDirection
	Client    *Client

	ctx       context.Context
	onContext func()
}

// Context returns the cancellation context of this fetch attempt. Fetch
// functions that read it are cancelled outright when their last observer
// leaves; otherwise the attempt is left to finish and only retries stop.
func (qc *QueryFunctionContext) Context() context.Context {
	if qc.onContext != nil {
		qc.onContext()
	}
	if qc.ctx == nil {
		return context.Background()
	}
	return qc.ctx
}

// FetchOptions tune a single Query.Fetch call.
type FetchOptions struct {
	// CancelRefetch cancels an in-flight fetch of a query that already has
	// data and starts a new one instead of joining it.
	CancelRefetch bool

	Meta *FetchMeta

	// ThrowOnError makes client helpers return the fetch error.
	ThrowOnError bool
}

// CancelOptions control how a cancelled fetch is rolled back.
type CancelOptions struct {
	// Revert restores the state from before the fetch started.
	Revert bool

	// Silent settles the cancelled fetch with the result of the next one.
	Silent bool
}

// SetDataOptions tune SetData and Client.SetQueryData.
type SetDataOptions struct {
	// UpdatedAt overrides DataUpdatedAt (Unix ms). Zero means now.
	UpdatedAt int64

	manual bool
}

// Ptr returns a pointer to v. It is a convenience for optional option fields.
func Ptr[T any](v T) *T {
	return &v
}
