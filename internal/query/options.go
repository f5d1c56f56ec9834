package query

import (
	"context"
	"math"
	"time"

	"github.com/roach88/synq/internal/keyhash"
	"github.com/roach88/synq/internal/retryer"
	"github.com/roach88/synq/internal/sharing"
)

const (
	// StaleTimeInfinite keeps data fresh until it is invalidated.
	StaleTimeInfinite time.Duration = math.MaxInt64

	// StaleTimeStatic keeps data fresh forever; static queries are never
	// refetched automatically, not even after invalidation.
	StaleTimeStatic time.Duration = -1

	// GcTimeInfinite disables garbage collection.
	GcTimeInfinite time.Duration = math.MaxInt64

	// DefaultGcTime is used when no gc time is configured.
	DefaultGcTime = 5 * time.Minute

	// DefaultQueryRetries is the retry count of queries without a Retry policy.
	DefaultQueryRetries = 3
)

// Refetch is a tri-state refetch policy. The zero value means unset.
type Refetch int

const (
	RefetchUnset Refetch = iota
	RefetchNever
	RefetchIfStale
	RefetchAlways
)

// NoStructuralSharing disables structural sharing when used as
// QueryOptions.StructuralSharing.
func NoStructuralSharing(_, next any) any { return next }

// KeepPreviousData is a PlaceholderData func that shows the data of the
// previously observed query while a new key loads.
func KeepPreviousData(prevData any, _ *Query) any { return prevData }

// EnabledWhen returns an Enabled func that always reports b.
func EnabledWhen(b bool) func(*Query) bool {
	return func(*Query) bool { return b }
}

// PageParamFunc computes the param of the page after (or before) the given
// window. Returning nil means there is no such page.
type PageParamFunc func(page any, allPages []any, pageParam any, allPageParams []any) any

// QueryOptions configures a query and the observers of it. The zero value of
// every field means unset; unset fields fall back to per-key defaults, then
// client defaults, then the documented default.
type QueryOptions struct {
	QueryKey       QueryKey
	QueryHash      string
	QueryKeyHashFn func(QueryKey) string
	QueryFn        QueryFunc

	// Enabled defaults to true. A disabled observer never fetches.
	Enabled func(*Query) bool

	// StaleTime defaults to 0 (immediately stale). StaleTimeFunc takes
	// precedence when set.
	StaleTime     *time.Duration
	StaleTimeFunc func(*Query) time.Duration

	// GcTime defaults to DefaultGcTime.
	GcTime *time.Duration

	// Retry defaults to Times(DefaultQueryRetries).
	Retry       retryer.Policy
	RetryDelay  retryer.DelayFunc
	NetworkMode retryer.NetworkMode

	// RetryOnMount defaults to true. When false an observer mounting on a
	// query in error state does not fetch.
	RetryOnMount *bool

	InitialData          func() any
	InitialDataUpdatedAt int64

	PlaceholderData func(prevData any, prevQuery *Query) any
	Select          func(data any) any

	// StructuralSharing defaults to sharing.ReplaceEqualDeep.
	StructuralSharing func(prev, next any) any

	RefetchInterval             time.Duration
	RefetchIntervalFunc         func(*Query) time.Duration
	RefetchIntervalInBackground bool
	RefetchOnMount              Refetch
	RefetchOnWindowFocus        Refetch
	RefetchOnReconnect          Refetch

	// NotifyOnChangeProps limits listener notifications to changes of the
	// named Result properties (see the Prop constants). Empty means any
	// change notifies.
	NotifyOnChangeProps []string

	ThrowOnError bool

	Meta map[string]any

	// Infinite queries.
	Behavior             QueryBehavior
	InitialPageParam     any
	GetNextPageParam     PageParamFunc
	GetPreviousPageParam PageParamFunc
	MaxPages             int
	Pages                int

	defaulted bool
}

// merge returns o overlaid with every set field of over.
func (o QueryOptions) merge(over QueryOptions) QueryOptions {
	out := o
	if over.QueryKey != nil {
		out.QueryKey = over.QueryKey
	}
	if over.QueryHash != "" {
		out.QueryHash = over.QueryHash
	}
	if over.QueryKeyHashFn != nil {
		out.QueryKeyHashFn = over.QueryKeyHashFn
	}
	if over.QueryFn != nil {
		out.QueryFn = over.QueryFn
	}
	if over.Enabled != nil {
		out.Enabled = over.Enabled
	}
	if over.StaleTime != nil {
		out.StaleTime = over.StaleTime
	}
	if over.StaleTimeFunc != nil {
		out.StaleTimeFunc = over.StaleTimeFunc
	}
	if over.GcTime != nil {
		out.GcTime = over.GcTime
	}
	if over.Retry != nil {
		out.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		out.RetryDelay = over.RetryDelay
	}
	if over.NetworkMode != "" {
		out.NetworkMode = over.NetworkMode
	}
	if over.RetryOnMount != nil {
		out.RetryOnMount = over.RetryOnMount
	}
	if over.InitialData != nil {
		out.InitialData = over.InitialData
	}
	if over.InitialDataUpdatedAt != 0 {
		out.InitialDataUpdatedAt = over.InitialDataUpdatedAt
	}
	if over.PlaceholderData != nil {
		out.PlaceholderData = over.PlaceholderData
	}
	if over.Select != nil {
		out.Select = over.Select
	}
	if over.StructuralSharing != nil {
		out.StructuralSharing = over.StructuralSharing
	}
	if over.RefetchInterval != 0 {
		out.RefetchInterval = over.RefetchInterval
	}
	if over.RefetchIntervalFunc != nil {
		out.RefetchIntervalFunc = over.RefetchIntervalFunc
	}
	if over.RefetchIntervalInBackground {
		out.RefetchIntervalInBackground = true
	}
	if over.RefetchOnMount != RefetchUnset {
		out.RefetchOnMount = over.RefetchOnMount
	}
	if over.RefetchOnWindowFocus != RefetchUnset {
		out.RefetchOnWindowFocus = over.RefetchOnWindowFocus
	}
	if over.RefetchOnReconnect != RefetchUnset {
		out.RefetchOnReconnect = over.RefetchOnReconnect
	}
	if over.NotifyOnChangeProps != nil {
		out.NotifyOnChangeProps = over.NotifyOnChangeProps
	}
	if over.ThrowOnError {
		out.ThrowOnError = true
	}
	if over.Meta != nil {
		out.Meta = over.Meta
	}
	if over.Behavior != nil {
		out.Behavior = over.Behavior
	}
	if over.InitialPageParam != nil {
		out.InitialPageParam = over.InitialPageParam
	}
	if over.GetNextPageParam != nil {
		out.GetNextPageParam = over.GetNextPageParam
	}
	if over.GetPreviousPageParam != nil {
		out.GetPreviousPageParam = over.GetPreviousPageParam
	}
	if over.MaxPages != 0 {
		out.MaxPages = over.MaxPages
	}
	if over.Pages != 0 {
		out.Pages = over.Pages
	}
	out.defaulted = o.defaulted || over.defaulted
	return out
}

// hashKey derives the query hash for key under these options.
func (o QueryOptions) hashKey(key QueryKey) string {
	if o.QueryKeyHashFn != nil {
		return o.QueryKeyHashFn(key)
	}
	return keyhash.Hash(key)
}

func (o QueryOptions) enabled(q *Query) bool {
	if o.Enabled == nil {
		return true
	}
	return o.Enabled(q)
}

func (o QueryOptions) staleTime(q *Query) time.Duration {
	if o.StaleTimeFunc != nil {
		return o.StaleTimeFunc(q)
	}
	if o.StaleTime != nil {
		return *o.StaleTime
	}
	return 0
}

func (o QueryOptions) gcTime() time.Duration {
	if o.GcTime != nil {
		return *o.GcTime
	}
	return DefaultGcTime
}

func (o QueryOptions) retryPolicy() retryer.Policy {
	if o.Retry != nil {
		return o.Retry
	}
	return retryer.Times(DefaultQueryRetries)
}

func (o QueryOptions) refetchInterval(q *Query) time.Duration {
	if o.RefetchIntervalFunc != nil {
		return o.RefetchIntervalFunc(q)
	}
	return o.RefetchInterval
}

func (o QueryOptions) retryOnMount() bool {
	return o.RetryOnMount == nil || *o.RetryOnMount
}

func (o QueryOptions) replaceData(prev, next any) any {
	if o.StructuralSharing != nil {
		return o.StructuralSharing(prev, next)
	}
	if pi, ok := prev.(*InfiniteData); ok {
		if ni, ok := next.(*InfiniteData); ok {
			return shareInfiniteData(pi, ni)
		}
	}
	return sharing.ReplaceEqualDeep(prev, next)
}

// MutationScope serialises mutations that share an ID.
type MutationScope struct {
	ID string `json:"id"`
}

// MutationFunc performs a mutation.
type MutationFunc func(ctx context.Context, variables any) (any, error)

// MutationOptions configures a mutation. As with QueryOptions, zero values
// mean unset.
type MutationOptions struct {
	MutationKey QueryKey
	MutationFn  MutationFunc

	// OnMutate runs before the mutation function; its result is passed to
	// the other hooks as the mutation context.
	OnMutate  func(ctx context.Context, variables any) (any, error)
	OnSuccess func(data, variables, mctx any)
	OnError   func(err error, variables, mctx any)
	OnSettled func(data any, err error, variables, mctx any)

	// Retry defaults to Never.
	Retry       retryer.Policy
	RetryDelay  retryer.DelayFunc
	NetworkMode retryer.NetworkMode

	GcTime *time.Duration
	Scope  *MutationScope
	Meta   map[string]any

	ThrowOnError bool

	defaulted bool
}

func (o MutationOptions) merge(over MutationOptions) MutationOptions {
	out := o
	if over.MutationKey != nil {
		out.MutationKey = over.MutationKey
	}
	if over.MutationFn != nil {
		out.MutationFn = over.MutationFn
	}
	if over.OnMutate != nil {
		out.OnMutate = over.OnMutate
	}
	if over.OnSuccess != nil {
		out.OnSuccess = over.OnSuccess
	}
	if over.OnError != nil {
		out.OnError = over.OnError
	}
	if over.OnSettled != nil {
		out.OnSettled = over.OnSettled
	}
	if over.Retry != nil {
		out.Retry = over.Retry
	}
	if over.RetryDelay != nil {
		out.RetryDelay = over.RetryDelay
	}
	if over.NetworkMode != "" {
		out.NetworkMode = over.NetworkMode
	}
	if over.GcTime != nil {
		out.GcTime = over.GcTime
	}
	if over.Scope != nil {
		out.Scope = over.Scope
	}
	if over.Meta != nil {
		out.Meta = over.Meta
	}
	if over.ThrowOnError {
		out.ThrowOnError = true
	}
	out.defaulted = o.defaulted || over.defaulted
	return out
}

func (o MutationOptions) gcTime() time.Duration {
	if o.GcTime != nil {
		return *o.GcTime
	}
	return DefaultGcTime
}

func (o MutationOptions) retryPolicy() retryer.Policy {
	if o.Retry != nil {
		return o.Retry
	}
	return retryer.Never()
}

func (o MutationOptions) scopeID() (string, bool) {
	if o.Scope == nil {
		return "", false
	}
	return o.Scope.ID, true
}

// DefaultOptions are client-wide option defaults.
type DefaultOptions struct {
	Queries   QueryOptions
	Mutations MutationOptions
}

// isValidTimeout reports whether d can arm a timer.
func isValidTimeout(d time.Duration) bool {
	return d >= 0 && d != GcTimeInfinite
}

// timeUntilStale returns how long data updated at updatedAt stays fresh.
func timeUntilStale(updatedAt int64, staleTime time.Duration, now time.Time) time.Duration {
	if staleTime == StaleTimeInfinite {
		return StaleTimeInfinite
	}
	fresh := time.UnixMilli(updatedAt).Add(staleTime).Sub(now)
	return max(fresh, 0)
}
