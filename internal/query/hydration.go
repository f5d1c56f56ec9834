package query

// DehydratedQueryState is the serialisable form of QueryState. Errors keep
// only their message.
type DehydratedQueryState struct {
	Data               any         `json:"data"`
	DataUpdateCount    int         `json:"dataUpdateCount"`
	DataUpdatedAt      int64       `json:"dataUpdatedAt"`
	Error              *string     `json:"error"`
	ErrorUpdateCount   int         `json:"errorUpdateCount"`
	ErrorUpdatedAt     int64       `json:"errorUpdatedAt"`
	FetchFailureCount  int         `json:"fetchFailureCount"`
	FetchFailureReason *string     `json:"fetchFailureReason"`
	FetchMeta          *FetchMeta  `json:"fetchMeta"`
	IsInvalidated      bool        `json:"isInvalidated"`
	Status             Status      `json:"status"`
	FetchStatus        FetchStatus `json:"fetchStatus"`
}

// DehydratedQuery is one query in a DehydratedState.
type DehydratedQuery struct {
	QueryHash    string               `json:"queryHash"`
	QueryKey     QueryKey             `json:"queryKey"`
	State        DehydratedQueryState `json:"state"`
	DehydratedAt int64                `json:"dehydratedAt,omitempty"`
	Meta         map[string]any       `json:"meta,omitempty"`
}

// DehydratedMutationState is the serialisable form of MutationState.
type DehydratedMutationState struct {
	Context       any            `json:"context"`
	Data          any            `json:"data"`
	Error         *string        `json:"error"`
	FailureCount  int            `json:"failureCount"`
	FailureReason *string        `json:"failureReason"`
	IsPaused      bool           `json:"isPaused"`
	Status        MutationStatus `json:"status"`
	Variables     any            `json:"variables"`
	SubmittedAt   int64          `json:"submittedAt"`
}

// DehydratedMutation is one mutation in a DehydratedState.
type DehydratedMutation struct {
	MutationKey QueryKey                `json:"mutationKey,omitempty"`
	State       DehydratedMutationState `json:"state"`
	Scope       *MutationScope          `json:"scope,omitempty"`
	Meta        map[string]any          `json:"meta,omitempty"`
}

// DehydratedState is a serialisable snapshot of a client's caches.
type DehydratedState struct {
	Queries   []DehydratedQuery    `json:"queries"`
	Mutations []DehydratedMutation `json:"mutations"`
}

// DehydrateOptions select what goes into a snapshot.
type DehydrateOptions struct {
	// ShouldDehydrateQuery defaults to successful queries.
	ShouldDehydrateQuery func(*Query) bool

	// ShouldDehydrateMutation defaults to paused mutations.
	ShouldDehydrateMutation func(*Mutation) bool

	// SerializeData transforms query data before it is stored.
	SerializeData func(any) any
}

// DefaultShouldDehydrateQuery keeps successful queries.
func DefaultShouldDehydrateQuery(q *Query) bool {
	return q.State().Status == StatusSuccess
}

// DefaultShouldDehydrateMutation keeps paused mutations.
func DefaultShouldDehydrateMutation(m *Mutation) bool {
	return m.State().IsPaused
}

// Dehydrate snapshots the selected queries and mutations of client.
func Dehydrate(client *Client, opts DehydrateOptions) DehydratedState {
	shouldQuery := opts.ShouldDehydrateQuery
	if shouldQuery == nil {
		shouldQuery = DefaultShouldDehydrateQuery
	}
	shouldMutation := opts.ShouldDehydrateMutation
	if shouldMutation == nil {
		shouldMutation = DefaultShouldDehydrateMutation
	}

	out := DehydratedState{
		Queries:   []DehydratedQuery{},
		Mutations: []DehydratedMutation{},
	}
	for _, m := range client.mutationCache.GetAll() {
		if shouldMutation(m) {
			out.Mutations = append(out.Mutations, DehydrateMutation(m))
		}
	}
	for _, q := range client.queryCache.GetAll() {
		if shouldQuery(q) {
			out.Queries = append(out.Queries, dehydrateQuery(q, opts.SerializeData, client.now().UnixMilli()))
		}
	}
	return out
}

// DehydrateQuery snapshots a single query.
func DehydrateQuery(q *Query) DehydratedQuery {
	return dehydrateQuery(q, nil, q.cache.now().UnixMilli())
}

func dehydrateQuery(q *Query, serialize func(any) any, now int64) DehydratedQuery {
	s := q.State()
	data := s.Data
	if data != nil && serialize != nil {
		data = serialize(data)
	}
	return DehydratedQuery{
		QueryHash: q.Hash(),
		QueryKey:  q.Key(),
		State: DehydratedQueryState{
			Data:               data,
			DataUpdateCount:    s.DataUpdateCount,
			DataUpdatedAt:      s.DataUpdatedAt,
			Error:              errorMessage(s.Error),
			ErrorUpdateCount:   s.ErrorUpdateCount,
			ErrorUpdatedAt:     s.ErrorUpdatedAt,
			FetchFailureCount:  s.FetchFailureCount,
			FetchFailureReason: errorMessage(s.FetchFailureReason),
			FetchMeta:          s.FetchMeta,
			IsInvalidated:      s.IsInvalidated,
			Status:             s.Status,
			FetchStatus:        s.FetchStatus,
		},
		DehydratedAt: now,
		Meta:         q.Meta(),
	}
}

// DehydrateMutation snapshots a single mutation.
func DehydrateMutation(m *Mutation) DehydratedMutation {
	s := m.State()
	opts := m.Options()
	return DehydratedMutation{
		MutationKey: opts.MutationKey,
		State: DehydratedMutationState{
			Context:       s.Context,
			Data:          s.Data,
			Error:         errorMessage(s.Error),
			FailureCount:  s.FailureCount,
			FailureReason: errorMessage(s.FailureReason),
			IsPaused:      s.IsPaused,
			Status:        s.Status,
			Variables:     s.Variables,
			SubmittedAt:   s.SubmittedAt,
		},
		Scope: opts.Scope,
		Meta:  opts.Meta,
	}
}

// HydrateOptions tune Hydrate.
type HydrateOptions struct {
	// DeserializeData reverses DehydrateOptions.SerializeData.
	DeserializeData func(any) any

	// DefaultOptions apply to queries and mutations created by Hydrate.
	DefaultOptions DefaultOptions
}

// Hydrate restores a snapshot into client without fetching. Missing queries
// are created idle; existing ones are overwritten only when the snapshot
// data is newer, and keep their fetch status.
func Hydrate(client *Client, state DehydratedState, opts HydrateOptions) {
	client.notifier.Batch(func() {
		for _, dm := range state.Mutations {
			mo := opts.DefaultOptions.Mutations.merge(MutationOptions{
				MutationKey: dm.MutationKey,
				Scope:       dm.Scope,
				Meta:        dm.Meta,
			})
			ms := restoreMutationState(dm.State)
			client.mutationCache.Build(client, mo, &ms)
		}

		for _, dq := range state.Queries {
			hydrateQuery(client, dq, opts)
		}
	})
}

func hydrateQuery(client *Client, dq DehydratedQuery, opts HydrateOptions) {
	data := dq.State.Data
	if data != nil && opts.DeserializeData != nil {
		data = opts.DeserializeData(data)
	}
	restored := restoreQueryState(dq.State)
	restored.Data = data

	if q := client.queryCache.Get(dq.QueryHash); q != nil {
		current := q.State()
		if current.DataUpdatedAt < restored.DataUpdatedAt {
			restored.FetchStatus = current.FetchStatus
			q.SetState(restored)
		}
		return
	}

	restored.FetchStatus = FetchStatusIdle
	if data != nil {
		restored.Status = StatusSuccess
	}
	qo := opts.DefaultOptions.Queries.merge(QueryOptions{
		QueryKey:  dq.QueryKey,
		QueryHash: dq.QueryHash,
		Meta:      dq.Meta,
	})
	client.queryCache.Build(client, qo, &restored)
}

func restoreQueryState(s DehydratedQueryState) QueryState {
	return QueryState{
		Data:               s.Data,
		DataUpdateCount:    s.DataUpdateCount,
		DataUpdatedAt:      s.DataUpdatedAt,
		Error:              restoreError(s.Error),
		ErrorUpdateCount:   s.ErrorUpdateCount,
		ErrorUpdatedAt:     s.ErrorUpdatedAt,
		FetchFailureCount:  s.FetchFailureCount,
		FetchFailureReason: restoreError(s.FetchFailureReason),
		FetchMeta:          s.FetchMeta,
		IsInvalidated:      s.IsInvalidated,
		Status:             s.Status,
		FetchStatus:        s.FetchStatus,
	}
}

func restoreMutationState(s DehydratedMutationState) MutationState {
	return MutationState{
		Context:       s.Context,
		Data:          s.Data,
		Error:         restoreError(s.Error),
		FailureCount:  s.FailureCount,
		FailureReason: restoreError(s.FailureReason),
		IsPaused:      s.IsPaused,
		Status:        s.Status,
		Variables:     s.Variables,
		SubmittedAt:   s.SubmittedAt,
	}
}

func errorMessage(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}

func restoreError(msg *string) error {
	if msg == nil {
		return nil
	}
	return &DehydratedError{Message: *msg}
}
