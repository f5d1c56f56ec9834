package query

import (
	"github.com/roach88/synq/internal/keyhash"
)

// QueryType narrows QueryFilters by observer activity.
type QueryType string

const (
	QueryTypeAll      QueryType = "all"
	QueryTypeActive   QueryType = "active"
	QueryTypeInactive QueryType = "inactive"

	// QueryTypeNone is only meaningful as InvalidateOptions.RefetchType.
	QueryTypeNone QueryType = "none"
)

// QueryFilters select queries from a cache. Zero fields match everything.
type QueryFilters struct {
	QueryKey    QueryKey
	Exact       bool
	Type        QueryType
	Stale       *bool
	FetchStatus FetchStatus
	Status      Status
	Predicate   func(*Query) bool
}

// Matches reports whether q passes every filter.
func (f QueryFilters) Matches(q *Query) bool {
	if f.QueryKey != nil {
		if f.Exact {
			if q.Hash() != q.Options().hashKey(f.QueryKey) {
				return false
			}
		} else if !keyhash.PartialMatch(q.Key(), f.QueryKey) {
			return false
		}
	}

	if f.Type != "" && f.Type != QueryTypeAll {
		active := q.IsActive()
		if f.Type == QueryTypeActive && !active {
			return false
		}
		if f.Type == QueryTypeInactive && active {
			return false
		}
	}

	if f.Stale != nil && q.IsStale() != *f.Stale {
		return false
	}

	s := q.State()
	if f.FetchStatus != "" && f.FetchStatus != s.FetchStatus {
		return false
	}
	if f.Status != "" && f.Status != s.Status {
		return false
	}

	if f.Predicate != nil && !f.Predicate(q) {
		return false
	}
	return true
}

// MutationStatus is the status of a mutation.
type MutationStatus string

const (
	MutationStatusIdle    MutationStatus = "idle"
	MutationStatusPending MutationStatus = "pending"
	MutationStatusSuccess MutationStatus = "success"
	MutationStatusError   MutationStatus = "error"
)

// MutationFilters select mutations from a cache.
type MutationFilters struct {
	MutationKey QueryKey
	Exact       bool
	Status      MutationStatus
	Predicate   func(*Mutation) bool
}

// Matches reports whether m passes every filter.
func (f MutationFilters) Matches(m *Mutation) bool {
	if f.MutationKey != nil {
		key := m.Options().MutationKey
		if key == nil {
			return false
		}
		if f.Exact {
			if keyhash.Hash(key) != keyhash.Hash(f.MutationKey) {
				return false
			}
		} else if !keyhash.PartialMatch(key, f.MutationKey) {
			return false
		}
	}

	if f.Status != "" && m.State().Status != f.Status {
		return false
	}

	if f.Predicate != nil && !f.Predicate(m) {
		return false
	}
	return true
}
