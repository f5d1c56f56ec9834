// Package query implements the cache and observer engine.
//
// A Client owns a QueryCache and a MutationCache. The QueryCache holds one
// Query per query hash; each Query is a state machine that runs its fetch
// function through a retryer, deduplicates concurrent fetches and is garbage
// collected once it has had no observers for its gc time. Observers give a
// caller a computed, change-filtered Result over a Query and trigger fetches
// on mount, on focus, on reconnect and on an interval.
//
// Concurrency model:
//   - every Query, Mutation and Observer guards its own state with a mutex
//   - no lock is held while calling into another component, a user function
//     or a listener
//   - listener callbacks are routed through the client's notify.Manager, so
//     one state transition flushes its callbacks once
//   - every fetch is stamped with a per-query generation; a settlement whose
//     generation is no longer current is discarded
//
// Errors never cross the cache boundary. A failed fetch is recorded in
// QueryState and surfaced by observers as Result.Status == StatusError.
package query
