// Package persist saves a query client to durable storage and restores it on
// start-up.
//
// A Persister stores one PersistedClient: a dehydrated snapshot of the
// client plus the time it was taken and a cache buster. Restore discards
// snapshots that are older than the configured max age or carry a different
// buster. Subscribe saves a fresh snapshot whenever the query or mutation
// cache changes.
//
// StoragePersister adapts any key/value Storage into a Persister with
// throttled writes. The sqlitestore subpackage provides a SQLite Storage.
package persist
