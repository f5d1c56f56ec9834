package cli

import (
	"fmt"
	"os"

	"github.com/roach88/synq/internal/persist"
	"github.com/roach88/synq/internal/persist/sqlitestore"
)

// StoreOptions are the flags shared by commands that read a persisted
// client from SQLite.
type StoreOptions struct {
	Database string
	Key      string
}

// openExistingStore opens the database at path without creating it.
func openExistingStore(opts StoreOptions) (*sqlitestore.Store, *persist.StoragePersister, error) {
	if _, err := os.Stat(opts.Database); err != nil {
		return nil, nil, &notFoundError{path: opts.Database, err: err}
	}
	return openStore(opts)
}

// openStore opens or creates the database. Writes through the returned
// persister are synchronous.
func openStore(opts StoreOptions) (*sqlitestore.Store, *persist.StoragePersister, error) {
	st, err := openStoreForWrite(opts)
	if err != nil {
		return nil, nil, err
	}
	key := opts.Key
	if key == "" {
		key = persist.DefaultKey
	}
	return st, persist.NewStoragePersister(st, persist.WithKey(key), persist.WithThrottle(0)), nil
}

type notFoundError struct {
	path string
	err  error
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("database not found: %s", e.path)
}

func (e *notFoundError) Unwrap() error { return e.err }

func openStoreForWrite(opts StoreOptions) (*sqlitestore.Store, error) {
	st, err := sqlitestore.Open(opts.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Database, err)
	}
	return st, nil
}
