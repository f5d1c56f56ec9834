package cli

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/synq/internal/persist"
	"github.com/roach88/synq/internal/persist/sqlitestore"
	"github.com/roach88/synq/internal/query"
)

// seedDatabase persists a client with two queries saved at savedAt and
// returns the database path.
func seedDatabase(t *testing.T, savedAt time.Time, buster string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")

	st, err := sqlitestore.Open(path)
	require.NoError(t, err)
	defer st.Close()

	c := query.NewClient(query.ClientConfig{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    func() time.Time { return savedAt },
	})
	defer c.Clear()
	c.SetQueryData(query.QueryKey{"todos"}, func(any) any { return []any{"a"} }, query.SetDataOptions{})
	c.SetQueryData(query.QueryKey{"user", 1}, func(any) any { return map[string]any{"name": "ada"} }, query.SetDataOptions{})

	p := persist.NewStoragePersister(st, persist.WithThrottle(0))
	require.NoError(t, persist.Save(context.Background(), c, p, persist.WithBuster(buster)))
	return path
}

func readRaw(t *testing.T, path string) []byte {
	t.Helper()
	st, err := sqlitestore.Open(path)
	require.NoError(t, err)
	defer st.Close()
	raw, err := st.GetItem(context.Background(), persist.DefaultKey)
	require.NoError(t, err)
	return raw
}
