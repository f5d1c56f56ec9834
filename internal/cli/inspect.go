package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/synq/internal/keyhash"
	"github.com/roach88/synq/internal/persist"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	StoreOptions
	MaxAge time.Duration
	Buster string
}

// QuerySummary describes one persisted query.
type QuerySummary struct {
	QueryHash     string  `json:"queryHash"`
	Status        string  `json:"status"`
	FetchStatus   string  `json:"fetchStatus"`
	DataUpdatedAt int64   `json:"dataUpdatedAt"`
	IsInvalidated bool    `json:"isInvalidated"`
	Error         *string `json:"error,omitempty"`
}

// MutationSummary describes one persisted mutation.
type MutationSummary struct {
	MutationKey string `json:"mutationKey,omitempty"`
	Status      string `json:"status"`
	IsPaused    bool   `json:"isPaused"`
	SubmittedAt int64  `json:"submittedAt"`
}

// InspectResult is the output of the inspect command.
type InspectResult struct {
	Key       string            `json:"key"`
	Timestamp int64             `json:"timestamp"`
	Buster    string            `json:"buster"`
	Expired   bool              `json:"expired"`
	Busted    bool              `json:"busted"`
	Queries   []QuerySummary    `json:"queries"`
	Mutations []MutationSummary `json:"mutations"`
}

// RenderText implements TextRenderer.
func (r InspectResult) RenderText(w io.Writer, p *message.Printer) {
	p.Fprintf(w, "Persisted client %q saved %s\n", r.Key, time.UnixMilli(r.Timestamp).UTC().Format(time.RFC3339))
	switch {
	case r.Busted:
		p.Fprintf(w, "Buster %q does not match; restore would discard it\n", r.Buster)
	case r.Expired:
		p.Fprintf(w, "Older than max age; restore would discard it\n")
	}
	p.Fprintf(w, "%d queries, %d mutations\n", len(r.Queries), len(r.Mutations))

	if len(r.Queries) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nQUERY\tSTATUS\tFETCH\tUPDATED")
		for _, q := range r.Queries {
			updated := "-"
			if q.DataUpdatedAt > 0 {
				updated = time.UnixMilli(q.DataUpdatedAt).UTC().Format(time.RFC3339)
			}
			status := q.Status
			if q.IsInvalidated {
				status += " (invalidated)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", q.QueryHash, status, q.FetchStatus, updated)
		}
		tw.Flush()
	}

	if len(r.Mutations) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nMUTATION\tSTATUS\tPAUSED")
		for _, m := range r.Mutations {
			key := m.MutationKey
			if key == "" {
				key = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%t\n", key, m.Status, m.IsPaused)
		}
		tw.Flush()
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "List the queries and mutations of a persisted client",
		Long: `Read the persisted client from a SQLite database and list its queries
and mutations without restoring or modifying it.

Example:
  synq inspect --db ./cache.db
  synq inspect --db ./cache.db --format yaml --buster v2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Key, "key", persist.DefaultKey, "storage key of the persisted client")
	cmd.Flags().DurationVar(&opts.MaxAge, "max-age", persist.DefaultMaxAge, "age after which a client is discarded on restore")
	cmd.Flags().StringVar(&opts.Buster, "buster", "", "expected cache buster")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runInspect(opts *InspectOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	st, persister, err := openExistingStore(opts.StoreOptions)
	if err != nil {
		return storeError(formatter, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	pc, err := persister.RestoreClient(cmd.Context())
	if err != nil {
		_ = formatter.Error(ErrCodeDecode, "persisted client is unreadable", err.Error())
		return WrapExitError(ExitFailure, "failed to read persisted client", err)
	}
	if pc == nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no persisted client under key %q", opts.Key), nil)
		return NewExitError(ExitFailure, "nothing persisted")
	}

	result := InspectResult{
		Key:       opts.Key,
		Timestamp: pc.Timestamp,
		Buster:    pc.Buster,
		Expired:   time.Since(time.UnixMilli(pc.Timestamp)) > opts.MaxAge,
		Busted:    pc.Buster != opts.Buster,
		Queries:   make([]QuerySummary, 0, len(pc.ClientState.Queries)),
		Mutations: make([]MutationSummary, 0, len(pc.ClientState.Mutations)),
	}
	for _, q := range pc.ClientState.Queries {
		result.Queries = append(result.Queries, QuerySummary{
			QueryHash:     q.QueryHash,
			Status:        string(q.State.Status),
			FetchStatus:   string(q.State.FetchStatus),
			DataUpdatedAt: q.State.DataUpdatedAt,
			IsInvalidated: q.State.IsInvalidated,
			Error:         q.State.Error,
		})
	}
	for _, m := range pc.ClientState.Mutations {
		s := MutationSummary{
			Status:      string(m.State.Status),
			IsPaused:    m.State.IsPaused,
			SubmittedAt: m.State.SubmittedAt,
		}
		if m.MutationKey != nil {
			s.MutationKey = keyhash.Hash(m.MutationKey)
		}
		result.Mutations = append(result.Mutations, s)
	}

	formatter.VerboseLog("Read persisted client with %d queries from %s", len(pc.ClientState.Queries), opts.Database)
	return formatter.Success(result)
}

// storeError reports a failure to open the database.
func storeError(formatter *OutputFormatter, err error) error {
	var nf *notFoundError
	if errors.As(err, &nf) {
		_ = formatter.Error(ErrCodeNotFound, nf.Error(), nil)
		return WrapExitError(ExitCommandError, "database not found", err)
	}
	_ = formatter.Error(ErrCodeStorage, "failed to open database", err.Error())
	return WrapExitError(ExitCommandError, "failed to open database", err)
}
