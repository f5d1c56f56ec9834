package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/synq/internal/persist"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	StoreOptions
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove the persisted client",
		Long: `Remove the persisted client from a SQLite database. The next restore
starts from an empty cache.

Example:
  synq purge --db ./cache.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Key, "key", persist.DefaultKey, "storage key of the persisted client")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runPurge(opts *PurgeOptions, cmd *cobra.Command) error {
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

	if err := persister.RemoveClient(cmd.Context()); err != nil {
		_ = formatter.Error(ErrCodeStorage, "failed to remove persisted client", err.Error())
		return WrapExitError(ExitFailure, "failed to remove persisted client", err)
	}

	if opts.Format == "text" {
		return formatter.Success(fmt.Sprintf("Removed persisted client %q from %s", opts.Key, opts.Database))
	}
	return formatter.Success(map[string]string{"key": opts.Key, "database": opts.Database})
}
