package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/synq/internal/keyhash"
)

// HashResult is the output of the hash command.
type HashResult struct {
	Key  []any  `json:"key"`
	Hash string `json:"hash"`
}

// RenderText implements TextRenderer.
func (r HashResult) RenderText(w io.Writer, _ *message.Printer) {
	fmt.Fprintln(w, r.Hash)
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <key-json>",
		Short: "Print the canonical hash of a query key",
		Long: `Print the canonical hash of a query key given as a JSON array.

Object keys are sorted, so keys that differ only in property order share
a hash.

Example:
  synq hash '["todos",{"page":1,"done":false}]'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(rootOpts, args[0], cmd)
		},
	}
}

func runHash(opts *RootOptions, raw string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	var key []any
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		_ = formatter.Error(ErrCodeDecode, "query key must be a JSON array", err.Error())
		return WrapExitError(ExitCommandError, "invalid query key", err)
	}
	if key == nil {
		key = []any{}
	}

	return formatter.Success(HashResult{Key: key, Hash: keyhash.Hash(key)})
}
