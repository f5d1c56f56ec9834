package cli

import (
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
	"github.com/spf13/cobra"
	"golang.org/x/text/message"

	"github.com/roach88/synq/internal/persist"
)

//go:embed snapshot.cue
var snapshotSchema string

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	StoreOptions
	File string
}

// ValidationError is one schema violation.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Source string            `json:"source"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// RenderText implements TextRenderer.
func (r ValidationResult) RenderText(w io.Writer, p *message.Printer) {
	if r.Valid {
		p.Fprintf(w, "%s: valid persisted client\n", r.Source)
		return
	}
	p.Fprintf(w, "%s: %d schema violation(s)\n", r.Source, len(r.Errors))
	for _, e := range r.Errors {
		if e.Line > 0 {
			p.Fprintf(w, "  line %d: %s: %s\n", e.Line, e.Path, e.Message)
		} else {
			p.Fprintf(w, "  %s: %s\n", e.Path, e.Message)
		}
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a persisted client against the snapshot schema",
		Long: `Check a persisted client against the snapshot schema.

The client is read from a JSON file (--file) or from a SQLite database
(--db). Exits with status 1 when the client violates the schema.

Example:
  synq validate --file ./client.json
  synq validate --db ./cache.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.File, "file", "", "path to a persisted client JSON file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.Key, "key", persist.DefaultKey, "storage key of the persisted client")
	cmd.MarkFlagsMutuallyExclusive("file", "db")
	cmd.MarkFlagsOneRequired("file", "db")

	return cmd
}

func runValidate(opts *ValidateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	raw, source, err := readSnapshot(opts, cmd)
	if err != nil {
		return err
	}
	formatter.VerboseLog("Validating %d bytes from %s", len(raw), source)

	result := ValidationResult{Source: source}
	result.Errors, err = validateSnapshot(source, raw)
	if err != nil {
		_ = formatter.Error(ErrCodeDecode, "persisted client is not valid JSON", err.Error())
		return WrapExitError(ExitFailure, "invalid JSON", err)
	}
	result.Valid = len(result.Errors) == 0

	if err := formatter.Success(result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, fmt.Sprintf("%d schema violation(s)", len(result.Errors)))
	}
	return nil
}

func readSnapshot(opts *ValidateOptions, cmd *cobra.Command) ([]byte, string, error) {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.File != "" {
		raw, err := os.ReadFile(opts.File)
		if err != nil {
			_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("cannot read %s", opts.File), err.Error())
			return nil, "", WrapExitError(ExitCommandError, "failed to read file", err)
		}
		return raw, opts.File, nil
	}

	st, _, err := openExistingStore(opts.StoreOptions)
	if err != nil {
		return nil, "", storeError(formatter, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	raw, err := st.GetItem(cmd.Context(), opts.Key)
	if err != nil {
		_ = formatter.Error(ErrCodeStorage, "failed to read persisted client", err.Error())
		return nil, "", WrapExitError(ExitCommandError, "failed to read persisted client", err)
	}
	if raw == nil {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("no persisted client under key %q", opts.Key), nil)
		return nil, "", NewExitError(ExitFailure, "nothing persisted")
	}
	return raw, fmt.Sprintf("%s#%s", opts.Database, opts.Key), nil
}

// validateSnapshot unifies raw with #PersistedClient. The returned error is
// set only when raw is not JSON.
func validateSnapshot(filename string, raw []byte) ([]ValidationError, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(snapshotSchema, cue.Filename("snapshot.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	expr, err := cuejson.Extract(filename, raw)
	if err != nil {
		return nil, err
	}
	value := ctx.BuildExpr(expr)
	if err := value.Err(); err != nil {
		return nil, err
	}

	unified := schema.LookupPath(cue.ParsePath("#PersistedClient")).Unify(value)
	err = unified.Validate(cue.Concrete(true), cue.All())
	if err == nil {
		return nil, nil
	}

	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		if ve.Path == "" {
			ve.Path = "."
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == filename {
				ve.Line = pos.Line()
				break
			}
		}
		out = append(out, ve)
	}
	return out, nil
}
