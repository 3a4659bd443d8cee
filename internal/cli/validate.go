package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/balanced/balanced/internal/document"
	"github.com/balanced/balanced/internal/schema"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Ref  string // schema to check Body against
	Body string // JSON body file, "-" for stdin
}

// ValidationResult is the validate command's payload.
type ValidationResult struct {
	Valid      bool               `json:"valid"`
	Schemas    []string           `json:"schemas"`
	Ref        string             `json:"ref,omitempty"`
	Violations []schema.Violation `json:"violations,omitempty"`
}

func (r ValidationResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d schema(s) loaded: %s", len(r.Schemas), strings.Join(r.Schemas, ", "))
	if r.Ref != "" {
		fmt.Fprintf(&b, "\nbody is valid against %s", r.Ref)
	}
	return b.String()
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <schemas-dir>",
		Short: "Check schemas and optionally a document body",
		Long: `Compile every <ref>.cue file in a directory. Each file must define #Body.

With --ref and --body, also validate a JSON document body against one schema.

Exit codes:
  0 - Schemas (and body) valid
  1 - A schema does not compile or the body is invalid
  2 - Command error

Examples:
  balanced validate ./schemas
  balanced validate ./schemas --ref payment --body payment.json
  echo '{"amount": 5}' | balanced validate ./schemas --ref payment --body -`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Ref, "ref", "", "schema_ref to validate --body against")
	cmd.Flags().StringVar(&opts.Body, "body", "", `JSON body file ("-" reads stdin)`)
	cmd.MarkFlagsRequiredTogether("ref", "body")

	return cmd
}

func runValidate(opts *ValidateOptions, dir string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if _, err := os.Stat(dir); err != nil {
		return WrapExitError(ExitCommandError, "schemas directory not found", err)
	}

	registry := schema.NewRegistry()
	refs, err := registry.LoadDir(dir)
	if err != nil {
		_ = f.Error(ErrCodeSchema, err.Error(), nil)
		return WrapExitError(ExitFailure, "schema load failed", err)
	}
	f.VerboseLog("loaded %d schema(s) from %s", len(refs), dir)

	result := ValidationResult{Valid: true, Schemas: refs}
	if refs == nil {
		result.Schemas = []string{}
	}
	if opts.Ref == "" {
		return f.Success(result)
	}

	data, err := readInput(cmd, opts.Body)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read body", err)
	}
	body, err := document.ParseObject(data)
	if err != nil {
		_ = f.Error(ErrCodeRequest, fmt.Sprintf("body: %v", err), nil)
		return WrapExitError(ExitFailure, "invalid body", err)
	}

	result.Ref = opts.Ref
	if err := registry.Validate(body, opts.Ref); err != nil {
		var ve *schema.ValidationError
		if !errors.As(err, &ve) {
			_ = f.Error(ErrCodeSchema, err.Error(), nil)
			return WrapExitError(ExitFailure, "validation failed", err)
		}
		result.Valid = false
		result.Violations = ve.Violations
		_ = f.Error(ErrCodeSchema, ve.Error(), result)
		return WrapExitError(ExitFailure, "body is invalid", err)
	}
	return f.Success(result)
}

// readInput reads path, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}
