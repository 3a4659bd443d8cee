package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the balanced command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "balanced",
		Short: "balanced - multi-store document dispatch",
		Long: `Validate schemas, send single requests through the configured stores,
and run fault-injection scenarios against in-memory adapters.`,
		PersistentPreRunE: opts.validate,
	}
	opts.bind(cmd)

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewPatchCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

// NewDaemonCommand creates the balancedd command.
func NewDaemonCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "balancedd",
		Short: "balancedd - request dispatch daemon",
		Long: `Serve requests from the AMQP ingress queue and reconcile best-effort
stores until interrupted.`,
		PersistentPreRunE: opts.validate,
	}
	opts.bind(cmd)

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}

func (opts *RootOptions) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
}

func (opts *RootOptions) validate(*cobra.Command, []string) error {
	if !slices.Contains(ValidFormats, opts.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
	}
	return nil
}
