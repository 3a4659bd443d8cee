package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/config"
	"github.com/balanced/balanced/internal/service"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config string

	// Options are appended to the service options (for testing).
	Options []service.Option
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatch daemon",
		Long: `Open the configured adapters, consume requests from the AMQP ingress
queue, and reconcile best-effort stores until SIGINT or SIGTERM.

On shutdown the ingress stops taking deliveries and requests already being
handled run to a terminal result and are acknowledged. Queued best-effort
writes are then drained for up to coordinator.drain_timeout, and adapters
are closed.

Example:
  balancedd serve --config /etc/balanced/balanced.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "balanced.yaml", "configuration file")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger, err := commandLogger(cfg, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = logger.Sync() }()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svcOpts := append([]service.Option{service.WithLogger(logger)}, opts.Options...)
	svc, err := service.New(ctx, cfg, svcOpts...)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start service", err)
	}

	logger.Info("balancedd started",
		zap.String("version", Version),
		zap.String("config", opts.Config),
		zap.Int("adapters", len(svc.Adapters())),
		zap.Bool("ingress", cfg.Ingress.Enabled),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "balancedd started. Press Ctrl-C to stop.")

	runErr := svc.Run(ctx)
	stop()
	if runErr != nil {
		logger.Error("service stopped with error", zap.Error(runErr))
	} else {
		logger.Info("shutting down", zap.Duration("drain_timeout", cfg.Coordinator.DrainTimeout))
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Coordinator.DrainTimeout)
	defer cancel()
	closeErr := svc.Close(drainCtx)
	if closeErr != nil {
		logger.Error("shutdown incomplete", zap.Error(closeErr))
	}

	if err := errors.Join(runErr, closeErr); err != nil {
		return WrapExitError(ExitFailure, "balancedd stopped with errors", err)
	}
	logger.Info("balancedd stopped gracefully")
	return nil
}
