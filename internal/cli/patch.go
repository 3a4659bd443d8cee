package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/balanced/balanced/internal/config"
	"github.com/balanced/balanced/internal/dispatch"
	"github.com/balanced/balanced/internal/logging"
	"github.com/balanced/balanced/internal/service"
)

// PatchOptions holds flags for the patch command.
type PatchOptions struct {
	*RootOptions
	Config string

	// Opener overrides adapter construction (for testing).
	Opener service.Opener
	// IDs overrides the request id generator (for testing).
	IDs dispatch.IDGenerator
}

// NewPatchCommand creates the patch command.
func NewPatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "patch <request-file>",
		Short: "Send one request through the configured stores",
		Long: `Run a single create, patch or delete request to a terminal outcome
against the adapters in the configuration file. Best-effort adapters are
updated before the command returns.

The request file holds a JSON request; "-" reads stdin:

  {"kind": "patch", "document_id": "D1", "expected_version": 3,
   "ops": [{"op": "replace", "path": "/amount", "value": 150}]}

Exit codes:
  0 - Committed
  1 - Rejected or failed
  2 - Command error (config, unreadable request, adapter unreachable)

Examples:
  balanced patch --config balanced.yaml request.json
  balanced patch --config balanced.yaml --format json - < request.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPatch(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "balanced.yaml", "configuration file")

	return cmd
}

func runPatch(opts *PatchOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := config.Load(opts.Config)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	// one-shot: nothing consumes the ingress queue
	cfg.Ingress.Enabled = false

	data, err := readInput(cmd, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read request", err)
	}
	var req dispatch.Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = f.Error(ErrCodeRequest, fmt.Sprintf("malformed request: %v", err), nil)
		return WrapExitError(ExitCommandError, "malformed request", err)
	}

	logger, err := commandLogger(cfg, opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build logger", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	svcOpts := []service.Option{service.WithLogger(logger), service.WithInlineBestEffort()}
	if opts.Opener != nil {
		svcOpts = append(svcOpts, service.WithOpener(opts.Opener))
	}
	if opts.IDs != nil {
		svcOpts = append(svcOpts, service.WithIDGenerator(opts.IDs))
	}
	svc, err := service.New(ctx, cfg, svcOpts...)
	if err != nil {
		_ = f.Error(ErrCodeService, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to start service", err)
	}

	res := svc.Handle(ctx, req)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Coordinator.DrainTimeout)
	defer cancel()
	if err := svc.Close(drainCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	if err := outputResult(f, res); err != nil {
		return err
	}
	if !res.Committed() {
		return NewExitError(ExitFailure, fmt.Sprintf("request %s %s: %s", res.RequestID, res.Outcome, res.Code))
	}
	return nil
}

func outputResult(f *OutputFormatter, res dispatch.Result) error {
	if f.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: res, RequestID: res.RequestID}
		if !res.Committed() {
			resp.Status = "error"
			resp.Error = &CLIError{Code: string(res.Code), Message: res.Reason}
		}
		return f.encode(resp)
	}

	w := f.Writer
	fmt.Fprintf(w, "%s %s v%d (%s)\n", res.Outcome, res.DocumentID, res.Version, res.RequestID)
	if !res.Committed() {
		fmt.Fprintf(w, "  %s: %s\n", res.Code, res.Reason)
		if res.FieldPath != "" {
			fmt.Fprintf(w, "  field: %s\n", res.FieldPath)
		}
		if res.OpIndex != nil {
			fmt.Fprintf(w, "  op: %d\n", *res.OpIndex)
		}
	}
	return nil
}

// commandLogger builds the configured logger on w; --verbose forces debug.
func commandLogger(cfg *config.Config, opts *RootOptions, w io.Writer) (*zap.Logger, error) {
	logger, level, err := logging.NewWithWriter(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}, zapcore.Lock(zapcore.AddSync(w)))
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		level.SetLevel(zap.DebugLevel)
	}
	return logger, nil
}
