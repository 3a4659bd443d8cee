package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balanced/balanced/internal/store/memstore"
	"github.com/balanced/balanced/internal/service"
)

func serveWith(t *testing.T, ctx context.Context, opts *ServeOptions) (string, string, error) {
	t.Helper()
	var out, errOut strings.Builder
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := runServe(opts, cmd)
	return out.String(), errOut.String(), err
}

func TestServe_StopsOnCancel(t *testing.T) {
	stores := map[string]*memstore.Store{}
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Config:      writeConfig(t),
		Options:     []service.Option{service.WithOpener(seededOpener(stores, seedD1))},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, _, err := serveWith(t, ctx, opts)
	require.NoError(t, err)
	assert.Contains(t, out, "balancedd started")
	assert.Len(t, stores, 2)
}

func TestServe_VerboseLogsToStderr(t *testing.T) {
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text", Verbose: true},
		Config:      writeConfig(t),
		Options:     []service.Option{service.WithOpener(seededOpener(map[string]*memstore.Store{}))},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, logs, err := serveWith(t, ctx, opts)
	require.NoError(t, err)
	assert.Contains(t, logs, "balancedd started")
	assert.Contains(t, logs, "balancedd stopped gracefully")
}

func TestServe_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balanced.yaml")
	require.NoError(t, os.WriteFile(path, []byte("adapters: []\n"), 0o644))

	_, _, err := serveWith(t, context.Background(), &ServeOptions{RootOptions: &RootOptions{Format: "text"}, Config: path})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "at least one adapter is required")
}

func TestServe_MissingSchemas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balanced.yaml")
	cfg := "schemas: {dir: " + filepath.Join(t.TempDir(), "nope") + "}\nadapters: [{name: ledger, kind: memory}]\n"
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))

	_, _, err := serveWith(t, context.Background(), &ServeOptions{RootOptions: &RootOptions{Format: "text"}, Config: path})
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "load schemas")
}
