package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: create_commits
description: A create reaches the ledger.
schemas:
  payment: "#Body: {amount!: int}"
adapters:
  - {name: ledger, consistency: strong}
flow:
  - request: {kind: create, document_id: D1, schema_ref: payment, body: {amount: 1}}
    expect: {outcome: committed, version: 1}
assertions:
  - {type: record, adapter: ledger, id: D1, version: 1}
`

const failingScenario = `
name: wrong_expectation
description: The expect clause is wrong on purpose.
schemas:
  payment: "#Body: {amount!: int}"
adapters:
  - {name: ledger, consistency: strong}
flow:
  - request: {kind: create, document_id: D1, schema_ref: payment, body: {amount: 1}}
    expect: {outcome: rejected}
`

// scenarioTree lays out <root>/scenarios/<name>.yaml and returns the
// scenarios directory.
func scenarioTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.Mkdir(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestTest_AllPass(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"create_commits.yaml": passingScenario})

	out, _, err := execute(t, NewRootCommand(), "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ create_commits")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "All scenarios passed")
}

func TestTest_Failure(t *testing.T) {
	dir := scenarioTree(t, map[string]string{
		"create_commits.yaml":    passingScenario,
		"wrong_expectation.yaml": failingScenario,
	})

	out, _, err := execute(t, NewRootCommand(), "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "outcome committed, want rejected")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestTest_Filter(t *testing.T) {
	dir := scenarioTree(t, map[string]string{
		"create_commits.yaml":    passingScenario,
		"wrong_expectation.yaml": failingScenario,
	})

	out, _, err := execute(t, NewRootCommand(), "test", dir, "--filter", "create_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTest_UpdateThenCompareGolden(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"create_commits.yaml": passingScenario})
	golden := filepath.Join(filepath.Dir(dir), "golden", "create_commits.golden")

	_, _, err := execute(t, NewRootCommand(), "test", dir, "--update")
	require.NoError(t, err)
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario": "create_commits"`)

	_, _, err = execute(t, NewRootCommand(), "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	out, _, err := execute(t, NewRootCommand(), "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_JSON(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"wrong_expectation.yaml": failingScenario})

	out, _, err := execute(t, NewRootCommand(), "test", dir, "--format", "json")
	require.Error(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.False(t, resp.Data.Scenarios[0].Pass)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeScenario, resp.Error.Code)
}

func TestTest_LoadError(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"broken.yaml": "name: broken\n"})

	out, _, err := execute(t, NewRootCommand(), "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTest_NoScenarios(t *testing.T) {
	dir := scenarioTree(t, nil)

	out, _, err := execute(t, NewRootCommand(), "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTest_MissingDir(t *testing.T) {
	_, _, err := execute(t, NewRootCommand(), "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_RepositoryScenarios(t *testing.T) {
	out, _, err := execute(t, NewRootCommand(), "test", "../harness/testdata/scenarios")
	require.NoError(t, err, out)
	assert.Contains(t, out, "4 passed, 0 failed, 4 total")
}
