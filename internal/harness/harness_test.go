package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const paymentSchema = `#Body: {
	amount!:   int & >=0
	currency?: "USD" | "EUR"
}`

func baseScenario(flow ...FlowStep) *Scenario {
	return &Scenario{
		Name:        "inline",
		Description: "inline scenario",
		Schemas:     map[string]string{"payment": paymentSchema},
		Adapters: []AdapterSpec{
			{Name: "A", Consistency: "strong"},
			{Name: "B", Consistency: "strong"},
			{Name: "cache", Consistency: "best-effort"},
		},
		Seed: []SeedRecord{
			{ID: "D1", Version: 3, SchemaRef: "payment", Body: map[string]any{"amount": 100}},
		},
		Flow: flow,
	}
}

func replaceAmount(expected int64, amount int) RequestSpec {
	return RequestSpec{
		Kind:            "patch",
		DocumentID:      "D1",
		ExpectedVersion: expected,
		Ops:             []map[string]any{{"op": "replace", "path": "/amount", "value": amount}},
	}
}

func TestRun_Commit(t *testing.T) {
	result, err := Run(baseScenario(FlowStep{
		Request: replaceAmount(3, 150),
		Expect:  &ExpectClause{Outcome: "committed", Version: 4},
	}))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Steps, 1)
	step := result.Steps[0]
	assert.Equal(t, "req-001", step.RequestID)
	assert.Equal(t, []string{"received", "validated", "patched", "propagating", "committed"}, step.States)
	assert.Empty(t, result.Queued)

	for _, name := range []string{"A", "B", "cache"} {
		state, ok := result.Store(name)
		require.True(t, ok, name)
		require.Len(t, state.Records, 1, name)
		assert.Equal(t, int64(4), state.Records[0].Version, name)
		assert.JSONEq(t, `{"amount":150}`, string(state.Records[0].Body), name)
	}
}

func TestRun_SeedsStrongAdaptersOnly(t *testing.T) {
	result, err := Run(baseScenario(FlowStep{
		Request: RequestSpec{Kind: "delete", DocumentID: "D9", ExpectedVersion: 1},
		Expect:  &ExpectClause{Outcome: "rejected", Code: "NOT_FOUND"},
	}))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	a, _ := result.Store("A")
	cache, _ := result.Store("cache")
	assert.Len(t, a.Records, 1)
	assert.Empty(t, cache.Records)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	result, err := Run(baseScenario(FlowStep{
		Request: replaceAmount(2, 150),
		Expect:  &ExpectClause{Outcome: "committed"},
	}))
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "flow[0] req-001: outcome rejected, want committed")
	assert.Contains(t, result.Errors[0], "reason:")
	assert.Equal(t, "VERSION_CONFLICT", result.Steps[0].Code)
	assert.Equal(t, int64(3), result.Steps[0].Version)
}

func TestRun_UnknownSchema(t *testing.T) {
	result, err := Run(baseScenario(FlowStep{
		Request: RequestSpec{Kind: "create", DocumentID: "D2", SchemaRef: "refund", Body: map[string]any{"amount": 1}},
		Expect:  &ExpectClause{Outcome: "rejected", Code: "UNKNOWN_SCHEMA"},
	}))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, []string{"received", "rejected"}, result.Steps[0].States)
}

func TestRun_StaleFirstWriteIsConflict(t *testing.T) {
	result, err := Run(baseScenario(FlowStep{
		Request: replaceAmount(3, 150),
		Faults:  []FaultSpec{{Adapter: "A", Op: "write", Stale: true}},
		Expect:  &ExpectClause{Outcome: "rejected", Code: "VERSION_CONFLICT"},
	}))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Zero(t, result.calls["A"]["restore"])
}

func TestRun_CompensationFailure(t *testing.T) {
	s := baseScenario(FlowStep{
		Request: replaceAmount(3, 150),
		Faults: []FaultSpec{
			{Adapter: "B", Op: "write"},
			{Adapter: "A", Op: "restore"},
		},
		Expect: &ExpectClause{Outcome: "failed", Code: "COMPENSATION_FAILURE"},
	})
	s.Assertions = []Assertion{
		{Type: AssertRecord, Adapter: "A", ID: "D1", Version: 4},
		{Type: AssertRecord, Adapter: "B", ID: "D1", Version: 3},
		{Type: AssertCalls, Adapter: "A", Op: "restore", Count: defaultRetry},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_FaultsClearedBetweenSteps(t *testing.T) {
	result, err := Run(baseScenario(
		FlowStep{
			Request: replaceAmount(3, 150),
			Faults:  []FaultSpec{{Adapter: "B", Op: "write"}},
			Expect:  &ExpectClause{Outcome: "failed", Code: "STORE_ERROR"},
		},
		FlowStep{
			Request: replaceAmount(3, 150),
			Expect:  &ExpectClause{Outcome: "committed", Version: 4},
		},
	))
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "req-002", result.Steps[1].RequestID)
}

func TestRun_QueuedWithoutReconcile(t *testing.T) {
	s := baseScenario(FlowStep{
		Request: replaceAmount(3, 150),
		Faults:  []FaultSpec{{Adapter: "cache", Op: "write"}},
		Expect:  &ExpectClause{Outcome: "committed", Version: 4},
	})
	s.Retry = 3
	s.Assertions = []Assertion{
		{Type: AssertQueued, Adapter: "cache", ID: "D1", Version: 4},
		{Type: AssertAbsent, Adapter: "cache", ID: "D1"},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Queued, 1)
	assert.Equal(t, QueuedItem{Adapter: "cache", ID: "D1", Version: 4, Op: "write", Attempts: 3}, result.Queued[0])
}

func TestRun_FailedAssertionMarksResult(t *testing.T) {
	s := baseScenario(FlowStep{Request: replaceAmount(3, 150)})
	s.Assertions = []Assertion{{Type: AssertRecord, Adapter: "A", ID: "D1", Version: 9}}

	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "assertions[0]")
	assert.Contains(t, result.Errors[0], "version 4")
}

func TestRun_BadSchema(t *testing.T) {
	s := baseScenario(FlowStep{Request: replaceAmount(3, 150)})
	s.Schemas["broken"] = "#Body: {"

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema broken")
}

func TestRun_WithLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	_, err := Run(baseScenario(FlowStep{Request: replaceAmount(3, 150)}), WithLogger(zap.New(core)))
	require.NoError(t, err)

	committed := logs.FilterMessage("request committed").All()
	require.Len(t, committed, 1)
	assert.Equal(t, "dispatch", committed[0].LoggerName)
	assert.Equal(t, "req-001", committed[0].ContextMap()["request_id"])
}
