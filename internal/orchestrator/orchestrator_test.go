package orchestrator

import (
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/session"
	"github.com/codefionn/fehlersuche/internal/toolclient"
)

type orchestratorFixture struct {
	orch  *Orchestrator
	store *session.Store
	mock  *llm.MockClient
}

func newOrchestratorFixture(t *testing.T, mock *llm.MockClient) *orchestratorFixture {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Triage:   config.TriageConfig{MaxHypotheses: 4},
		Scenario: config.ScenarioConfig{MaxIterations: 50, MaxProtocolRetries: 2, WallClockSeconds: 30},
		Sandbox:  config.SandboxConfig{Disabled: true, DefaultTimeoutMs: 30000},
	}
	orch := New(cfg, mock, store, toolclient.NewRegistry(nil, nil), nil)

	return &orchestratorFixture{orch: orch, store: store, mock: mock}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
}

// isTriage distinguishes the hypothesis call from agent iterations: only
// agents are offered tools.
func isTriage(req *llm.CompletionRequest) bool {
	return len(req.Tools) == 0 && len(req.Messages) == 1
}

func TestSessionRunsToConclusion(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"the retry loop drops the request body","rationale":"body is a one-shot reader"}]`), nil
		}
		return llm.TextResponse("CONFIRMED: the second attempt sends an empty body."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("POST /upload fails on retry", t.TempDir(), "only under load")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConcluded, snap.Status)
	require.Len(t, snap.Scenarios, 1)
	assert.Equal(t, session.ScenarioConcluded, snap.Scenarios[0].Status)
	assert.Contains(t, snap.Scenarios[0].Hypothesis, "drops the request body")
	assert.Contains(t, snap.Conclusion, "CONFIRMED")

	// The terminal snapshot is on disk too.
	persisted, err := f.store.Load(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConcluded, persisted.Status)
}

func TestStartSessionRequiresErrorReport(t *testing.T) {
	f := newOrchestratorFixture(t, llm.NewMockClient())

	_, err := f.orch.StartSession("   ", t.TempDir(), "")
	assert.Error(t, err)
}

func TestTriageModelFailureFallsBack(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return nil, errors.New("api unavailable")
		}
		return llm.TextResponse("REJECTED: could not reproduce."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("worker panics on shutdown", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	require.Len(t, snap.Scenarios, 1)
	assert.Contains(t, snap.Scenarios[0].Hypothesis, "worker panics on shutdown")
	assert.Equal(t, session.StatusConcluded, snap.Status)
}

func TestTriageUnparseableOutputFallsBack(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse("I think this could be a few things, let me explain at length."), nil
		}
		return llm.TextResponse("REJECTED: could not reproduce."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("cache returns stale entries", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	require.Len(t, snap.Scenarios, 1)
	assert.Contains(t, snap.Scenarios[0].Hypothesis, "cache returns stale entries")
}

func TestTriageCapsHypotheses(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[
				{"hypothesis":"h1"},{"hypothesis":"h2"},{"hypothesis":"h3"},
				{"hypothesis":"h4"},{"hypothesis":"h5"},{"hypothesis":"h6"}
			]`), nil
		}
		return llm.TextResponse("REJECTED: nothing."), nil
	}}
	f := newOrchestratorFixture(t, mock)
	f.orch.cfg.Triage.MaxHypotheses = 3

	id, err := f.orch.StartSession("intermittent 502s", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	assert.Len(t, snap.Scenarios, 3)
}

func TestGetStatusDoesNotBlockOnRunningScenarios(t *testing.T) {
	gate := make(chan struct{})
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"connection pool exhausted"}]`), nil
		}
		<-gate
		return llm.TextResponse("CONFIRMED: pool cap too low."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("timeouts under load", t.TempDir(), "")
	require.NoError(t, err)

	// The agent is parked inside its model call; status must come back anyway.
	require.Eventually(t, func() bool {
		snap, err := f.orch.GetStatus(id)
		return err == nil && snap.Status == session.StatusRunning &&
			len(snap.Scenarios) == 1 && snap.Scenarios[0].Status == session.ScenarioInvestigating
	}, 5*time.Second, 10*time.Millisecond)

	close(gate)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConcluded, snap.Status)
}

func TestCancelSessionKillsScenarios(t *testing.T) {
	requireShell(t)

	gate := make(chan struct{})
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"h1"},{"hypothesis":"h2"}]`), nil
		}
		<-gate
		return llm.ToolCallResponse("call_1", "sandbox_exec", `{"language":"shell","code":"true"}`), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("deadlock on restart", t.TempDir(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := f.orch.GetStatus(id)
		return err == nil && snap.Status == session.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.CancelSession(id))
	close(gate)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, snap.Status)
	for _, sc := range snap.Scenarios {
		assert.Equal(t, session.ScenarioKilled, sc.Status)
	}
	assert.Contains(t, snap.Conclusion, "No hypothesis was confirmed")

	// Cancelling a finished session is rejected.
	err = f.orch.CancelSession(id)
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestCancelUnknownSession(t *testing.T) {
	f := newOrchestratorFixture(t, llm.NewMockClient())
	err := f.orch.CancelSession("no-such-session")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAddObservationReachesSnapshot(t *testing.T) {
	gate := make(chan struct{})
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"h1"}]`), nil
		}
		<-gate
		return llm.TextResponse("CONFIRMED: done."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("login 500s", t.TempDir(), "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := f.orch.GetStatus(id)
		return err == nil && snap.Status == session.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.AddObservation(id, "only affects SSO accounts"))
	assert.Error(t, f.orch.AddObservation(id, "  "))
	assert.ErrorIs(t, f.orch.AddObservation("nope", "x"), session.ErrSessionNotFound)

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	require.Len(t, snap.Observations, 1)
	assert.Equal(t, "only affects SSO accounts", snap.Observations[0].Text)

	close(gate)
	f.orch.Wait()

	// Terminal sessions no longer accept observations.
	err = f.orch.AddObservation(id, "too late")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestNoConfirmedHypothesisAggregation(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"h1"},{"hypothesis":"h2"}]`), nil
		}
		// Empty replies exhaust the protocol retry budget.
		return llm.TextResponse(""), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("flaky integration test", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConcluded, snap.Status)
	assert.Contains(t, snap.Conclusion, "No hypothesis was confirmed")
	assert.Contains(t, snap.Conclusion, "Investigation failed")
	for _, sc := range snap.Scenarios {
		assert.Equal(t, session.ScenarioFailed, sc.Status)
	}
}

func TestStopOnFirstFindingKillsSiblings(t *testing.T) {
	requireShell(t)

	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"fast path"},{"hypothesis":"slow path"}]`), nil
		}
		if strings.Contains(req.Messages[0].Content, "fast path") {
			return llm.TextResponse("CONFIRMED: the fast path is the culprit."), nil
		}
		// The sibling keeps issuing tool calls until the kill lands between iterations.
		time.Sleep(20 * time.Millisecond)
		return llm.ToolCallResponse("call_1", "sandbox_exec", `{"language":"shell","code":"true"}`), nil
	}}
	f := newOrchestratorFixture(t, mock)
	f.orch.cfg.Scenario.StopOnFirstFinding = true
	f.orch.cfg.Scenario.MaxIterations = 500

	id, err := f.orch.StartSession("requests occasionally double-billed", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	snap, err := f.orch.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConcluded, snap.Status)

	statuses := map[string]session.ScenarioStatus{}
	for _, sc := range snap.Scenarios {
		statuses[sc.Hypothesis] = sc.Status
	}
	assert.Equal(t, session.ScenarioConcluded, statuses["fast path"])
	assert.Equal(t, session.ScenarioKilled, statuses["slow path"])
	assert.Contains(t, snap.Conclusion, "CONFIRMED")
	assert.Contains(t, snap.Conclusion, "stopped early")
}

func TestGetStatusFallsBackToStore(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"h1"}]`), nil
		}
		return llm.TextResponse("REJECTED: nothing found."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	id, err := f.orch.StartSession("slow queries", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	// A fresh orchestrator over the same store only has the disk copy.
	restarted := New(f.orch.cfg, llm.NewMockClient(), f.store, toolclient.NewRegistry(nil, nil), nil)
	snap, err := restarted.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, session.StatusConcluded, snap.Status)

	_, err = restarted.GetStatus("missing")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestListSessionsOrdering(t *testing.T) {
	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"h1"}]`), nil
		}
		return llm.TextResponse("REJECTED: nothing found."), nil
	}}
	f := newOrchestratorFixture(t, mock)

	first, err := f.orch.StartSession("first failure", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()
	second, err := f.orch.StartSession("second failure", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	entries, err := f.orch.ListSessions()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, second, entries[0].ID)
	assert.Equal(t, first, entries[1].ID)
}

func TestProviderSamplingParametersReachTheModel(t *testing.T) {
	script := func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if isTriage(req) {
			return llm.TextResponse(`[{"hypothesis":"the cache serves stale entries"}]`), nil
		}
		return llm.TextResponse("REJECTED: could not reproduce."), nil
	}

	mock := &llm.MockClient{ScriptFn: script}
	f := newOrchestratorFixture(t, mock)
	f.orch.cfg.Provider = config.ProviderConfig{Temperature: 0.3, MaxTokens: 1500}

	_, err := f.orch.StartSession("GET /items serves deleted rows", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	require.NotEmpty(t, mock.Requests)
	for _, req := range mock.Requests {
		assert.Equal(t, 0.3, req.Temperature)
		assert.Equal(t, 1500, req.MaxTokens)
	}

	// A zero provider config falls back to the built-in defaults.
	mock = &llm.MockClient{ScriptFn: script}
	f = newOrchestratorFixture(t, mock)

	_, err = f.orch.StartSession("GET /items serves deleted rows", t.TempDir(), "")
	require.NoError(t, err)
	f.orch.Wait()

	require.NotEmpty(t, mock.Requests)
	for _, req := range mock.Requests {
		assert.Equal(t, 0.7, req.Temperature)
		if isTriage(req) {
			assert.Equal(t, 2048, req.MaxTokens)
		} else {
			assert.Equal(t, 4096, req.MaxTokens)
		}
	}
}
