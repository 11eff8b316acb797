package scenario

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/sandbox"
	"github.com/codefionn/fehlersuche/internal/session"
	"github.com/codefionn/fehlersuche/internal/toolclient"
)

type agentFixture struct {
	sess  *session.Session
	store *session.Store
	mock  *llm.MockClient
	agent *Agent
}

func newAgentFixture(t *testing.T, mock *llm.MockClient, cfg config.ScenarioConfig) *agentFixture {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess := session.New("sess-1", "service returns 500 on login", t.TempDir(), "")
	require.NoError(t, sess.SetStatus(session.StatusRunning))
	sess.AddScenario("sc-1", "session cookie parsing fails on new tokens")

	executor := sandbox.NewExecutor(
		config.SandboxConfig{Disabled: true, DefaultTimeoutMs: 30000},
		sess.RepoPath(), t.TempDir(), nil)
	registry := toolclient.NewRegistry(nil, nil)

	agent := NewAgent(Params{
		Session:    sess,
		ScenarioID: "sc-1",
		Hypothesis: "session cookie parsing fails on new tokens",
		Client:     mock,
		Executor:   executor,
		Registry:   registry,
		Store:      store,
		Config:     cfg,
	})

	return &agentFixture{sess: sess, store: store, mock: mock, agent: agent}
}

func defaultScenarioConfig() config.ScenarioConfig {
	return config.ScenarioConfig{
		MaxIterations:      10,
		MaxProtocolRetries: 2,
		WallClockSeconds:   60,
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
}

func scenarioOf(t *testing.T, f *agentFixture) session.ScenarioSnapshot {
	t.Helper()
	snap := f.sess.Snapshot()
	require.Len(t, snap.Scenarios, 1)
	return snap.Scenarios[0]
}

func TestAgentToolCallThenConclusion(t *testing.T) {
	requireShell(t)

	mock := llm.NewMockClient(
		llm.ToolCallResponse("call_1", "sandbox_exec", `{"language":"shell","code":"echo probe-ok"}`),
		llm.TextResponse("CONFIRMED: the cookie parser rejects v2 tokens."),
	)
	f := newAgentFixture(t, mock, defaultScenarioConfig())

	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioConcluded, sc.Status)
	assert.Contains(t, sc.Conclusion, "CONFIRMED")
	require.Len(t, sc.Invocations, 1)
	assert.Equal(t, "sandbox_exec", sc.Invocations[0].Tool)
	assert.Contains(t, sc.Invocations[0].Result, "probe-ok")
	assert.Equal(t, 2, sc.Iterations)

	// The tool result was fed back into the second completion.
	require.Len(t, mock.Requests, 2)
	last := mock.Requests[1].Messages[len(mock.Requests[1].Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "probe-ok")
}

func TestAgentKillBetweenIterations(t *testing.T) {
	requireShell(t)

	client := &llm.MockClient{}
	f := newAgentFixture(t, client, defaultScenarioConfig())
	client.ScriptFn = func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		// The kill arrives while the first iteration is in flight.
		f.agent.Kill()
		resp := llm.ToolCallResponse("call_1", "sandbox_exec", `{"language":"shell","code":"true"}`)
		resp.Content = "narrowing down to the cookie decoder"
		return resp, nil
	}

	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioKilled, sc.Status)
	assert.Equal(t, "narrowing down to the cookie decoder", sc.Conclusion)
	// The in-flight iteration completed before the kill took effect.
	require.Len(t, sc.Invocations, 1)
}

func TestAgentIterationBudget(t *testing.T) {
	requireShell(t)

	cfg := defaultScenarioConfig()
	cfg.MaxIterations = 3

	client := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return llm.ToolCallResponse("call_1", "sandbox_exec", `{"language":"shell","code":"true"}`), nil
	}}
	f := newAgentFixture(t, client, cfg)

	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioFailed, sc.Status)
	assert.Contains(t, sc.FailureReason, "scenario budget exceeded")
	assert.Equal(t, 3, sc.Iterations)
}

func TestAgentWallClockBudget(t *testing.T) {
	cfg := defaultScenarioConfig()
	cfg.WallClockSeconds = 0 // deadline is already in the past at iteration 1

	f := newAgentFixture(t, llm.NewMockClient(), cfg)
	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioFailed, sc.Status)
	assert.Contains(t, sc.FailureReason, "wall clock")
}

func TestAgentUnknownToolExhaustsProtocolRetries(t *testing.T) {
	client := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return llm.ToolCallResponse("call_1", "frobnicate", `{}`), nil
	}}
	f := newAgentFixture(t, client, defaultScenarioConfig())

	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioFailed, sc.Status)
	assert.Contains(t, sc.FailureReason, "model protocol violation")
	// Two retries were granted before giving up.
	assert.Equal(t, 3, client.CallCount())

	// Each malformed call was fed back as an error tool result.
	secondReq := client.Requests[1]
	last := secondReq.Messages[len(secondReq.Messages)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Contains(t, last.Content, "unknown tool")
}

func TestAgentMalformedArgumentsRecovers(t *testing.T) {
	requireShell(t)

	mock := llm.NewMockClient(
		llm.ToolCallResponse("call_1", "sandbox_exec", `not json`),
		llm.TextResponse("REJECTED: could not reproduce."),
	)
	f := newAgentFixture(t, mock, defaultScenarioConfig())

	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioConcluded, sc.Status)
	require.Len(t, sc.Invocations, 1)
	assert.NotEmpty(t, sc.Invocations[0].Error)
}

func TestAgentEmptyResponsesFail(t *testing.T) {
	client := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return llm.TextResponse(""), nil
	}}
	f := newAgentFixture(t, client, defaultScenarioConfig())

	f.agent.Run(context.Background())

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioFailed, sc.Status)
	assert.Contains(t, sc.FailureReason, "model protocol violation")
}

func TestAgentPicksUpObservationsAtIterationStart(t *testing.T) {
	requireShell(t)

	var fix *agentFixture
	client := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if call == 0 {
			// Observation lands mid-iteration; it must only appear next turn.
			fix.sess.AddObservation("error only happens for SSO users")
			return llm.ToolCallResponse("call_1", "sandbox_exec", `{"language":"shell","code":"true"}`), nil
		}

		found := false
		for _, msg := range req.Messages {
			if strings.Contains(msg.Content, "SSO users") {
				found = true
			}
		}
		if !found {
			return llm.TextResponse("observation missing"), nil
		}
		return llm.TextResponse("CONFIRMED: SSO token path is broken."), nil
	}}
	fix = newAgentFixture(t, client, defaultScenarioConfig())

	fix.agent.Run(context.Background())

	sc := scenarioOf(t, fix)
	assert.Equal(t, session.ScenarioConcluded, sc.Status)
	assert.Contains(t, sc.Conclusion, "CONFIRMED")
}

func TestAgentWritesDurableLog(t *testing.T) {
	mock := llm.NewMockClient(llm.TextResponse("REJECTED: nothing found."))
	f := newAgentFixture(t, mock, defaultScenarioConfig())

	f.agent.Run(context.Background())

	entries, err := f.store.ReadLog("sess-1", "sc-1")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "investigation started", entries[0].Message)
	assert.Equal(t, "investigation concluded", entries[len(entries)-1].Message)
}

func TestAgentUsesProviderSamplingParameters(t *testing.T) {
	mock := llm.NewMockClient(llm.TextResponse("REJECTED: nothing found."))

	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess := session.New("sess-1", "service returns 500 on login", t.TempDir(), "")
	require.NoError(t, sess.SetStatus(session.StatusRunning))
	sess.AddScenario("sc-1", "session cookie parsing fails on new tokens")

	agent := NewAgent(Params{
		Session:    sess,
		ScenarioID: "sc-1",
		Hypothesis: "session cookie parsing fails on new tokens",
		Client:     mock,
		Executor: sandbox.NewExecutor(
			config.SandboxConfig{Disabled: true, DefaultTimeoutMs: 30000},
			sess.RepoPath(), t.TempDir(), nil),
		Registry: toolclient.NewRegistry(nil, nil),
		Store:    store,
		Config:   defaultScenarioConfig(),
		Provider: config.ProviderConfig{Temperature: 0.2, MaxTokens: 1024},
	})
	agent.Run(context.Background())

	require.Len(t, mock.Requests, 1)
	assert.Equal(t, 0.2, mock.Requests[0].Temperature)
	assert.Equal(t, 1024, mock.Requests[0].MaxTokens)
}

func TestAgentDefaultSamplingParameters(t *testing.T) {
	mock := llm.NewMockClient(llm.TextResponse("REJECTED: nothing found."))
	f := newAgentFixture(t, mock, defaultScenarioConfig())

	f.agent.Run(context.Background())

	require.Len(t, mock.Requests, 1)
	assert.Equal(t, 0.7, mock.Requests[0].Temperature)
	assert.Equal(t, 4096, mock.Requests[0].MaxTokens)
}

func TestAgentContextCancellationKills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newAgentFixture(t, llm.NewMockClient(), defaultScenarioConfig())
	f.agent.Run(ctx)

	sc := scenarioOf(t, f)
	assert.Equal(t, session.ScenarioKilled, sc.Status)
}
