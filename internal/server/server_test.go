package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/orchestrator"
	"github.com/codefionn/fehlersuche/internal/session"
	"github.com/codefionn/fehlersuche/internal/toolclient"
)

type serverFixture struct {
	ts   *httptest.Server
	orch *orchestrator.Orchestrator
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := &llm.MockClient{ScriptFn: func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if len(req.Tools) == 0 {
			return llm.TextResponse(`[{"hypothesis":"the migration dropped an index"}]`), nil
		}
		return llm.TextResponse("CONFIRMED: the query now scans the full table."), nil
	}}

	cfg := &config.Config{
		Triage:   config.TriageConfig{MaxHypotheses: 4},
		Scenario: config.ScenarioConfig{MaxIterations: 10, MaxProtocolRetries: 2, WallClockSeconds: 30},
		Sandbox:  config.SandboxConfig{Disabled: true, DefaultTimeoutMs: 30000},
	}
	orch := orchestrator.New(cfg, mock, store, toolclient.NewRegistry(nil, nil), nil)

	srv := NewServer(orch, "127.0.0.1:0", nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, orch: orch}
}

func postJSON(t *testing.T, url string, payload interface{}) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func startSession(t *testing.T, f *serverFixture) string {
	t.Helper()
	resp := postJSON(t, f.ts.URL+"/api/v1/sessions", map[string]string{
		"original_error": "report endpoint times out since yesterday",
		"repo_path":      t.TempDir(),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created map[string]string
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created["id"])
	return created["id"]
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	id := startSession(t, f)
	f.orch.Wait()

	resp, err := http.Get(f.ts.URL + "/api/v1/sessions/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap session.Snapshot
	decodeBody(t, resp, &snap)
	assert.Equal(t, session.StatusConcluded, snap.Status)
	require.Len(t, snap.Scenarios, 1)
	assert.Contains(t, snap.Conclusion, "CONFIRMED")

	// The scenario's durable log is reachable too.
	resp, err = http.Get(f.ts.URL + "/api/v1/sessions/" + id + "/scenarios/" + snap.Scenarios[0].ID + "/log")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []session.LogEntry
	decodeBody(t, resp, &entries)
	require.NotEmpty(t, entries)
	assert.Equal(t, "investigation started", entries[0].Message)
}

func TestStartSessionValidation(t *testing.T) {
	f := newServerFixture(t)

	resp := postJSON(t, f.ts.URL+"/api/v1/sessions", map[string]string{"repo_path": "/tmp"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, f.ts.URL+"/api/v1/sessions", map[string]string{"original_error": "boom"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetUnknownSessionReturns404(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/v1/sessions/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObservationAfterConclusionConflicts(t *testing.T) {
	f := newServerFixture(t)

	id := startSession(t, f)
	f.orch.Wait()

	resp := postJSON(t, f.ts.URL+"/api/v1/sessions/"+id+"/observations", map[string]string{"text": "too late"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestObservationValidation(t *testing.T) {
	f := newServerFixture(t)

	resp := postJSON(t, f.ts.URL+"/api/v1/sessions/whatever/observations", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, f.ts.URL+"/api/v1/sessions/missing/observations", map[string]string{"text": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelUnknownSessionReturns404(t *testing.T) {
	f := newServerFixture(t)

	resp := postJSON(t, f.ts.URL+"/api/v1/sessions/missing/cancel", map[string]string{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListSessions(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []session.IndexEntry
	decodeBody(t, resp, &entries)
	assert.Empty(t, entries)

	id := startSession(t, f)
	f.orch.Wait()

	resp, err = http.Get(f.ts.URL + "/api/v1/sessions")
	require.NoError(t, err)
	decodeBody(t, resp, &entries)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
}
