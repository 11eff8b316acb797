// Package orchestrator coordinates debugging sessions: triage, scenario
// fan-out, status queries and conclusion aggregation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codefionn/fehlersuche/internal/config"
	"github.com/codefionn/fehlersuche/internal/llm"
	"github.com/codefionn/fehlersuche/internal/logger"
	"github.com/codefionn/fehlersuche/internal/sandbox"
	"github.com/codefionn/fehlersuche/internal/scenario"
	"github.com/codefionn/fehlersuche/internal/session"
	"github.com/codefionn/fehlersuche/internal/toolclient"
)

// sessionState tracks one live session and its agents.
type sessionState struct {
	sess   *session.Session
	cancel context.CancelFunc

	mu        sync.Mutex
	agents    []*scenario.Agent
	cancelled bool
}

func (st *sessionState) addAgent(a *scenario.Agent) {
	st.mu.Lock()
	st.agents = append(st.agents, a)
	st.mu.Unlock()
}

func (st *sessionState) killAll() {
	st.mu.Lock()
	agents := append([]*scenario.Agent(nil), st.agents...)
	st.mu.Unlock()
	for _, a := range agents {
		a.Kill()
	}
}

func (st *sessionState) markCancelled() {
	st.mu.Lock()
	st.cancelled = true
	st.mu.Unlock()
}

func (st *sessionState) wasCancelled() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled
}

// Orchestrator owns all live sessions.
type Orchestrator struct {
	cfg      *config.Config
	client   llm.Client
	store    *session.Store
	registry *toolclient.Registry
	log      *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	wg       sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg *config.Config, client llm.Client, store *session.Store, registry *toolclient.Registry, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Global()
	}
	return &Orchestrator{
		cfg:      cfg,
		client:   client,
		store:    store,
		registry: registry,
		log:      log.WithComponent("orchestrator"),
		sessions: make(map[string]*sessionState),
	}
}

// StartSession registers a new session and returns its id immediately.
// Triage and scenario fan-out happen in the background.
func (o *Orchestrator) StartSession(originalError, repoPath, contextText string) (string, error) {
	if strings.TrimSpace(originalError) == "" {
		return "", fmt.Errorf("original error description is required")
	}

	id := uuid.NewString()
	sess := session.New(id, originalError, repoPath, contextText)
	if err := o.store.Persist(sess.Snapshot()); err != nil {
		return "", fmt.Errorf("failed to persist session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	state := &sessionState{sess: sess, cancel: cancel}

	o.mu.Lock()
	o.sessions[id] = state
	o.mu.Unlock()

	o.log.Info("session %s started: %s", id, llm.TruncateForError(originalError, 120))

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runSession(ctx, state)
	}()

	return id, nil
}

// runSession drives a session from triage to its terminal status.
func (o *Orchestrator) runSession(ctx context.Context, state *sessionState) {
	defer state.cancel()
	sess := state.sess

	hypotheses := o.triage(ctx, sess)
	if ctx.Err() != nil {
		o.finalize(state)
		return
	}

	if err := sess.SetStatus(session.StatusRunning); err != nil {
		o.log.Error("session %s: %v", sess.ID(), err)
		return
	}

	sessionDir, err := o.store.SessionDir(sess.ID())
	if err != nil {
		o.log.Error("session %s: %v", sess.ID(), err)
		o.failSession(state, err)
		return
	}
	executor := sandbox.NewExecutor(o.cfg.Sandbox, sess.RepoPath(), sessionDir, o.log)

	// Register every agent before launching any goroutine, so a scenario
	// that concludes immediately sees all of its siblings in killAll.
	scenarioIDs := make([]string, 0, len(hypotheses))
	agents := make([]*scenario.Agent, 0, len(hypotheses))
	for _, hypothesis := range hypotheses {
		scenarioID := uuid.NewString()
		sess.AddScenario(scenarioID, hypothesis)

		agent := scenario.NewAgent(scenario.Params{
			Session:    sess,
			ScenarioID: scenarioID,
			Hypothesis: hypothesis,
			Client:     o.client,
			Executor:   executor,
			Registry:   o.registry,
			Store:      o.store,
			Config:     o.cfg.Scenario,
			Provider:   o.cfg.Provider,
			Logger:     o.log,
		})
		state.addAgent(agent)
		scenarioIDs = append(scenarioIDs, scenarioID)
		agents = append(agents, agent)
	}

	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(a *scenario.Agent, scID string) {
			defer wg.Done()
			a.Run(ctx)
			if o.cfg.Scenario.StopOnFirstFinding && o.scenarioConcluded(sess, scID) {
				o.log.Info("session %s: scenario %s concluded, stopping the rest", sess.ID(), scID)
				state.killAll()
			}
		}(agent, scenarioIDs[i])
	}

	if err := o.store.Persist(sess.Snapshot()); err != nil {
		o.log.Warn("session %s: persist failed: %v", sess.ID(), err)
	}
	o.log.Info("session %s: spawned %d scenarios", sess.ID(), len(hypotheses))

	wg.Wait()
	o.finalize(state)
}

func (o *Orchestrator) scenarioConcluded(sess *session.Session, scenarioID string) bool {
	for _, sc := range sess.Snapshot().Scenarios {
		if sc.ID == scenarioID {
			return sc.Status == session.ScenarioConcluded
		}
	}
	return false
}

// finalize aggregates conclusions once every scenario is terminal.
func (o *Orchestrator) finalize(state *sessionState) {
	sess := state.sess
	snap := sess.Snapshot()

	sess.SetConclusion(aggregateConclusions(snap))

	target := session.StatusConcluded
	if state.wasCancelled() {
		target = session.StatusCancelled
	}
	if err := sess.SetStatus(target); err != nil {
		o.log.Warn("session %s: %v", sess.ID(), err)
	}

	if err := o.store.Persist(sess.Snapshot()); err != nil {
		o.log.Warn("session %s: persist failed: %v", sess.ID(), err)
	}
	o.registry.CloseSession(sess.ID())
	o.log.Info("session %s finished: %s", sess.ID(), sess.Status())
}

func (o *Orchestrator) failSession(state *sessionState, reason error) {
	sess := state.sess
	sess.SetConclusion("session failed: " + reason.Error())
	if err := sess.SetStatus(session.StatusFailed); err != nil {
		o.log.Warn("session %s: %v", sess.ID(), err)
	}
	if err := o.store.Persist(sess.Snapshot()); err != nil {
		o.log.Warn("session %s: persist failed: %v", sess.ID(), err)
	}
}

// aggregateConclusions presents every scenario outcome rather than picking a
// single winner; the operator sees all evidence, including failed and killed
// investigations.
func aggregateConclusions(snap *session.Snapshot) string {
	var concluded, other []string
	for _, sc := range snap.Scenarios {
		switch sc.Status {
		case session.ScenarioConcluded:
			concluded = append(concluded, fmt.Sprintf("Hypothesis: %s\nConclusion: %s", sc.Hypothesis, sc.Conclusion))
		case session.ScenarioKilled:
			line := fmt.Sprintf("Hypothesis: %s\nInvestigation stopped early", sc.Hypothesis)
			if sc.Conclusion != "" {
				line += "; partial finding: " + sc.Conclusion
			}
			other = append(other, line)
		case session.ScenarioFailed:
			other = append(other, fmt.Sprintf("Hypothesis: %s\nInvestigation failed: %s", sc.Hypothesis, sc.FailureReason))
		}
	}

	var sb strings.Builder
	if len(concluded) == 0 {
		sb.WriteString("No hypothesis was confirmed.\n")
	}
	for i, c := range concluded {
		if i > 0 || sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	for _, c := range other {
		sb.WriteString("\n")
		sb.WriteString(c)
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}

// GetStatus returns a snapshot without blocking on running scenarios. For
// sessions from a previous process it falls back to the persisted state.
func (o *Orchestrator) GetStatus(sessionID string) (*session.Snapshot, error) {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	o.mu.Unlock()

	if ok {
		return state.sess.Snapshot(), nil
	}
	return o.store.Load(sessionID)
}

// AddObservation appends operator context to a running session. The
// observation reaches every agent at its next iteration boundary.
func (o *Orchestrator) AddObservation(sessionID, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("observation text is required")
	}

	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	if state.sess.Status().Terminal() {
		return fmt.Errorf("%w: session is %s", session.ErrInvalidTransition, state.sess.Status())
	}

	state.sess.AddObservation(text)
	if err := o.store.Persist(state.sess.Snapshot()); err != nil {
		o.log.Warn("session %s: persist failed: %v", sessionID, err)
	}
	return nil
}

// CancelSession requests termination of every scenario. The session reaches
// cancelled once all agents honor the kill flag.
func (o *Orchestrator) CancelSession(sessionID string) error {
	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	if state.sess.Status().Terminal() {
		return fmt.Errorf("%w: session is %s", session.ErrInvalidTransition, state.sess.Status())
	}

	state.markCancelled()
	state.killAll()
	state.cancel()
	o.log.Info("session %s: cancellation requested", sessionID)
	return nil
}

// ScenarioLog returns the durable investigation log of one scenario.
func (o *Orchestrator) ScenarioLog(sessionID, scenarioID string) ([]session.LogEntry, error) {
	if _, err := o.GetStatus(sessionID); err != nil {
		return nil, err
	}
	return o.store.ReadLog(sessionID, scenarioID)
}

// ListSessions returns the persisted session index.
func (o *Orchestrator) ListSessions() ([]session.IndexEntry, error) {
	return o.store.ListSessions()
}

// Wait blocks until every running session has finished. Used on shutdown and
// in tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}
