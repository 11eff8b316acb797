// Package session holds the debugging session domain model and its durable
// store.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when a session id resolves to nothing.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidTransition is returned for status changes that would move a
// session or scenario backwards.
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a session. Transitions are forward-only.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusConcluded Status = "concluded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// ScenarioStatus is the lifecycle state of one scenario investigation.
type ScenarioStatus string

const (
	ScenarioSpawned       ScenarioStatus = "spawned"
	ScenarioInvestigating ScenarioStatus = "investigating"
	ScenarioConcluded     ScenarioStatus = "concluded"
	ScenarioFailed        ScenarioStatus = "failed"
	ScenarioKilled        ScenarioStatus = "killed"
)

// Terminal reports whether no further transitions are allowed.
func (s ScenarioStatus) Terminal() bool {
	switch s {
	case ScenarioConcluded, ScenarioFailed, ScenarioKilled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the session has finished.
func (s Status) Terminal() bool {
	switch s {
	case StatusConcluded, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

var sessionTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning: {StatusConcluded, StatusCancelled, StatusFailed},
}

var scenarioTransitions = map[ScenarioStatus][]ScenarioStatus{
	ScenarioSpawned:       {ScenarioInvestigating, ScenarioKilled, ScenarioFailed},
	ScenarioInvestigating: {ScenarioConcluded, ScenarioFailed, ScenarioKilled},
}

func sessionTransitionAllowed(from, to Status) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func scenarioTransitionAllowed(from, to ScenarioStatus) bool {
	for _, next := range scenarioTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Observation is a piece of operator-provided context added mid-session.
type Observation struct {
	Text    string    `json:"text"`
	AddedAt time.Time `json:"added_at"`
}

// ToolInvocation is one entry in a scenario's append-only tool log.
type ToolInvocation struct {
	Seq        int       `json:"seq"`
	Tool       string    `json:"tool"`
	Method     string    `json:"method,omitempty"`
	Arguments  string    `json:"arguments,omitempty"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// ScenarioRun is the record of one hypothesis investigation.
type ScenarioRun struct {
	ID            string           `json:"id"`
	Hypothesis    string           `json:"hypothesis"`
	Status        ScenarioStatus   `json:"status"`
	Conclusion    string           `json:"conclusion,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Iterations    int              `json:"iterations"`
	Invocations   []ToolInvocation `json:"invocations,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	EndedAt       time.Time        `json:"ended_at,omitempty"`
}

// Session is a live debugging session. All mutation goes through its methods;
// the embedded mutex makes concurrent agent writes and status reads safe.
type Session struct {
	mu sync.RWMutex

	id            string
	originalError string
	repoPath      string
	context       string
	status        Status
	conclusion    string
	observations  []Observation
	scenarios     map[string]*ScenarioRun
	scenarioOrder []string
	createdAt     time.Time
	updatedAt     time.Time
}

// New creates a pending session.
func New(id, originalError, repoPath, contextText string) *Session {
	now := time.Now().UTC()
	return &Session{
		id:            id,
		originalError: originalError,
		repoPath:      repoPath,
		context:       contextText,
		status:        StatusPending,
		scenarios:     make(map[string]*ScenarioRun),
		createdAt:     now,
		updatedAt:     now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// RepoPath returns the repository under investigation.
func (s *Session) RepoPath() string { return s.repoPath }

// OriginalError returns the error report that started the session.
func (s *Session) OriginalError() string { return s.originalError }

// Context returns the free-form context supplied at start.
func (s *Session) Context() string { return s.context }

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetStatus advances the session lifecycle. Backward moves are rejected with
// ErrInvalidTransition.
func (s *Session) SetStatus(to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == to {
		return nil
	}
	if !sessionTransitionAllowed(s.status, to) {
		return fmt.Errorf("%w: session %s -> %s", ErrInvalidTransition, s.status, to)
	}
	s.status = to
	s.updatedAt = time.Now().UTC()
	return nil
}

// SetConclusion records the aggregated conclusion text.
func (s *Session) SetConclusion(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conclusion = text
	s.updatedAt = time.Now().UTC()
}

// AddObservation appends operator context. Observations are never removed.
func (s *Session) AddObservation(text string) Observation {
	obs := Observation{Text: text, AddedAt: time.Now().UTC()}
	s.mu.Lock()
	s.observations = append(s.observations, obs)
	s.updatedAt = obs.AddedAt
	s.mu.Unlock()
	return obs
}

// Observations returns a copy of the observation list.
func (s *Session) Observations() []Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Observation, len(s.observations))
	copy(out, s.observations)
	return out
}

// AddScenario registers a new spawned scenario for a hypothesis.
func (s *Session) AddScenario(id, hypothesis string) *ScenarioRun {
	run := &ScenarioRun{
		ID:         id,
		Hypothesis: hypothesis,
		Status:     ScenarioSpawned,
		StartedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.scenarios[id] = run
	s.scenarioOrder = append(s.scenarioOrder, id)
	s.updatedAt = run.StartedAt
	s.mu.Unlock()
	return run
}

// SetScenarioStatus advances one scenario's lifecycle.
func (s *Session) SetScenarioStatus(scenarioID string, to ScenarioStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.scenarios[scenarioID]
	if !ok {
		return fmt.Errorf("scenario %s: %w", scenarioID, ErrSessionNotFound)
	}
	if run.Status == to {
		return nil
	}
	if !scenarioTransitionAllowed(run.Status, to) {
		return fmt.Errorf("%w: scenario %s -> %s", ErrInvalidTransition, run.Status, to)
	}
	run.Status = to
	if to.Terminal() {
		run.EndedAt = time.Now().UTC()
	}
	s.updatedAt = time.Now().UTC()
	return nil
}

// ConcludeScenario marks a scenario concluded with its conclusion text.
func (s *Session) ConcludeScenario(scenarioID, conclusion string) error {
	if err := s.SetScenarioStatus(scenarioID, ScenarioConcluded); err != nil {
		return err
	}
	s.mu.Lock()
	s.scenarios[scenarioID].Conclusion = conclusion
	s.mu.Unlock()
	return nil
}

// FailScenario marks a scenario failed with a reason.
func (s *Session) FailScenario(scenarioID, reason string) error {
	if err := s.SetScenarioStatus(scenarioID, ScenarioFailed); err != nil {
		return err
	}
	s.mu.Lock()
	s.scenarios[scenarioID].FailureReason = reason
	s.mu.Unlock()
	return nil
}

// KillScenario marks a scenario killed, keeping any partial conclusion.
func (s *Session) KillScenario(scenarioID, partialConclusion string) error {
	if err := s.SetScenarioStatus(scenarioID, ScenarioKilled); err != nil {
		return err
	}
	s.mu.Lock()
	if partialConclusion != "" {
		s.scenarios[scenarioID].Conclusion = partialConclusion
	}
	s.mu.Unlock()
	return nil
}

// AppendInvocation appends one tool invocation to a scenario's log and
// returns its sequence number. The log is append-only.
func (s *Session) AppendInvocation(scenarioID string, inv ToolInvocation) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.scenarios[scenarioID]
	if !ok {
		return 0, fmt.Errorf("scenario %s: %w", scenarioID, ErrSessionNotFound)
	}
	inv.Seq = len(run.Invocations) + 1
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now().UTC()
	}
	run.Invocations = append(run.Invocations, inv)
	s.updatedAt = time.Now().UTC()
	return inv.Seq, nil
}

// BumpScenarioIteration increments a scenario's iteration counter.
func (s *Session) BumpScenarioIteration(scenarioID string) {
	s.mu.Lock()
	if run, ok := s.scenarios[scenarioID]; ok {
		run.Iterations++
	}
	s.mu.Unlock()
}

// AllScenariosTerminal reports whether every scenario has finished. A session
// with no scenarios is not terminal.
func (s *Session) AllScenariosTerminal() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.scenarios) == 0 {
		return false
	}
	for _, run := range s.scenarios {
		if !run.Status.Terminal() {
			return false
		}
	}
	return true
}
