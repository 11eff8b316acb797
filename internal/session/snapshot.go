package session

import "time"

// Snapshot is an immutable copy of a session for status queries and
// persistence. Building one never blocks on running scenarios.
type Snapshot struct {
	ID            string             `json:"id"`
	OriginalError string             `json:"original_error"`
	RepoPath      string             `json:"repo_path"`
	Context       string             `json:"context,omitempty"`
	Status        Status             `json:"status"`
	Conclusion    string             `json:"conclusion,omitempty"`
	Observations  []Observation      `json:"observations,omitempty"`
	Scenarios     []ScenarioSnapshot `json:"scenarios,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// ScenarioSnapshot is an immutable copy of one scenario run.
type ScenarioSnapshot struct {
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

// Snapshot copies the session state under the read lock.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		ID:            s.id,
		OriginalError: s.originalError,
		RepoPath:      s.repoPath,
		Context:       s.context,
		Status:        s.status,
		Conclusion:    s.conclusion,
		CreatedAt:     s.createdAt,
		UpdatedAt:     s.updatedAt,
	}

	snap.Observations = make([]Observation, len(s.observations))
	copy(snap.Observations, s.observations)

	snap.Scenarios = make([]ScenarioSnapshot, 0, len(s.scenarioOrder))
	for _, id := range s.scenarioOrder {
		run, ok := s.scenarios[id]
		if !ok {
			continue
		}
		sc := ScenarioSnapshot{
			ID:            run.ID,
			Hypothesis:    run.Hypothesis,
			Status:        run.Status,
			Conclusion:    run.Conclusion,
			FailureReason: run.FailureReason,
			Iterations:    run.Iterations,
			StartedAt:     run.StartedAt,
			EndedAt:       run.EndedAt,
		}
		sc.Invocations = make([]ToolInvocation, len(run.Invocations))
		copy(sc.Invocations, run.Invocations)
		snap.Scenarios = append(snap.Scenarios, sc)
	}

	return snap
}

// FromSnapshot rebuilds a session from persisted state, e.g. after a restart.
func FromSnapshot(snap *Snapshot) *Session {
	s := &Session{
		id:            snap.ID,
		originalError: snap.OriginalError,
		repoPath:      snap.RepoPath,
		context:       snap.Context,
		status:        snap.Status,
		conclusion:    snap.Conclusion,
		scenarios:     make(map[string]*ScenarioRun, len(snap.Scenarios)),
		createdAt:     snap.CreatedAt,
		updatedAt:     snap.UpdatedAt,
	}

	s.observations = make([]Observation, len(snap.Observations))
	copy(s.observations, snap.Observations)

	for _, sc := range snap.Scenarios {
		run := &ScenarioRun{
			ID:            sc.ID,
			Hypothesis:    sc.Hypothesis,
			Status:        sc.Status,
			Conclusion:    sc.Conclusion,
			FailureReason: sc.FailureReason,
			Iterations:    sc.Iterations,
			StartedAt:     sc.StartedAt,
			EndedAt:       sc.EndedAt,
		}
		run.Invocations = make([]ToolInvocation, len(sc.Invocations))
		copy(run.Invocations, sc.Invocations)
		s.scenarios[sc.ID] = run
		s.scenarioOrder = append(s.scenarioOrder, sc.ID)
	}

	return s
}
