// Package domain defines the core domain models for the run orchestrator.
package domain

import "time"

// RunStatus represents the status of a run.
type RunStatus string

const (
	RunStatusCreated   RunStatus = "CREATED"
	RunStatusPlanning  RunStatus = "PLANNING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusPaused    RunStatus = "PAUSED"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusCancelled RunStatus = "CANCELLED"
)

// runTransitions is the allowed transition table for run statuses.
// Terminal statuses have no outgoing edges.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusCreated:  {RunStatusPlanning, RunStatusRunning, RunStatusCancelled},
	RunStatusPlanning: {RunStatusRunning, RunStatusFailed, RunStatusCancelled},
	RunStatusRunning:  {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusPaused:   {RunStatusRunning, RunStatusCancelled},
}

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is allowed.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunInput is the user-facing input that started a run.
type RunInput struct {
	Prompt  string            `json:"prompt"`
	Options map[string]string `json:"options,omitempty"`
}

// RunMetadata carries timing and failure details for a run.
type RunMetadata struct {
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Run represents one end-to-end request lifecycle (plan -> execute -> synthesize).
type Run struct {
	RunID     string      `json:"run_id"`
	SessionID string      `json:"session_id"`
	Status    RunStatus   `json:"status"`
	AgentType string      `json:"agent_type"`
	Input     RunInput    `json:"input"`
	Output    string      `json:"output,omitempty"`
	Metadata  RunMetadata `json:"metadata"`
	Turn      int         `json:"turn"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Transition moves the run to next, failing loudly on a disallowed edge.
func (r *Run) Transition(next RunStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{Entity: "run", ID: r.RunID, From: string(r.Status), To: string(next)}
	}
	r.Status = next
	r.UpdatedAt = time.Now()
	return nil
}

// Reset returns a fresh run for a new turn on the same run id. Tasks are
// cleared by the caller; prior output and error do not carry over. The turn
// counter advances so per-turn memory keys and checkpoint sequences never
// collide with an earlier turn's.
func (r *Run) Reset(input RunInput) *Run {
	now := time.Now()
	return &Run{
		RunID:     r.RunID,
		SessionID: r.SessionID,
		Status:    RunStatusCreated,
		AgentType: r.AgentType,
		Input:     input,
		Turn:      r.Turn + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
