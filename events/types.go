// Package events defines the lifecycle events a run emits and the websocket
// hub that fans them out to session subscribers. Emission is fire-and-forget;
// nothing in the run path waits on a consumer.
package events

import "time"

// Event types emitted over a run's lifetime.
const (
	TypeExecutionStarted   = "execution_started"
	TypeTaskStarted        = "task_started"
	TypeTaskCompleted      = "task_completed"
	TypeTaskFailed         = "task_failed"
	TypeExecutionCompleted = "execution_completed"
	TypeExecutionFailed    = "execution_failed"
	TypeExecutionStopped   = "execution_stopped"
)

// Event is one lifecycle notification.
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	SessionID  string    `json:"session_id"`
	TaskID     string    `json:"task_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"ts"`
}

// Publisher delivers lifecycle events. Implementations must not block the
// caller.
type Publisher interface {
	Publish(ev Event)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
