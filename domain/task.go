package domain

import "time"

// TaskStatus represents the status of a task within a run's graph.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusReady     TaskStatus = "READY"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusDone      TaskStatus = "DONE"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusRetrying  TaskStatus = "RETRYING"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// taskTransitions is the allowed transition table for task statuses.
// Any non-terminal status may additionally move to CANCELLED.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:  {TaskStatusReady, TaskStatusFailed},
	TaskStatusReady:    {TaskStatusRunning},
	TaskStatusRunning:  {TaskStatusDone, TaskStatusFailed},
	TaskStatusFailed:   {TaskStatusRetrying},
	TaskStatusRetrying: {TaskStatusRunning},
}

// Terminal reports whether the status is final for scheduling purposes.
// FAILED is terminal only once the retry budget is exhausted; the scheduler
// owns that decision.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusDone, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is allowed.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	if next == TaskStatusCancelled {
		return !s.Terminal()
	}
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Task represents one unit of work within a run's dependency graph.
// Dependencies are immutable once the task is created.
type Task struct {
	TaskID       string     `json:"task_id"`
	RunID        string     `json:"run_id"`
	Type         string     `json:"type"`
	Status       TaskStatus `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Input        string     `json:"input"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Transition moves the task to next, failing loudly on a disallowed edge.
func (t *Task) Transition(next TaskStatus) error {
	if !t.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{Entity: "task", ID: t.TaskID, From: string(t.Status), To: string(next)}
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	return nil
}

// Plan is the planner's output, materialized into tasks at the end of the
// planning phase.
type Plan struct {
	Summary string        `json:"summary,omitempty"`
	Tasks   []PlannedTask `json:"tasks"`
}

// PlannedTask describes one task to materialize from a plan. ID is local to
// the plan; DependsOn references other plan-local IDs.
type PlannedTask struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Input      string   `json:"input"`
	DependsOn  []string `json:"depends_on,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty"`
}
