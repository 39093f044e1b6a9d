package domain

import "fmt"

// InvalidTransitionError names the disallowed state-machine edge.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (%s %s)", e.Entity, e.From, e.To, e.Entity, e.ID)
}

// DeadlockError is raised when the scheduler finds unfinished tasks but no
// task can make progress, typically a dependency cycle. Never retried.
type DeadlockError struct {
	RunID     string
	Remaining []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock detected in run %s: %d tasks cannot make progress", e.RunID, len(e.Remaining))
}

// TaskNotFoundError is returned when a task id does not resolve.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// TaskNotReadyError is returned when a single-task execution is requested
// for a task that is not in the READY state.
type TaskNotReadyError struct {
	TaskID string
	Status TaskStatus
}

func (e *TaskNotReadyError) Error() string {
	return fmt.Sprintf("task %s is %s, not READY", e.TaskID, e.Status)
}

// RunNotFoundError is returned when a run id does not resolve.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %s not found", e.RunID)
}

// CheckpointNotFoundError is returned by replay when a run was never
// checkpointed.
type CheckpointNotFoundError struct {
	RunID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("no checkpoint found for run %s", e.RunID)
}

// BudgetExceededError is raised when a projected call cost would break the
// per-run ceiling. No cost entry is recorded for the rejected call.
type BudgetExceededError struct {
	RunID     string
	Projected float64
	Limit     float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("run %s budget exceeded: projected %.6f over limit %.6f", e.RunID, e.Projected, e.Limit)
}

// SessionBudgetExceededError is the session-scoped counterpart.
type SessionBudgetExceededError struct {
	SessionID string
	Projected float64
	Limit     float64
}

func (e *SessionBudgetExceededError) Error() string {
	return fmt.Sprintf("session %s budget exceeded: projected %.6f over limit %.6f", e.SessionID, e.Projected, e.Limit)
}

// UnknownPricingError is raised in block mode when provider:model has no
// pricing entry.
type UnknownPricingError struct {
	Provider string
	Model    string
}

func (e *UnknownPricingError) Error() string {
	return fmt.Sprintf("no pricing for %s:%s", e.Provider, e.Model)
}

// MemoryValidationError rejects oversized or invalid memory content.
type MemoryValidationError struct {
	Reason string
}

func (e *MemoryValidationError) Error() string {
	return "invalid memory event: " + e.Reason
}
