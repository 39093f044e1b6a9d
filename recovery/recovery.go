// Package recovery reconstructs run state from persisted tasks and replays
// runs from their latest checkpoint after an interruption.
package recovery

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/memory"
	"github.com/loomhq/loom/store"
)

// ReconstructState aggregates task statuses into a run status without
// re-executing anything. The aggregation is pure and idempotent: the same
// task snapshot always yields the same status. The returned annotation is
// non-empty only for FAILED.
func ReconstructState(tasks []*domain.Task) (domain.RunStatus, string) {
	if len(tasks) == 0 {
		return domain.RunStatusRunning, ""
	}

	failed := 0
	allTerminal := true
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskStatusCancelled:
			return domain.RunStatusCancelled, ""
		case domain.TaskStatusFailed:
			failed++
		}
		if !t.Status.Terminal() {
			allTerminal = false
		}
	}

	if failed > 0 {
		return domain.RunStatusFailed, fmt.Sprintf("%d of %d tasks failed", failed, len(tasks))
	}
	if allTerminal {
		return domain.RunStatusCompleted, ""
	}
	return domain.RunStatusRunning, ""
}

// FindLastIncompleteTask returns the most recently touched non-terminal task,
// or nil when every task is terminal.
func FindLastIncompleteTask(tasks []*domain.Task) *domain.Task {
	var last *domain.Task
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if last == nil || t.UpdatedAt.After(last.UpdatedAt) {
			last = t
		}
	}
	return last
}

// ReplayContext is everything needed to resume an interrupted run with the
// same contextual inputs it had before the interruption.
type ReplayContext struct {
	Run        *domain.Run
	Tasks      []*domain.Task
	Checkpoint *domain.ReplayCheckpoint
	Memory     *memory.Context
}

// Replayer loads replay contexts from persisted state.
type Replayer struct {
	store  store.Store
	memory *memory.Coordinator
}

// NewReplayer creates a replayer.
func NewReplayer(st store.Store, mem *memory.Coordinator) *Replayer {
	return &Replayer{store: st, memory: mem}
}

// ReplayFromCheckpoint loads the latest checkpoint, reconstructs run state
// from the persisted tasks and re-retrieves the memory context scoped to the
// checkpoint's phase. A missing run or a run that was never checkpointed is
// a hard error; replay cannot invent state.
func (r *Replayer) ReplayFromCheckpoint(ctx context.Context, runID, sessionID string) (*ReplayContext, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &domain.RunNotFoundError{RunID: runID}
	}

	cp, err := r.memory.LatestCheckpoint(ctx, runID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, &domain.CheckpointNotFoundError{RunID: runID}
	}

	tasks, err := r.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}

	status, annotation := ReconstructState(tasks)
	if run.Status != status && run.Status.CanTransitionTo(status) {
		if err := run.Transition(status); err != nil {
			return nil, err
		}
		if annotation != "" {
			run.Metadata.Error = annotation
		}
		if err := r.store.SaveRun(ctx, run); err != nil {
			return nil, err
		}
	}

	memCtx, err := r.memory.RetrieveContext(ctx, runID, sessionID, cp.Phase, run.Input.Prompt, true)
	if err != nil {
		// Memory is best-effort even on replay; resume with an empty context.
		memCtx = &memory.Context{}
	}

	return &ReplayContext{Run: run, Tasks: tasks, Checkpoint: cp, Memory: memCtx}, nil
}
