// Package scheduler drives a run's task graph to completion with bounded
// parallelism, dependency ordering and per-task retry.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/store"
)

// Runner executes a single task and returns its output. Agents implement it.
type Runner interface {
	ExecuteTask(ctx context.Context, task *domain.Task) (string, error)
}

// Hooks are invoked at task boundaries. All hooks are optional and called
// synchronously from the executing goroutine.
type Hooks struct {
	OnTaskStarted   func(task *domain.Task)
	OnTaskCompleted func(task *domain.Task)
	OnTaskFailed    func(task *domain.Task)
}

// Scheduler resolves dependencies and executes ready tasks in batches of up
// to the concurrency limit.
type Scheduler struct {
	store  store.Store
	runner Runner
	limit  int
}

// New creates a scheduler. A concurrency limit below 1 is coerced to 1.
func New(s store.Store, runner Runner, concurrencyLimit int) *Scheduler {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}
	return &Scheduler{store: s, runner: runner, limit: concurrencyLimit}
}

// Execute drives the run's task graph until every task is terminal or a
// deadlock is detected. A deadlock (typically a dependency cycle) fails the
// run fatally and is never retried.
func (s *Scheduler) Execute(ctx context.Context, runID string, hooks Hooks) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tasks, err := s.store.ListTasks(ctx, runID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(tasks) == 0 {
			return nil
		}

		byID := make(map[string]*domain.Task, len(tasks))
		for _, t := range tasks {
			byID[t.TaskID] = t
		}

		var ready []*domain.Task
		var blocked []string
		for _, t := range tasks {
			switch t.Status {
			case domain.TaskStatusReady:
				ready = append(ready, t)
			case domain.TaskStatusPending:
				promoted, err := s.evaluatePending(ctx, t, byID, hooks)
				if err != nil {
					return err
				}
				if promoted {
					ready = append(ready, t)
				} else if t.Status == domain.TaskStatusPending {
					blocked = append(blocked, t.TaskID)
				}
			case domain.TaskStatusRunning, domain.TaskStatusRetrying:
				// Batches join before the loop re-evaluates, so an in-flight
				// status here is leftover state from an interrupted run. It
				// cannot make progress in this pass.
				blocked = append(blocked, t.TaskID)
			}
		}

		if len(ready) == 0 {
			if len(blocked) > 0 {
				return &domain.DeadlockError{RunID: runID, Remaining: blocked}
			}
			return nil
		}

		batch := ready
		if len(batch) > s.limit {
			batch = batch[:s.limit]
		}

		if err := s.runBatch(ctx, batch, hooks); err != nil {
			return err
		}
	}
}

// evaluatePending promotes a PENDING task to READY when every dependency is
// DONE, and fails it when a dependency is unresolvable, FAILED or CANCELLED.
// Returns true when the task was promoted.
func (s *Scheduler) evaluatePending(ctx context.Context, t *domain.Task, byID map[string]*domain.Task, hooks Hooks) (bool, error) {
	var failReason string
	allDone := true

	for _, depID := range t.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			failReason = fmt.Sprintf("missing dependency %s", depID)
			break
		}
		switch dep.Status {
		case domain.TaskStatusDone:
		case domain.TaskStatusFailed:
			failReason = fmt.Sprintf("dependency %s failed", depID)
		case domain.TaskStatusCancelled:
			failReason = fmt.Sprintf("dependency %s cancelled", depID)
		default:
			allDone = false
		}
		if failReason != "" {
			break
		}
	}

	if failReason != "" {
		if err := t.Transition(domain.TaskStatusFailed); err != nil {
			return false, err
		}
		t.Error = failReason
		if err := s.store.SaveTask(ctx, t); err != nil {
			return false, fmt.Errorf("save task %s: %w", t.TaskID, err)
		}
		log.Printf("WARN: task %s failed without execution: %s", t.TaskID, failReason)
		if hooks.OnTaskFailed != nil {
			hooks.OnTaskFailed(t)
		}
		return false, nil
	}

	if !allDone {
		return false, nil
	}

	if err := t.Transition(domain.TaskStatusReady); err != nil {
		return false, err
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return false, fmt.Errorf("save task %s: %w", t.TaskID, err)
	}
	return true, nil
}

// runBatch executes a batch concurrently and waits for every task to finish,
// success or failure, before returning. Task failures do not abort siblings;
// only storage errors are returned.
func (s *Scheduler) runBatch(ctx context.Context, batch []*domain.Task, hooks Hooks) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, t := range batch {
		wg.Add(1)
		go func(task *domain.Task) {
			defer wg.Done()
			if err := s.runTask(ctx, task, hooks); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(t)
	}

	wg.Wait()
	return firstErr
}

// runTask executes one READY task, retrying on failure while the retry
// budget remains. The task ends DONE, FAILED or CANCELLED.
func (s *Scheduler) runTask(ctx context.Context, t *domain.Task, hooks Hooks) error {
	if err := t.Transition(domain.TaskStatusRunning); err != nil {
		return err
	}
	if err := s.store.SaveTask(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", t.TaskID, err)
	}
	if hooks.OnTaskStarted != nil {
		hooks.OnTaskStarted(t)
	}

	for {
		output, err := s.runner.ExecuteTask(ctx, t)
		if err == nil {
			if terr := t.Transition(domain.TaskStatusDone); terr != nil {
				return terr
			}
			t.Output = output
			t.Error = ""
			if serr := s.store.SaveTask(ctx, t); serr != nil {
				return fmt.Errorf("save task %s: %w", t.TaskID, serr)
			}
			if hooks.OnTaskCompleted != nil {
				hooks.OnTaskCompleted(t)
			}
			return nil
		}

		if terr := t.Transition(domain.TaskStatusFailed); terr != nil {
			return terr
		}
		t.Error = err.Error()
		if serr := s.store.SaveTask(ctx, t); serr != nil {
			return fmt.Errorf("save task %s: %w", t.TaskID, serr)
		}

		if t.RetryCount >= t.MaxRetries {
			log.Printf("WARN: task %s failed after %d retries: %v", t.TaskID, t.RetryCount, err)
			if hooks.OnTaskFailed != nil {
				hooks.OnTaskFailed(t)
			}
			return nil
		}

		t.RetryCount++
		if terr := t.Transition(domain.TaskStatusRetrying); terr != nil {
			return terr
		}
		if serr := s.store.SaveTask(ctx, t); serr != nil {
			return fmt.Errorf("save task %s: %w", t.TaskID, serr)
		}
		log.Printf("INFO: retrying task %s (attempt %d/%d)", t.TaskID, t.RetryCount, t.MaxRetries)

		if terr := t.Transition(domain.TaskStatusRunning); terr != nil {
			return terr
		}
		if serr := s.store.SaveTask(ctx, t); serr != nil {
			return fmt.Errorf("save task %s: %w", t.TaskID, serr)
		}
	}
}

// ExecuteSingle runs one READY task and returns it with its result.
func (s *Scheduler) ExecuteSingle(ctx context.Context, taskID, runID string) (*domain.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if t == nil || t.RunID != runID {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	if t.Status != domain.TaskStatusReady {
		return nil, &domain.TaskNotReadyError{TaskID: taskID, Status: t.Status}
	}

	if err := s.runTask(ctx, t, Hooks{}); err != nil {
		return nil, err
	}
	return t, nil
}

// CancelRun cascades CANCELLED to every task still in a non-terminal state.
// Cancellation does not retry.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	tasks, err := s.store.ListTasks(ctx, runID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		if err := t.Transition(domain.TaskStatusCancelled); err != nil {
			return err
		}
		if err := s.store.SaveTask(ctx, t); err != nil {
			return fmt.Errorf("save task %s: %w", t.TaskID, err)
		}
	}
	return nil
}
