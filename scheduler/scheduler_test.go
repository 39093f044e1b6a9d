package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/store"
	"github.com/loomhq/loom/tests/helpers"
)

type fakeRunner struct {
	mu            sync.Mutex
	order         []string
	inFlight      int
	maxInFlight   int
	failuresLeft  map[string]int
	delay         time.Duration
}

func (r *fakeRunner) ExecuteTask(ctx context.Context, task *domain.Task) (string, error) {
	r.mu.Lock()
	r.order = append(r.order, task.TaskID)
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	remaining := r.failuresLeft[task.TaskID]
	if remaining > 0 {
		r.failuresLeft[task.TaskID] = remaining - 1
	}
	r.mu.Unlock()

	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()

	if remaining > 0 {
		return "", fmt.Errorf("task %s exploded", task.TaskID)
	}
	return "output of " + task.TaskID, nil
}

func seedRun(t *testing.T, s *store.SQLiteStore, runID string, tasks []*domain.Task) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	run := &domain.Run{RunID: runID, SessionID: "s1", AgentType: "default", Status: domain.RunStatusRunning, CreatedAt: now, UpdatedAt: now}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	for i, task := range tasks {
		task.RunID = runID
		task.Status = domain.TaskStatusPending
		task.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		task.UpdatedAt = task.CreatedAt
	}
	if err := s.CreateTasks(ctx, tasks); err != nil {
		t.Fatalf("CreateTasks failed: %v", err)
	}
}

func taskStatuses(t *testing.T, s *store.SQLiteStore, runID string) map[string]domain.TaskStatus {
	t.Helper()
	tasks, err := s.ListTasks(context.Background(), runID)
	if err != nil {
		t.Fatalf("ListTasks failed: %v", err)
	}
	out := make(map[string]domain.TaskStatus, len(tasks))
	for _, task := range tasks {
		out[task.TaskID] = task.Status
	}
	return out
}

func TestExecuteAcyclicGraphTerminates(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a"},
		{TaskID: "b", Type: "llm", Input: "b", Dependencies: []string{"a"}},
		{TaskID: "c", Type: "llm", Input: "c", Dependencies: []string{"a"}},
		{TaskID: "d", Type: "llm", Input: "d", Dependencies: []string{"b", "c"}},
	})

	runner := &fakeRunner{failuresLeft: map[string]int{}}
	sched := New(s, runner, 4)
	if err := sched.Execute(context.Background(), "r1", Hooks{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	for id, status := range taskStatuses(t, s, "r1") {
		if status != domain.TaskStatusDone {
			t.Errorf("task %s: expected DONE, got %s", id, status)
		}
	}

	// d must come last, a first.
	if runner.order[0] != "a" || runner.order[len(runner.order)-1] != "d" {
		t.Fatalf("unexpected execution order: %v", runner.order)
	}
}

func TestExecuteBatchConcurrency(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a"},
		{TaskID: "b", Type: "llm", Input: "b", Dependencies: []string{"a"}},
		{TaskID: "c", Type: "llm", Input: "c", Dependencies: []string{"a"}},
	})

	runner := &fakeRunner{failuresLeft: map[string]int{}, delay: 30 * time.Millisecond}
	sched := New(s, runner, 2)
	if err := sched.Execute(context.Background(), "r1", Hooks{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if runner.order[0] != "a" {
		t.Fatalf("expected a to run alone first, got order %v", runner.order)
	}
	if runner.maxInFlight != 2 {
		t.Fatalf("expected b and c to overlap (max in-flight 2), got %d", runner.maxInFlight)
	}
}

func TestExecuteCycleIsDeadlock(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a", Dependencies: []string{"b"}},
		{TaskID: "b", Type: "llm", Input: "b", Dependencies: []string{"a"}},
	})

	sched := New(s, &fakeRunner{failuresLeft: map[string]int{}}, 2)
	err := sched.Execute(context.Background(), "r1", Hooks{})
	if err == nil {
		t.Fatal("expected deadlock error")
	}
	var deadlock *domain.DeadlockError
	if !errors.As(err, &deadlock) {
		t.Fatalf("expected DeadlockError, got %T: %v", err, err)
	}
	if len(deadlock.Remaining) != 2 {
		t.Fatalf("expected 2 remaining tasks, got %v", deadlock.Remaining)
	}
}

func TestExecuteMissingDependencyFailsTask(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a", Dependencies: []string{"ghost"}},
	})

	sched := New(s, &fakeRunner{failuresLeft: map[string]int{}}, 1)
	if err := sched.Execute(context.Background(), "r1", Hooks{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	task, err := s.GetTask(context.Background(), "a")
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if task.Status != domain.TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", task.Status)
	}
	if task.Error != "missing dependency ghost" {
		t.Fatalf("unexpected error: %q", task.Error)
	}
}

func TestExecuteFailedDependencySkipsDependent(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a"},
		{TaskID: "b", Type: "llm", Input: "b", Dependencies: []string{"a"}},
	})

	runner := &fakeRunner{failuresLeft: map[string]int{"a": 10}}
	sched := New(s, runner, 2)
	if err := sched.Execute(context.Background(), "r1", Hooks{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	statuses := taskStatuses(t, s, "r1")
	if statuses["a"] != domain.TaskStatusFailed {
		t.Fatalf("expected a FAILED, got %s", statuses["a"])
	}
	if statuses["b"] != domain.TaskStatusFailed {
		t.Fatalf("expected b FAILED, got %s", statuses["b"])
	}

	// b must never have been attempted.
	for _, id := range runner.order {
		if id == "b" {
			t.Fatal("dependent task b was executed despite failed dependency")
		}
	}
}

func TestRetryBudget(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "flaky", Type: "llm", Input: "x", MaxRetries: 2},
		{TaskID: "doomed", Type: "llm", Input: "y", MaxRetries: 1},
	})

	runner := &fakeRunner{failuresLeft: map[string]int{"flaky": 2, "doomed": 10}}
	sched := New(s, runner, 2)
	if err := sched.Execute(context.Background(), "r1", Hooks{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	flaky, _ := s.GetTask(context.Background(), "flaky")
	if flaky.Status != domain.TaskStatusDone {
		t.Fatalf("flaky: expected DONE after retries, got %s", flaky.Status)
	}
	if flaky.RetryCount != 2 {
		t.Fatalf("flaky: expected 2 retries, got %d", flaky.RetryCount)
	}

	doomed, _ := s.GetTask(context.Background(), "doomed")
	if doomed.Status != domain.TaskStatusFailed {
		t.Fatalf("doomed: expected FAILED, got %s", doomed.Status)
	}
	if doomed.RetryCount > doomed.MaxRetries {
		t.Fatalf("doomed: retry count %d exceeds budget %d", doomed.RetryCount, doomed.MaxRetries)
	}
	if doomed.Error == "" {
		t.Fatal("doomed: expected captured error")
	}
}

func TestBatchSiblingFailureIsIndependent(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "good", Type: "llm", Input: "g"},
		{TaskID: "bad", Type: "llm", Input: "b"},
	})

	runner := &fakeRunner{failuresLeft: map[string]int{"bad": 10}}
	sched := New(s, runner, 2)
	if err := sched.Execute(context.Background(), "r1", Hooks{}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	statuses := taskStatuses(t, s, "r1")
	if statuses["good"] != domain.TaskStatusDone {
		t.Fatalf("good: expected DONE, got %s", statuses["good"])
	}
	if statuses["bad"] != domain.TaskStatusFailed {
		t.Fatalf("bad: expected FAILED, got %s", statuses["bad"])
	}
}

func TestHooksFire(t *testing.T) {
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a"},
		{TaskID: "bad", Type: "llm", Input: "b"},
	})

	var mu sync.Mutex
	started, completed, failed := 0, 0, 0
	hooks := Hooks{
		OnTaskStarted:   func(*domain.Task) { mu.Lock(); started++; mu.Unlock() },
		OnTaskCompleted: func(*domain.Task) { mu.Lock(); completed++; mu.Unlock() },
		OnTaskFailed:    func(*domain.Task) { mu.Lock(); failed++; mu.Unlock() },
	}

	runner := &fakeRunner{failuresLeft: map[string]int{"bad": 10}}
	if err := New(s, runner, 2).Execute(context.Background(), "r1", hooks); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if started != 2 || completed != 1 || failed != 1 {
		t.Fatalf("hooks: started=%d completed=%d failed=%d", started, completed, failed)
	}
}

func TestExecuteSingle(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a"},
	})

	sched := New(s, &fakeRunner{failuresLeft: map[string]int{}}, 1)

	_, err := sched.ExecuteSingle(ctx, "a", "r1")
	var notReady *domain.TaskNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected TaskNotReadyError for PENDING task, got %v", err)
	}

	task, _ := s.GetTask(ctx, "a")
	if err := task.Transition(domain.TaskStatusReady); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := sched.ExecuteSingle(ctx, "a", "r1")
	if err != nil {
		t.Fatalf("ExecuteSingle failed: %v", err)
	}
	if got.Status != domain.TaskStatusDone || got.Output == "" {
		t.Fatalf("unexpected task: %+v", got)
	}

	_, err = sched.ExecuteSingle(ctx, "ghost", "r1")
	var notFound *domain.TaskNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected TaskNotFoundError, got %v", err)
	}
}

func TestCancelRunCascades(t *testing.T) {
	ctx := context.Background()
	s := helpers.NewTestSQLiteStore(t)
	seedRun(t, s, "r1", []*domain.Task{
		{TaskID: "a", Type: "llm", Input: "a"},
		{TaskID: "b", Type: "llm", Input: "b", Dependencies: []string{"a"}},
	})

	// Finish a so cancellation leaves it untouched.
	task, _ := s.GetTask(ctx, "a")
	task.Status = domain.TaskStatusDone
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	sched := New(s, &fakeRunner{failuresLeft: map[string]int{}}, 1)
	if err := sched.CancelRun(ctx, "r1"); err != nil {
		t.Fatalf("CancelRun failed: %v", err)
	}

	statuses := taskStatuses(t, s, "r1")
	if statuses["a"] != domain.TaskStatusDone {
		t.Fatalf("a: expected DONE untouched, got %s", statuses["a"])
	}
	if statuses["b"] != domain.TaskStatusCancelled {
		t.Fatalf("b: expected CANCELLED, got %s", statuses["b"])
	}
}
