// Package engine orchestrates a run end to end: planning, scheduled
// execution and synthesis, with checkpoints at each phase boundary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/events"
	"github.com/loomhq/loom/memory"
	"github.com/loomhq/loom/scheduler"
	"github.com/loomhq/loom/store"
)

// checkpointsPerTurn is the number of phase-boundary checkpoints one turn
// writes (planning, execution, synthesis).
const checkpointsPerTurn = 3

// Config tunes the engine.
type Config struct {
	// ConcurrencyLimit bounds how many tasks run at once within one run.
	ConcurrencyLimit int
	// TaskMaxRetries is the retry budget for planned tasks that do not set
	// their own.
	TaskMaxRetries int
}

// Engine sequences Planning -> Execution -> Synthesis for each run turn.
// Memory failures degrade to fallbacks; scheduling, state and budget
// failures do not.
type Engine struct {
	store  store.Store
	memory *memory.Coordinator
	agents *agent.Registry
	events events.Publisher
	locks  *store.RunLocks
	cfg    Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an engine.
func New(st store.Store, mem *memory.Coordinator, agents *agent.Registry, pub events.Publisher, cfg Config) *Engine {
	if cfg.ConcurrencyLimit < 1 {
		cfg.ConcurrencyLimit = 1
	}
	if cfg.TaskMaxRetries < 0 {
		cfg.TaskMaxRetries = 0
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		store:   st,
		memory:  mem,
		agents:  agents,
		events:  pub,
		locks:   store.NewRunLocks(),
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// ExecuteInput is one turn of a run.
type ExecuteInput struct {
	RunID     string
	SessionID string
	UserID    string
	AgentType string
	Prompt    string
	Options   map[string]string
}

// Execute drives one turn to completion and returns the finished run. A
// terminal run id starts a fresh turn on the same id; an in-flight run id is
// rejected.
func (e *Engine) Execute(ctx context.Context, in ExecuteInput) (*domain.Run, error) {
	if in.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if in.RunID == "" {
		in.RunID = "run_" + uuid.New().String()[:8]
	}
	if in.SessionID == "" {
		in.SessionID = "sess_" + uuid.New().String()[:8]
	}
	if in.AgentType == "" {
		in.AgentType = "default"
	}

	unlock := e.locks.Lock(in.RunID)
	defer unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.registerCancel(in.RunID, cancel)
	defer e.unregisterCancel(in.RunID)

	if _, err := e.store.GetOrCreateSession(ctx, in.SessionID, in.UserID); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	run, err := e.prepareRun(ctx, in)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	run.Metadata.StartedAt = &started
	e.events.Publish(events.Event{
		Type: events.TypeExecutionStarted, RunID: run.RunID, SessionID: run.SessionID,
		Status: string(run.Status),
	})

	// Planning.
	if err := e.transition(ctx, run, domain.RunStatusPlanning); err != nil {
		return nil, err
	}
	ag, err := e.agents.Get(run.AgentType)
	if err != nil {
		e.failRun(ctx, run, err)
		e.publishTerminal(run, events.TypeExecutionFailed, started, err)
		return nil, err
	}

	// Memory retrieval and the user-message event are best-effort.
	memCtx := e.retrieveMemory(ctx, run, domain.PhasePlanning)
	e.persistUserMemory(ctx, run)

	if err := e.persistMessage(ctx, run, "user", in.Prompt); err != nil {
		e.failRun(ctx, run, err)
		return nil, err
	}

	plan, err := ag.Plan(ctx, agent.PlanInput{
		RunID:         run.RunID,
		SessionID:     run.SessionID,
		Prompt:        in.Prompt,
		MemoryContext: renderMemory(memCtx),
	})
	if err != nil {
		e.failRun(ctx, run, err)
		e.publishTerminal(run, events.TypeExecutionFailed, started, err)
		return nil, err
	}

	if err := e.materializeTasks(ctx, run, plan); err != nil {
		e.failRun(ctx, run, err)
		e.publishTerminal(run, events.TypeExecutionFailed, started, err)
		return nil, err
	}
	e.checkpoint(ctx, run, 1, domain.PhasePlanning)

	// Execution.
	if err := e.transition(ctx, run, domain.RunStatusRunning); err != nil {
		return nil, err
	}
	sched := scheduler.New(e.store, ag, e.cfg.ConcurrencyLimit)
	schedErr := sched.Execute(ctx, run.RunID, e.taskHooks(run))

	if cancelled, cErr := e.reloadIfCancelled(ctx, run); cErr != nil {
		return nil, cErr
	} else if cancelled != nil {
		e.publishTerminal(cancelled, events.TypeExecutionStopped, started, nil)
		return cancelled, nil
	}
	if schedErr != nil {
		e.failRun(ctx, run, schedErr)
		e.publishTerminal(run, events.TypeExecutionFailed, started, schedErr)
		return nil, schedErr
	}
	e.checkpoint(ctx, run, 2, domain.PhaseExecution)

	// Synthesis.
	tasks, err := e.store.ListTasks(ctx, run.RunID)
	if err != nil {
		e.failRun(ctx, run, err)
		return nil, err
	}
	summary, err := e.synthesize(ctx, ag, run, in.Prompt, tasks)
	if err != nil {
		e.failRun(ctx, run, err)
		e.publishTerminal(run, events.TypeExecutionFailed, started, err)
		return nil, err
	}

	e.persistSynthesisMemory(ctx, run, summary)
	e.checkpoint(ctx, run, 3, domain.PhaseSynthesis)

	if err := e.persistMessage(ctx, run, "assistant", summary); err != nil {
		e.failRun(ctx, run, err)
		return nil, err
	}

	run.Output = summary
	completed := time.Now()
	run.Metadata.CompletedAt = &completed
	if err := e.transition(ctx, run, domain.RunStatusCompleted); err != nil {
		return nil, err
	}
	e.publishTerminal(run, events.TypeExecutionCompleted, started, nil)
	return run, nil
}

// prepareRun loads or creates the run row for this turn.
func (e *Engine) prepareRun(ctx context.Context, in ExecuteInput) (*domain.Run, error) {
	input := domain.RunInput{Prompt: in.Prompt, Options: in.Options}

	run, err := e.store.GetRun(ctx, in.RunID)
	if err != nil {
		return nil, err
	}
	switch {
	case run == nil:
		now := time.Now()
		run = &domain.Run{
			RunID:     in.RunID,
			SessionID: in.SessionID,
			Status:    domain.RunStatusCreated,
			AgentType: in.AgentType,
			Input:     input,
			Turn:      1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return nil, err
		}
	case run.Status.Terminal():
		// New turn on the same id: fresh instance, prior tasks cleared.
		run = run.Reset(input)
		if err := e.store.DeleteTasks(ctx, run.RunID); err != nil {
			return nil, err
		}
		if err := e.store.SaveRun(ctx, run); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("run %s is %s, not accepting a new turn", run.RunID, run.Status)
	}
	return run, nil
}

// materializeTasks turns the plan into persisted PENDING tasks, remapping
// plan-local ids to task ids.
func (e *Engine) materializeTasks(ctx context.Context, run *domain.Run, plan *domain.Plan) error {
	if len(plan.Tasks) == 0 {
		return fmt.Errorf("plan for run %s has no tasks", run.RunID)
	}

	ids := make(map[string]string, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		ids[pt.ID] = "task_" + uuid.New().String()[:8]
	}

	now := time.Now()
	tasks := make([]*domain.Task, 0, len(plan.Tasks))
	for _, pt := range plan.Tasks {
		deps := make([]string, 0, len(pt.DependsOn))
		for _, dep := range pt.DependsOn {
			id, ok := ids[dep]
			if !ok {
				return fmt.Errorf("plan task %s depends on unknown task %s", pt.ID, dep)
			}
			deps = append(deps, id)
		}
		maxRetries := pt.MaxRetries
		if maxRetries <= 0 {
			maxRetries = e.cfg.TaskMaxRetries
		}
		tasks = append(tasks, &domain.Task{
			TaskID:       ids[pt.ID],
			RunID:        run.RunID,
			Type:         pt.Type,
			Status:       domain.TaskStatusPending,
			Dependencies: deps,
			Input:        pt.Input,
			MaxRetries:   maxRetries,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return e.store.CreateTasks(ctx, tasks)
}

// synthesize produces the final summary. Budget exhaustion degrades to a
// templated summary built from completed task outputs; the run never fails
// for want of a synthesis call.
func (e *Engine) synthesize(ctx context.Context, ag agent.Agent, run *domain.Run, prompt string, tasks []*domain.Task) (string, error) {
	summary, err := ag.Synthesize(ctx, agent.SynthesizeInput{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		Prompt:    prompt,
		Tasks:     tasks,
	})
	if err == nil {
		return summary, nil
	}

	var runBudget *domain.BudgetExceededError
	var sessionBudget *domain.SessionBudgetExceededError
	if errors.As(err, &runBudget) || errors.As(err, &sessionBudget) {
		log.Printf("WARN: run %s: synthesis skipped, budget exhausted: %v", run.RunID, err)
		return templatedSummary(prompt, tasks), nil
	}
	return "", err
}

// templatedSummary is the no-model synthesis fallback.
func templatedSummary(prompt string, tasks []*domain.Task) string {
	done := 0
	var b strings.Builder
	for _, t := range tasks {
		if t.Status == domain.TaskStatusDone {
			done++
			if t.Output != "" {
				fmt.Fprintf(&b, "- %s\n", t.Output)
			}
		}
	}
	header := fmt.Sprintf("Completed %d of %d tasks for: %s\n", done, len(tasks), prompt)
	if b.Len() == 0 {
		return header
	}
	return header + "\nResults:\n" + b.String()
}

// taskHooks wires lifecycle events and per-task memory extraction into the
// scheduler.
func (e *Engine) taskHooks(run *domain.Run) scheduler.Hooks {
	return scheduler.Hooks{
		OnTaskStarted: func(t *domain.Task) {
			e.events.Publish(events.Event{
				Type: events.TypeTaskStarted, RunID: run.RunID, SessionID: run.SessionID,
				TaskID: t.TaskID, Status: string(t.Status),
			})
		},
		OnTaskCompleted: func(t *domain.Task) {
			e.events.Publish(events.Event{
				Type: events.TypeTaskCompleted, RunID: run.RunID, SessionID: run.SessionID,
				TaskID: t.TaskID, Status: string(t.Status),
			})
			if _, err := e.memory.ExtractAndPersist(context.Background(), memory.ExtractInput{
				RunID:     run.RunID,
				SessionID: run.SessionID,
				TaskID:    t.TaskID,
				Turn:      run.Turn,
				Phase:     domain.PhaseExecution,
				Source:    domain.MemorySourceTask,
				Text:      t.Output,
			}); err != nil {
				log.Printf("WARN: run %s: memory extraction for task %s failed: %v", run.RunID, t.TaskID, err)
			}
		},
		OnTaskFailed: func(t *domain.Task) {
			e.events.Publish(events.Event{
				Type: events.TypeTaskFailed, RunID: run.RunID, SessionID: run.SessionID,
				TaskID: t.TaskID, Status: string(t.Status), Error: t.Error,
			})
		},
	}
}

// Cancel transitions the run to CANCELLED, cascades to its non-terminal
// tasks and interrupts an in-flight Execute. Cancelling a terminal run is a
// no-op.
func (e *Engine) Cancel(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, &domain.RunNotFoundError{RunID: runID}
	}
	if run.Status.Terminal() {
		return run, nil
	}

	if err := run.Transition(domain.RunStatusCancelled); err != nil {
		return nil, err
	}
	completed := time.Now()
	run.Metadata.CompletedAt = &completed
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	sched := scheduler.New(e.store, nil, 1)
	if err := sched.CancelRun(ctx, runID); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if cancel, ok := e.cancels[runID]; ok {
		cancel()
	}
	e.mu.Unlock()

	e.events.Publish(events.Event{
		Type: events.TypeExecutionStopped, RunID: run.RunID, SessionID: run.SessionID,
		Status: string(run.Status),
	})
	return run, nil
}

// Status returns the run and its tasks.
func (e *Engine) Status(ctx context.Context, runID string) (*domain.Run, []*domain.Task, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	if run == nil {
		return nil, nil, &domain.RunNotFoundError{RunID: runID}
	}
	tasks, err := e.store.ListTasks(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, tasks, nil
}

// transition applies and persists a run status change.
func (e *Engine) transition(ctx context.Context, run *domain.Run, next domain.RunStatus) error {
	if err := run.Transition(next); err != nil {
		return err
	}
	return e.store.SaveRun(ctx, run)
}

// failRun marks the run FAILED with the causing message. An already-terminal
// run is preserved: a post-completion error never downgrades COMPLETED.
func (e *Engine) failRun(ctx context.Context, run *domain.Run, cause error) {
	if run.Status.Terminal() {
		log.Printf("WARN: run %s already %s, preserving status despite error: %v", run.RunID, run.Status, cause)
		return
	}
	if err := run.Transition(domain.RunStatusFailed); err != nil {
		log.Printf("ERROR: run %s: cannot mark failed from %s: %v", run.RunID, run.Status, err)
		return
	}
	run.Metadata.Error = cause.Error()
	completed := time.Now()
	run.Metadata.CompletedAt = &completed
	if err := e.store.SaveRun(ctx, run); err != nil {
		log.Printf("ERROR: run %s: persist failure state: %v", run.RunID, err)
	}
}

// reloadIfCancelled returns the fresh run when a concurrent Cancel made it
// terminal during scheduling.
func (e *Engine) reloadIfCancelled(ctx context.Context, run *domain.Run) (*domain.Run, error) {
	fresh, err := e.store.GetRun(context.WithoutCancel(ctx), run.RunID)
	if err != nil {
		return nil, err
	}
	if fresh != nil && fresh.Status == domain.RunStatusCancelled {
		return fresh, nil
	}
	return nil, nil
}

// retrieveMemory is best-effort; on failure the run proceeds with an empty
// context.
func (e *Engine) retrieveMemory(ctx context.Context, run *domain.Run, phase domain.Phase) *memory.Context {
	memCtx, err := e.memory.RetrieveContext(ctx, run.RunID, run.SessionID, phase, run.Input.Prompt, true)
	if err != nil {
		log.Printf("WARN: run %s: memory retrieval failed, proceeding without context: %v", run.RunID, err)
		return &memory.Context{}
	}
	return memCtx
}

// persistUserMemory appends the incoming user message as a memory event,
// best-effort.
func (e *Engine) persistUserMemory(ctx context.Context, run *domain.Run) {
	_, err := e.memory.AppendEvent(ctx, &domain.MemoryEvent{
		IdempotencyKey: fmt.Sprintf("%s:%d:run:user-message:0", run.RunID, run.Turn),
		RunID:          run.RunID,
		SessionID:      run.SessionID,
		Scope:          domain.MemoryScopeRun,
		Kind:           domain.MemoryKindFact,
		Content:        run.Input.Prompt,
		Tags:           []string{"user", "planning"},
		Confidence:     0.95,
		Source:         domain.MemorySourceUser,
		CreatedAt:      time.Now(),
	})
	if err != nil {
		log.Printf("WARN: run %s: persist user memory failed: %v", run.RunID, err)
	}
}

// persistSynthesisMemory extracts memory from the final summary, best-effort.
func (e *Engine) persistSynthesisMemory(ctx context.Context, run *domain.Run, summary string) {
	if _, err := e.memory.ExtractAndPersist(ctx, memory.ExtractInput{
		RunID:     run.RunID,
		SessionID: run.SessionID,
		Turn:      run.Turn,
		Phase:     domain.PhaseSynthesis,
		Source:    domain.MemorySourceSynthesis,
		Text:      summary,
	}); err != nil {
		log.Printf("WARN: run %s: persist synthesis memory failed: %v", run.RunID, err)
	}
}

func (e *Engine) persistMessage(ctx context.Context, run *domain.Run, role, content string) error {
	return e.store.CreateMessage(ctx, &domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		SessionID: run.SessionID,
		RunID:     run.RunID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// checkpoint writes a phase-boundary checkpoint, best-effort. Sequences are
// offset by the turn counter so a reset run's checkpoints keep increasing
// past the previous turn's instead of being rejected as replays.
func (e *Engine) checkpoint(ctx context.Context, run *domain.Run, phaseSeq int, phase domain.Phase) {
	sequence := (run.Turn-1)*checkpointsPerTurn + phaseSeq
	tasks, err := e.store.ListTasks(ctx, run.RunID)
	if err != nil {
		log.Printf("WARN: run %s: checkpoint %d skipped, cannot list tasks: %v", run.RunID, sequence, err)
		return
	}
	statuses := make(map[string]domain.TaskStatus, len(tasks))
	for _, t := range tasks {
		statuses[t.TaskID] = t.Status
	}
	if _, err := e.memory.CreateCheckpoint(ctx, memory.CheckpointInput{
		RunID:        run.RunID,
		Sequence:     sequence,
		Phase:        phase,
		RunStatus:    run.Status,
		TaskStatuses: statuses,
	}); err != nil {
		log.Printf("WARN: run %s: checkpoint %d failed: %v", run.RunID, sequence, err)
	}
}

// publishTerminal emits the run's terminal event with its duration.
func (e *Engine) publishTerminal(run *domain.Run, eventType string, started time.Time, cause error) {
	ev := events.Event{
		Type: eventType, RunID: run.RunID, SessionID: run.SessionID,
		Status: string(run.Status), DurationMs: time.Since(started).Milliseconds(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	e.events.Publish(ev)
}

// renderMemory formats the retrieved context for the prompt layer.
func renderMemory(memCtx *memory.Context) string {
	if memCtx == nil || (len(memCtx.Events) == 0 && memCtx.Snapshot == nil) {
		return ""
	}
	var b strings.Builder
	if memCtx.Snapshot != nil {
		fmt.Fprintf(&b, "Summary: %s\n", memCtx.Snapshot.Summary)
		for _, c := range memCtx.Snapshot.Constraints {
			fmt.Fprintf(&b, "Constraint: %s\n", c)
		}
	}
	for _, ev := range memCtx.Events {
		fmt.Fprintf(&b, "%s: %s\n", ev.Kind, ev.Content)
	}
	return b.String()
}

func (e *Engine) registerCancel(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[runID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(runID string) {
	e.mu.Lock()
	delete(e.cancels, runID)
	e.mu.Unlock()
}
