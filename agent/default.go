package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/executor"
	"github.com/loomhq/loom/llm"
	"github.com/loomhq/loom/policy"
)

const planSystemPrompt = `You are a planner. Break the user's request into tasks.
Respond with JSON only, no prose, in this shape:
{"summary": "...", "tasks": [{"id": "t1", "type": "llm", "input": "...", "depends_on": [], "max_retries": 1}]}
Task types: "llm" (input is a prompt) and "exec" (input is JSON {"plugin","action","payload"}).
Keep the graph small and dependencies minimal.`

const synthesizeSystemPrompt = `You are a synthesizer. Given a request and the outputs of the tasks
that fulfilled it, write a concise final answer for the user.`

// Default is the general-purpose agent: it plans through the model gateway
// with a heuristic fallback, executes llm and exec tasks, and synthesizes
// the final summary.
type Default struct {
	gateway *llm.Gateway
	exec    executor.Executor
	engine  *policy.Engine
}

// NewDefault creates the default agent. exec is the ungated executor; policy
// gating is applied per run.
func NewDefault(gateway *llm.Gateway, exec executor.Executor, engine *policy.Engine) *Default {
	return &Default{gateway: gateway, exec: exec, engine: engine}
}

// Type implements Agent.
func (d *Default) Type() string { return "default" }

// Capabilities implements Agent.
func (d *Default) Capabilities() Capabilities {
	return Capabilities{
		Type:        "default",
		Description: "plans with the model gateway, executes llm and exec tasks",
		TaskTypes:   []string{"llm", "exec"},
		Plugins:     []string{"file", "shell", "git"},
	}
}

// Plan asks the model for a task graph. When the gateway is unavailable or
// returns an unparseable plan, it falls back to the heuristic planner and
// logs the reason.
func (d *Default) Plan(ctx context.Context, in PlanInput) (*domain.Plan, error) {
	messages := []llm.Message{
		{Role: "system", Content: planSystemPrompt},
	}
	if in.MemoryContext != "" {
		messages = append(messages, llm.Message{Role: "system", Content: "Relevant context:\n" + in.MemoryContext})
	}
	messages = append(messages, llm.Message{Role: "user", Content: in.Prompt})

	resp, err := d.gateway.Complete(ctx, &llm.Request{
		Context: llm.CallContext{
			RunID:     in.RunID,
			SessionID: in.SessionID,
			AgentType: d.Type(),
			Phase:     domain.PhasePlanning,
		},
		Messages: messages,
	})
	if err != nil {
		log.Printf("WARN: run %s: planner gateway call failed, using heuristic plan: %v", in.RunID, err)
		return heuristicPlan(in.Prompt), nil
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		log.Printf("WARN: run %s: planner output unparseable, using heuristic plan: %v", in.RunID, err)
		return heuristicPlan(in.Prompt), nil
	}
	return plan, nil
}

// parsePlan extracts the JSON plan from model output, tolerating code fences.
func parsePlan(content string) (*domain.Plan, error) {
	text := strings.TrimSpace(content)
	if i := strings.Index(text, "{"); i > 0 {
		text = text[i:]
	}
	if i := strings.LastIndex(text, "}"); i >= 0 {
		text = text[:i+1]
	}

	var plan domain.Plan
	if err := json.Unmarshal([]byte(text), &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan has no tasks")
	}
	seen := make(map[string]bool, len(plan.Tasks))
	for _, t := range plan.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("plan task missing id")
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("plan task id %s duplicated", t.ID)
		}
		seen[t.ID] = true
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("plan task %s depends on unknown task %s", t.ID, dep)
			}
		}
	}
	return &plan, nil
}

// heuristicPlan is the no-model fallback: one llm task carrying the prompt.
func heuristicPlan(prompt string) *domain.Plan {
	return &domain.Plan{
		Summary: "direct response",
		Tasks: []domain.PlannedTask{
			{ID: "t1", Type: "llm", Input: prompt, MaxRetries: 1},
		},
	}
}

// execSpec is the parsed input of an exec task.
type execSpec struct {
	Plugin  string         `json:"plugin"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload"`
}

// ExecuteTask runs one task. llm tasks go through the gateway; exec tasks go
// through the policy-gated executor.
func (d *Default) ExecuteTask(ctx context.Context, task *domain.Task) (string, error) {
	switch task.Type {
	case "exec":
		var spec execSpec
		if err := json.Unmarshal([]byte(task.Input), &spec); err != nil {
			return "", fmt.Errorf("task %s: parse exec input: %w", task.TaskID, err)
		}
		gated := executor.NewGated(d.exec, d.engine, task.RunID, d.Type())
		out, err := gated.Execute(ctx, spec.Plugin, spec.Action, spec.Payload)
		if err != nil {
			return "", err
		}
		return string(out), nil

	default:
		// Anything that is not an exec action is treated as a prompt.
		resp, err := d.gateway.Complete(ctx, &llm.Request{
			Context: llm.CallContext{
				RunID:     task.RunID,
				TaskID:    task.TaskID,
				AgentType: d.Type(),
				Phase:     domain.PhaseExecution,
			},
			Messages: []llm.Message{{Role: "user", Content: task.Input}},
		})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
}

// Synthesize writes the final answer from the completed task outputs. Budget
// errors propagate; the caller owns the templated fallback.
func (d *Default) Synthesize(ctx context.Context, in SynthesizeInput) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nTask outputs:\n", in.Prompt)
	for _, task := range in.Tasks {
		if task.Status == domain.TaskStatusDone && task.Output != "" {
			fmt.Fprintf(&b, "- [%s] %s\n", task.TaskID, task.Output)
		}
	}

	resp, err := d.gateway.Complete(ctx, &llm.Request{
		Context: llm.CallContext{
			RunID:     in.RunID,
			SessionID: in.SessionID,
			AgentType: d.Type(),
			Phase:     domain.PhaseSynthesis,
		},
		Messages: []llm.Message{
			{Role: "system", Content: synthesizeSystemPrompt},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
