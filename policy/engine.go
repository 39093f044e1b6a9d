// Package policy gates executor actions through OPA. Every plugin action an
// agent requests is evaluated before it runs.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decision outcomes. Anything other than allow stops the action.
const (
	DecisionAllow           = "allow"
	DecisionBlock           = "block"
	DecisionRequireApproval = "require_approval"
)

// ActionInput is the evaluation input for one executor action.
type ActionInput struct {
	Plugin    string         `json:"plugin"`
	Action    string         `json:"action"`
	Payload   map[string]any `json:"payload"`
	RunID     string         `json:"run_id"`
	AgentType string         `json:"agent_type"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from rego source. The policy module must
// define data.exec_policy.decision.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.exec_policy.decision"),
		rego.Module("exec_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate returns the decision for one action. A policy with no matching
// rule and no default is treated as allow.
func (e *Engine) Evaluate(ctx context.Context, in ActionInput) (string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]any{
		"plugin":     in.Plugin,
		"action":     in.Action,
		"payload":    in.Payload,
		"run_id":     in.RunID,
		"agent_type": in.AgentType,
	}))
	if err != nil {
		return "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return DecisionAllow, nil
	}

	if s, ok := results[0].Expressions[0].Value.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("policy returned non-string decision: %v", results[0].Expressions[0].Value)
}

// DefaultPolicy is the shipped executor policy: destructive shell actions
// are blocked, pushes to remotes need approval, everything else is allowed.
const DefaultPolicy = `
package exec_policy

default decision = "allow"

decision = "block" {
	input.plugin == "shell"
	contains(input.payload.command, "rm -rf")
}

decision = "block" {
	input.plugin == "file"
	input.action == "delete"
	startswith(input.payload.path, "/")
}

decision = "require_approval" {
	input.plugin == "git"
	input.action == "push"
}
`
