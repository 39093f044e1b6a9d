package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/loomhq/loom/policy"
)

// ActionBlockedError is returned when policy blocks an action.
type ActionBlockedError struct {
	Plugin string
	Action string
}

func (e *ActionBlockedError) Error() string {
	return fmt.Sprintf("action %s.%s blocked by policy", e.Plugin, e.Action)
}

// ApprovalRequiredError is returned when policy requires human approval.
// This runtime has no approval channel, so the action fails.
type ApprovalRequiredError struct {
	Plugin string
	Action string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("action %s.%s requires approval", e.Plugin, e.Action)
}

// Gated wraps an Executor with a policy decision before every action.
type Gated struct {
	next      Executor
	engine    *policy.Engine
	runID     string
	agentType string
}

// NewGated wraps next with the policy engine. runID and agentType are passed
// to the policy as evaluation context.
func NewGated(next Executor, engine *policy.Engine, runID, agentType string) *Gated {
	return &Gated{next: next, engine: engine, runID: runID, agentType: agentType}
}

// Execute evaluates policy and dispatches only on allow.
func (g *Gated) Execute(ctx context.Context, plugin, action string, payload map[string]any) (json.RawMessage, error) {
	decision, err := g.engine.Evaluate(ctx, policy.ActionInput{
		Plugin:    plugin,
		Action:    action,
		Payload:   payload,
		RunID:     g.runID,
		AgentType: g.agentType,
	})
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}

	switch decision {
	case policy.DecisionAllow:
		return g.next.Execute(ctx, plugin, action, payload)
	case policy.DecisionBlock:
		log.Printf("WARN: run %s: policy blocked %s.%s", g.runID, plugin, action)
		return nil, &ActionBlockedError{Plugin: plugin, Action: action}
	case policy.DecisionRequireApproval:
		return nil, &ApprovalRequiredError{Plugin: plugin, Action: action}
	default:
		return nil, fmt.Errorf("unknown policy decision %q for %s.%s", decision, plugin, action)
	}
}
