// Package llm defines the model-call capability and the budget-enforcing
// gateway every call is routed through.
package llm

import (
	"context"

	"github.com/loomhq/loom/domain"
)

// CallContext identifies who is making a model call and why. It travels with
// every request so cost entries and logs can be attributed.
type CallContext struct {
	RunID     string       `json:"run_id"`
	SessionID string       `json:"session_id"`
	TaskID    string       `json:"task_id,omitempty"`
	AgentType string       `json:"agent_type"`
	Phase     domain.Phase `json:"phase"`
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a model call. Model and Provider are optional; the gateway
// falls back to its configured defaults and logs the fallback reason.
type Request struct {
	Context     CallContext `json:"context"`
	Messages    []Message   `json:"messages"`
	Model       string      `json:"model,omitempty"`
	Provider    string      `json:"provider,omitempty"`
	Temperature *float64    `json:"temperature,omitempty"`
	MaxTokens   *int        `json:"max_tokens,omitempty"`
}

// Response is the completion plus the token accounting the cost subsystem
// needs.
type Response struct {
	Content string            `json:"content"`
	Model   string            `json:"model"`
	Usage   domain.TokenUsage `json:"usage"`
}

// Provider is the external model capability. Implementations must report
// token usage; the gateway prices calls from it.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
}
