package domain

import "time"

// PricingEntry is the per-model price sheet, keyed by provider:model.
// Rates are USD per one million tokens.
type PricingEntry struct {
	Provider      string  `json:"provider" yaml:"provider"`
	Model         string  `json:"model" yaml:"model"`
	InputPerMTok  float64 `json:"input_per_mtok" yaml:"input_per_mtok"`
	OutputPerMTok float64 `json:"output_per_mtok" yaml:"output_per_mtok"`
}

// Key returns the provider:model registry key.
func (p PricingEntry) Key() string {
	return p.Provider + ":" + p.Model
}

// TokenUsage is the token accounting reported for one model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CostEntry records the cost of one model call. Entries are immutable and
// summed per run and per session.
type CostEntry struct {
	EntryID   string     `json:"entry_id"`
	RunID     string     `json:"run_id"`
	SessionID string     `json:"session_id"`
	TaskID    string     `json:"task_id,omitempty"`
	Provider  string     `json:"provider"`
	Model     string     `json:"model"`
	Usage     TokenUsage `json:"usage"`
	Cost      float64    `json:"cost"`
	CreatedAt time.Time  `json:"created_at"`
}

// Session represents a conversation session.
type Session struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Message represents a single message in a session.
type Message struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	RunID     string    `json:"run_id,omitempty"`
	Role      string    `json:"role"` // user, assistant, system
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
