// Package agent defines the capability interface run orchestration plans,
// executes and synthesizes through, plus a registry for selecting an
// implementation by agent type.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loomhq/loom/domain"
)

// PlanInput is everything the planner sees.
type PlanInput struct {
	RunID     string
	SessionID string
	Prompt    string
	// MemoryContext is the pre-rendered memory handed to the prompt; empty
	// when memory retrieval degraded.
	MemoryContext string
}

// SynthesizeInput carries the completed run for final summarization.
type SynthesizeInput struct {
	RunID     string
	SessionID string
	Prompt    string
	Tasks     []*domain.Task
}

// Capabilities describes what an agent can do, surfaced via the API.
type Capabilities struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	TaskTypes   []string `json:"task_types"`
	Plugins     []string `json:"plugins,omitempty"`
}

// Agent is the pluggable behavior behind a run: it plans the task graph,
// executes individual tasks and synthesizes the final answer.
type Agent interface {
	Type() string
	Plan(ctx context.Context, in PlanInput) (*domain.Plan, error)
	ExecuteTask(ctx context.Context, task *domain.Task) (string, error)
	Synthesize(ctx context.Context, in SynthesizeInput) (string, error)
	Capabilities() Capabilities
}

// UnknownAgentError is returned for an unregistered agent type.
type UnknownAgentError struct {
	AgentType string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent type %q", e.AgentType)
}

// Registry selects agents by type.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register installs an agent under its type, replacing any prior one.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Type()] = a
}

// Get returns the agent for a type.
func (r *Registry) Get(agentType string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentType]
	if !ok {
		return nil, &UnknownAgentError{AgentType: agentType}
	}
	return a, nil
}

// List returns the capabilities of every registered agent, sorted by type.
func (r *Registry) List() []Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capabilities, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.Capabilities())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
