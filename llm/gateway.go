package llm

import (
	"context"
	"fmt"
	"log"

	"github.com/loomhq/loom/cost"
	"github.com/loomhq/loom/domain"
)

// completionEstimate is the assumed output size when the request does not
// cap MaxTokens, used only to project cost before the call.
const completionEstimate = 1000

// SessionResolver maps a run to its session so cost entries made on behalf
// of a task (which only knows its run) are attributed to the right session.
type SessionResolver interface {
	SessionForRun(ctx context.Context, runID string) (string, error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(ctx context.Context, runID string) (string, error)

func (f SessionResolverFunc) SessionForRun(ctx context.Context, runID string) (string, error) {
	return f(ctx, runID)
}

// Gateway wraps every model call with budget enforcement and cost recording.
// It is the only caller of the provider capability; nothing else in the
// runtime talks to a model directly.
type Gateway struct {
	provider        Provider
	tracker         *cost.Tracker
	budget          *cost.BudgetManager
	sessions        SessionResolver
	defaultModel    string
	defaultProvider string
}

// NewGateway creates the gateway. defaultModel/defaultProvider are used when
// a request leaves the selection open; sessions may be nil when every caller
// fills in CallContext.SessionID itself.
func NewGateway(provider Provider, tracker *cost.Tracker, budget *cost.BudgetManager, sessions SessionResolver, defaultProvider, defaultModel string) *Gateway {
	return &Gateway{
		provider:        provider,
		tracker:         tracker,
		budget:          budget,
		sessions:        sessions,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

// Complete projects the call's cost, reserves it against the run and session
// budgets, makes the call, then records the actual cost. The reserve/commit
// pair is the critical section: two concurrent calls cannot both pass a
// budget check they jointly violate.
func (g *Gateway) Complete(ctx context.Context, req *Request) (*Response, error) {
	provider, model := g.selectModel(req)

	sessionID := req.Context.SessionID
	if sessionID == "" && g.sessions != nil {
		sid, err := g.sessions.SessionForRun(ctx, req.Context.RunID)
		if err != nil {
			return nil, fmt.Errorf("resolve session for run %s: %w", req.Context.RunID, err)
		}
		sessionID = sid
	}

	// Prime the session's accumulated spend from the ledger so the ceiling
	// covers cost recorded before this process started. Loaded once per
	// session; later commits keep the cached total current.
	if err := g.budget.LoadSession(ctx, sessionID); err != nil {
		return nil, err
	}

	projected, err := g.tracker.Estimate(provider, model, domain.TokenUsage{
		PromptTokens:     estimatePromptTokens(req.Messages),
		CompletionTokens: estimateCompletionTokens(req),
	})
	if err != nil {
		return nil, err
	}

	res, err := g.budget.Reserve(req.Context.RunID, sessionID, projected)
	if err != nil {
		return nil, err
	}
	defer g.budget.Release(res)

	call := *req
	call.Model = model
	call.Provider = provider
	resp, err := g.provider.Complete(ctx, &call)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}

	entry, err := g.tracker.Track(cost.CallInput{
		RunID:     req.Context.RunID,
		SessionID: sessionID,
		TaskID:    req.Context.TaskID,
		Provider:  provider,
		Model:     model,
		Usage:     resp.Usage,
	})
	if err != nil {
		return nil, err
	}
	if err := g.budget.Commit(ctx, res, entry); err != nil {
		return nil, fmt.Errorf("record cost: %w", err)
	}
	return resp, nil
}

// selectModel resolves the provider/model pair. Fallbacks to the configured
// defaults are logged with the reason; selection never falls back silently.
func (g *Gateway) selectModel(req *Request) (provider, model string) {
	provider, model = req.Provider, req.Model
	if provider == "" {
		provider = g.defaultProvider
		log.Printf("INFO: run %s: provider not specified, using default %s", req.Context.RunID, provider)
	}
	if model == "" {
		model = g.defaultModel
		log.Printf("INFO: run %s: model not specified, using default %s", req.Context.RunID, model)
	}
	return provider, model
}

func estimatePromptTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += (len(m.Content) + 3) / 4
	}
	return total
}

func estimateCompletionTokens(req *Request) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return completionEstimate
}
