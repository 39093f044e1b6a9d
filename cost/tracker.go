package cost

import (
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/domain"
)

// Tracker turns token usage into priced cost entries.
type Tracker struct {
	resolver *PricingResolver
}

// NewTracker creates a tracker over the resolver.
func NewTracker(resolver *PricingResolver) *Tracker {
	return &Tracker{resolver: resolver}
}

// Compute prices a token usage against provider:model rates.
func Compute(entry domain.PricingEntry, usage domain.TokenUsage) float64 {
	return float64(usage.PromptTokens)*entry.InputPerMTok/1e6 +
		float64(usage.CompletionTokens)*entry.OutputPerMTok/1e6
}

// Estimate projects the cost of a call from an estimated token usage, before
// the call is made. Subject to the resolver's unknown-pricing mode.
func (t *Tracker) Estimate(provider, model string, usage domain.TokenUsage) (float64, error) {
	entry, err := t.resolver.Resolve(provider, model)
	if err != nil {
		return 0, err
	}
	return Compute(entry, usage), nil
}

// CallInput identifies one completed model call.
type CallInput struct {
	RunID     string
	SessionID string
	TaskID    string
	Provider  string
	Model     string
	Usage     domain.TokenUsage
}

// Track builds the immutable cost entry for one completed call.
func (t *Tracker) Track(in CallInput) (*domain.CostEntry, error) {
	entry, err := t.resolver.Resolve(in.Provider, in.Model)
	if err != nil {
		return nil, err
	}
	return &domain.CostEntry{
		EntryID:   "cost_" + uuid.New().String()[:8],
		RunID:     in.RunID,
		SessionID: in.SessionID,
		TaskID:    in.TaskID,
		Provider:  in.Provider,
		Model:     in.Model,
		Usage:     in.Usage,
		Cost:      Compute(entry, in.Usage),
		CreatedAt: time.Now(),
	}, nil
}
