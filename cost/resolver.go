package cost

import (
	"log"
	"sync"

	"github.com/loomhq/loom/domain"
)

// PricingMode controls what happens when provider:model has no pricing entry.
type PricingMode string

const (
	// PricingModeWarn falls back to zero cost and logs once per key.
	PricingModeWarn PricingMode = "warn"
	// PricingModeBlock rejects the call with an UnknownPricingError.
	PricingModeBlock PricingMode = "block"
)

// PricingResolver looks up pricing and applies the unknown-pricing mode.
type PricingResolver struct {
	registry *PricingRegistry
	mode     PricingMode

	mu     sync.Mutex
	warned map[string]bool
}

// NewPricingResolver creates a resolver. An unrecognized mode is coerced to
// warn; the mode is an explicit config value, never inferred.
func NewPricingResolver(registry *PricingRegistry, mode PricingMode) *PricingResolver {
	if mode != PricingModeBlock {
		mode = PricingModeWarn
	}
	return &PricingResolver{registry: registry, mode: mode, warned: make(map[string]bool)}
}

// Resolve returns the pricing entry for provider:model. In warn mode an
// unseeded pair resolves to a zero-rate entry (so the call proceeds at zero
// recorded cost) and logs once per pair; in block mode it returns
// *UnknownPricingError.
func (r *PricingResolver) Resolve(provider, model string) (domain.PricingEntry, error) {
	if entry, ok := r.registry.Lookup(provider, model); ok {
		return entry, nil
	}

	if r.mode == PricingModeBlock {
		return domain.PricingEntry{}, &domain.UnknownPricingError{Provider: provider, Model: model}
	}

	key := provider + ":" + model
	r.mu.Lock()
	if !r.warned[key] {
		r.warned[key] = true
		log.Printf("WARN: no pricing for %s, recording zero cost", key)
	}
	r.mu.Unlock()

	return domain.PricingEntry{Provider: provider, Model: model}, nil
}
