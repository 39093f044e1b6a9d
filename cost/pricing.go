// Package cost implements per-call cost accounting and budget enforcement
// for model calls.
package cost

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/loomhq/loom/domain"
	"gopkg.in/yaml.v3"
)

// defaultPricing seeds the registry with the models the runtime ships
// support for. Rates are USD per one million tokens and can be overridden
// by a pricing file.
var defaultPricing = []domain.PricingEntry{
	{Provider: "openai", Model: "gpt-4o", InputPerMTok: 2.50, OutputPerMTok: 10.00},
	{Provider: "openai", Model: "gpt-4o-mini", InputPerMTok: 0.15, OutputPerMTok: 0.60},
	{Provider: "openai", Model: "gpt-4.1", InputPerMTok: 2.00, OutputPerMTok: 8.00},
	{Provider: "openai", Model: "gpt-4.1-mini", InputPerMTok: 0.40, OutputPerMTok: 1.60},
	{Provider: "anthropic", Model: "claude-sonnet-4", InputPerMTok: 3.00, OutputPerMTok: 15.00},
	{Provider: "anthropic", Model: "claude-haiku-3.5", InputPerMTok: 0.80, OutputPerMTok: 4.00},
	{Provider: "google", Model: "gemini-2.0-flash", InputPerMTok: 0.10, OutputPerMTok: 0.40},
}

// PricingRegistry holds the price sheet, keyed by provider:model.
type PricingRegistry struct {
	mu      sync.RWMutex
	entries map[string]domain.PricingEntry
}

// NewPricingRegistry returns a registry seeded with the embedded defaults.
func NewPricingRegistry() *PricingRegistry {
	r := &PricingRegistry{entries: make(map[string]domain.PricingEntry)}
	for _, e := range defaultPricing {
		r.entries[e.Key()] = e
	}
	return r
}

// pricingFile is the YAML shape of an external price sheet.
type pricingFile struct {
	Pricing []domain.PricingEntry `yaml:"pricing"`
}

// LoadFile merges entries from a YAML pricing file over the defaults.
func (r *PricingRegistry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pricing file: %w", err)
	}
	var pf pricingFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range pf.Pricing {
		if e.Provider == "" || e.Model == "" {
			return fmt.Errorf("pricing file %s: entry missing provider or model", path)
		}
		r.entries[e.Key()] = e
	}
	return nil
}

// Register adds or replaces a single entry.
func (r *PricingRegistry) Register(e domain.PricingEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.Key()] = e
}

// Lookup returns the entry for provider:model.
func (r *PricingRegistry) Lookup(provider, model string) (domain.PricingEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[provider+":"+model]
	return e, ok
}

// List returns every registered entry in key order.
func (r *PricingRegistry) List() []domain.PricingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PricingEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}
