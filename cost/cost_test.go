package cost

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/tests/helpers"
)

func TestResolveKnownModel(t *testing.T) {
	r := NewPricingResolver(NewPricingRegistry(), PricingModeBlock)
	entry, err := r.Resolve("openai", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if entry.InputPerMTok != 0.15 || entry.OutputPerMTok != 0.60 {
		t.Fatalf("unexpected rates: %+v", entry)
	}
}

func TestResolveUnknownModelBlockMode(t *testing.T) {
	r := NewPricingResolver(NewPricingRegistry(), PricingModeBlock)
	_, err := r.Resolve("openai", "unknown-model")
	var perr *domain.UnknownPricingError
	if !errors.As(err, &perr) {
		t.Fatalf("expected UnknownPricingError, got %v", err)
	}
	if perr.Provider != "openai" || perr.Model != "unknown-model" {
		t.Fatalf("error names wrong pair: %+v", perr)
	}
}

func TestResolveUnknownModelWarnMode(t *testing.T) {
	r := NewPricingResolver(NewPricingRegistry(), PricingModeWarn)
	entry, err := r.Resolve("openai", "unknown-model")
	if err != nil {
		t.Fatalf("warn mode should not error: %v", err)
	}
	if entry.InputPerMTok != 0 || entry.OutputPerMTok != 0 {
		t.Fatalf("warn mode should resolve to zero rates, got %+v", entry)
	}
	if c := Compute(entry, domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000}); c != 0 {
		t.Fatalf("expected zero cost, got %f", c)
	}
}

func TestCompute(t *testing.T) {
	entry := domain.PricingEntry{InputPerMTok: 2.50, OutputPerMTok: 10.00}
	got := Compute(entry, domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 500})
	want := 0.0025 + 0.005
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("Compute = %f, want %f", got, want)
	}
}

func TestLedgerRecordAndTotals(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(helpers.NewTestSQLiteStore(t))
	tracker := NewTracker(NewPricingResolver(NewPricingRegistry(), PricingModeBlock))

	for i := 0; i < 2; i++ {
		entry, err := tracker.Track(CallInput{
			RunID:     "r1",
			SessionID: "s1",
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			Usage:     domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000},
		})
		if err != nil {
			t.Fatalf("Track failed: %v", err)
		}
		if err := ledger.Record(ctx, entry); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	perCall := 0.15/1000 + 0.60/1000
	runTotal, err := ledger.RunTotal(ctx, "r1")
	if err != nil {
		t.Fatalf("RunTotal failed: %v", err)
	}
	if math.Abs(runTotal-2*perCall) > 1e-9 {
		t.Fatalf("run total = %f, want %f", runTotal, 2*perCall)
	}
	sessionTotal, err := ledger.SessionTotal(ctx, "s1")
	if err != nil {
		t.Fatalf("SessionTotal failed: %v", err)
	}
	if math.Abs(sessionTotal-runTotal) > 1e-9 {
		t.Fatalf("session total %f diverges from run total %f", sessionTotal, runTotal)
	}

	entries, err := ledger.ListRunEntries(ctx, "r1")
	if err != nil {
		t.Fatalf("ListRunEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestBudgetRejectsOverRunLimit(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(helpers.NewTestSQLiteStore(t))
	b := NewBudgetManager(ledger, Limits{MaxCostPerRun: 0.01})

	_, err := b.Reserve("r1", "s1", 0.02)
	var berr *domain.BudgetExceededError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BudgetExceededError, got %v", err)
	}
	if berr.RunID != "r1" || berr.Limit != 0.01 {
		t.Fatalf("error fields wrong: %+v", berr)
	}

	// The rejected call leaves no entry behind.
	entries, err := ledger.ListRunEntries(ctx, "r1")
	if err != nil {
		t.Fatalf("ListRunEntries failed: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("rejected call recorded %d entries", len(entries))
	}
}

func TestBudgetReservationsAccumulate(t *testing.T) {
	b := NewBudgetManager(NewLedger(helpers.NewTestSQLiteStore(t)), Limits{MaxCostPerRun: 0.01})

	res, err := b.Reserve("r1", "s1", 0.006)
	if err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if _, err := b.Reserve("r1", "s1", 0.006); err == nil {
		t.Fatal("second reserve should fail while the first is held")
	}

	b.Release(res)
	if _, err := b.Reserve("r1", "s1", 0.006); err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
}

func TestBudgetCommitRecordsAndSettles(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(helpers.NewTestSQLiteStore(t))
	b := NewBudgetManager(ledger, Limits{MaxCostPerRun: 0.01})

	res, err := b.Reserve("r1", "s1", 0.004)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	entry := &domain.CostEntry{
		EntryID: "cost_1", RunID: "r1", SessionID: "s1",
		Provider: "openai", Model: "gpt-4o-mini", Cost: 0.003,
	}
	if err := b.Commit(ctx, res, entry); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := b.RunSpent("r1"); math.Abs(got-0.003) > 1e-9 {
		t.Fatalf("RunSpent = %f, want 0.003", got)
	}
	entries, _ := ledger.ListRunEntries(ctx, "r1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	// Commit settled the reservation, so only the spent 0.003 counts.
	if _, err := b.Reserve("r1", "s1", 0.006); err != nil {
		t.Fatalf("reserve after commit failed: %v", err)
	}
}

func TestBudgetSessionLimitSpansRuns(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(helpers.NewTestSQLiteStore(t))

	// Prior run in the same session already spent 0.008.
	if err := ledger.Record(ctx, &domain.CostEntry{
		EntryID: "cost_prev", RunID: "r0", SessionID: "s1", Cost: 0.008,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	b := NewBudgetManager(ledger, Limits{MaxCostPerSession: 0.01})
	if err := b.LoadSession(ctx, "s1"); err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}

	_, err := b.Reserve("r1", "s1", 0.005)
	var serr *domain.SessionBudgetExceededError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SessionBudgetExceededError, got %v", err)
	}
	if _, err := b.Reserve("r1", "s1", 0.001); err != nil {
		t.Fatalf("within-session reserve failed: %v", err)
	}
}

func TestPricingRegistryListAndFile(t *testing.T) {
	reg := NewPricingRegistry()
	before := len(reg.List())
	if before == 0 {
		t.Fatal("registry not seeded with defaults")
	}

	reg.Register(domain.PricingEntry{Provider: "local", Model: "llama-3", InputPerMTok: 0, OutputPerMTok: 0})
	if _, ok := reg.Lookup("local", "llama-3"); !ok {
		t.Fatal("registered entry not found")
	}
	if len(reg.List()) != before+1 {
		t.Fatal("List missing registered entry")
	}

	path := filepath.Join(t.TempDir(), "pricing.yaml")
	seed := `pricing:
  - provider: openai
    model: gpt-4o-mini
    input_per_mtok: 0.20
    output_per_mtok: 0.80
  - provider: mistral
    model: mistral-large
    input_per_mtok: 2.00
    output_per_mtok: 6.00
`
	if err := os.WriteFile(path, []byte(seed), 0o644); err != nil {
		t.Fatalf("write pricing file: %v", err)
	}
	if err := reg.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if e, ok := reg.Lookup("openai", "gpt-4o-mini"); !ok || e.InputPerMTok != 0.20 {
		t.Fatalf("file did not override default: %+v", e)
	}
	if _, ok := reg.Lookup("mistral", "mistral-large"); !ok {
		t.Fatal("file entry not merged")
	}
}
