package cost

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomhq/loom/domain"
)

// Limits are the budget ceilings in USD. A zero or negative ceiling means
// unlimited.
type Limits struct {
	MaxCostPerRun     float64
	MaxCostPerSession float64
}

// BudgetManager enforces run and session cost ceilings. The check-then-record
// sequence for a model call is a reserve/commit pair: Reserve holds the
// projected cost against both ceilings so two concurrent calls cannot jointly
// slip past a check, Commit replaces the reservation with the actual recorded
// entry, Release drops it when the call fails.
type BudgetManager struct {
	ledger *Ledger
	limits Limits

	mu              sync.Mutex
	runSpent        map[string]float64
	sessionSpent    map[string]float64
	sessionLoaded   map[string]bool
	runReserved     map[string]float64
	sessionReserved map[string]float64
}

// NewBudgetManager creates a manager over the ledger.
func NewBudgetManager(ledger *Ledger, limits Limits) *BudgetManager {
	return &BudgetManager{
		ledger:          ledger,
		limits:          limits,
		runSpent:        make(map[string]float64),
		sessionSpent:    make(map[string]float64),
		sessionLoaded:   make(map[string]bool),
		runReserved:     make(map[string]float64),
		sessionReserved: make(map[string]float64),
	}
}

// LoadSession primes the session's accumulated cost from the ledger. Called
// once at run startup; later commits keep the cached total current.
func (b *BudgetManager) LoadSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	loaded := b.sessionLoaded[sessionID]
	b.mu.Unlock()
	if loaded {
		return nil
	}

	total, err := b.ledger.SessionTotal(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session budget: %w", err)
	}

	b.mu.Lock()
	if !b.sessionLoaded[sessionID] {
		b.sessionSpent[sessionID] = total
		b.sessionLoaded[sessionID] = true
	}
	b.mu.Unlock()
	return nil
}

// Reservation is a held projected cost awaiting Commit or Release.
type Reservation struct {
	runID     string
	sessionID string
	amount    float64
	done      bool
}

// Reserve checks the projected cost against both ceilings and holds it.
// Violations return *BudgetExceededError or *SessionBudgetExceededError and
// hold nothing.
func (b *BudgetManager) Reserve(runID, sessionID string, projected float64) (*Reservation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limits.MaxCostPerRun > 0 {
		total := b.runSpent[runID] + b.runReserved[runID] + projected
		if total > b.limits.MaxCostPerRun {
			return nil, &domain.BudgetExceededError{RunID: runID, Projected: total, Limit: b.limits.MaxCostPerRun}
		}
	}
	if b.limits.MaxCostPerSession > 0 {
		total := b.sessionSpent[sessionID] + b.sessionReserved[sessionID] + projected
		if total > b.limits.MaxCostPerSession {
			return nil, &domain.SessionBudgetExceededError{SessionID: sessionID, Projected: total, Limit: b.limits.MaxCostPerSession}
		}
	}

	b.runReserved[runID] += projected
	b.sessionReserved[sessionID] += projected
	return &Reservation{runID: runID, sessionID: sessionID, amount: projected}, nil
}

// Commit records the actual entry and replaces the reservation with its cost.
func (b *BudgetManager) Commit(ctx context.Context, res *Reservation, entry *domain.CostEntry) error {
	if err := b.ledger.Record(ctx, entry); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settle(res)
	b.runSpent[entry.RunID] += entry.Cost
	b.sessionSpent[entry.SessionID] += entry.Cost
	return nil
}

// Release drops a reservation without recording anything. Safe to call after
// Commit; settled reservations are ignored.
func (b *BudgetManager) Release(res *Reservation) {
	if res == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.settle(res)
}

func (b *BudgetManager) settle(res *Reservation) {
	if res == nil || res.done {
		return
	}
	res.done = true
	b.runReserved[res.runID] -= res.amount
	b.sessionReserved[res.sessionID] -= res.amount
}

// RunSpent returns the cached spent total for a run.
func (b *BudgetManager) RunSpent(runID string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runSpent[runID]
}
