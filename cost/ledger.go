package cost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/store"
)

// Ledger persists immutable cost entries on the durable KV, one record per
// model call, indexed under both the run and the session so either total can
// be summed with a prefix scan.
type Ledger struct {
	kv store.KV
}

// NewLedger creates a ledger over the KV collaborator.
func NewLedger(kv store.KV) *Ledger {
	return &Ledger{kv: kv}
}

// Record writes one entry. The run- and session-indexed copies are written in
// a single transaction so the two totals never disagree.
func (l *Ledger) Record(ctx context.Context, entry *domain.CostEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cost entry: %w", err)
	}
	err = l.kv.Atomic(ctx, func(tx store.Tx) error {
		if err := tx.Put(store.RunCostKey(entry.RunID, entry.EntryID), data); err != nil {
			return err
		}
		return tx.Put(store.SessionCostKey(entry.SessionID, entry.EntryID), data)
	})
	if err != nil {
		return fmt.Errorf("record cost entry: %w", err)
	}
	return nil
}

func (l *Ledger) list(ctx context.Context, prefix string) ([]*domain.CostEntry, error) {
	items, err := l.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list cost entries: %w", err)
	}
	entries := make([]*domain.CostEntry, 0, len(items))
	for _, item := range items {
		var e domain.CostEntry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			return nil, fmt.Errorf("unmarshal cost entry %s: %w", item.Key, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// ListRunEntries returns a run's entries.
func (l *Ledger) ListRunEntries(ctx context.Context, runID string) ([]*domain.CostEntry, error) {
	return l.list(ctx, store.RunCostPrefix(runID))
}

// RunTotal sums a run's recorded cost.
func (l *Ledger) RunTotal(ctx context.Context, runID string) (float64, error) {
	return l.total(ctx, store.RunCostPrefix(runID))
}

// SessionTotal sums a session's recorded cost.
func (l *Ledger) SessionTotal(ctx context.Context, sessionID string) (float64, error) {
	return l.total(ctx, store.SessionCostPrefix(sessionID))
}

func (l *Ledger) total(ctx context.Context, prefix string) (float64, error) {
	entries, err := l.list(ctx, prefix)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, e := range entries {
		total += e.Cost
	}
	return total, nil
}
