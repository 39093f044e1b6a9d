package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/domain"
	"github.com/loomhq/loom/store"
	"github.com/oklog/ulid/v2"
)

// Repository persists memory events, snapshots and checkpoints on the
// durable KV. The event log is append-only; the idempotency check and the
// event write happen in one atomic transaction so concurrent appends cannot
// race past the check.
type Repository struct {
	kv store.KV
}

// NewRepository creates a repository over the KV collaborator.
func NewRepository(kv store.KV) *Repository {
	return &Repository{kv: kv}
}

func eventKeys(ev *domain.MemoryEvent) (eventKey, idemKey string) {
	if ev.Scope == domain.MemoryScopeSession {
		return store.SessionMemoryEventKey(ev.SessionID, ev.EventID),
			store.SessionMemoryIdempotencyKey(ev.SessionID, ev.IdempotencyKey)
	}
	return store.RunMemoryEventKey(ev.RunID, ev.EventID),
		store.RunMemoryIdempotencyKey(ev.RunID, ev.IdempotencyKey)
}

// AppendEvent appends one event. Returns false (and no error) when an event
// with the same idempotency key is already in the log; the call is a no-op.
func (r *Repository) AppendEvent(ctx context.Context, ev *domain.MemoryEvent) (bool, error) {
	if err := ev.Validate(); err != nil {
		return false, err
	}
	if ev.EventID == "" {
		// ULIDs sort lexicographically by creation time, so key order is
		// append order under the events prefix.
		ev.EventID = ulid.Make().String()
	}

	eventKey, idemKey := eventKeys(ev)

	appended := false
	err := r.kv.Atomic(ctx, func(tx store.Tx) error {
		_, exists, err := tx.Get(idemKey)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if err := tx.Put(eventKey, data); err != nil {
			return err
		}
		if err := tx.Put(idemKey, []byte(ev.EventID)); err != nil {
			return err
		}
		appended = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	return appended, nil
}

func (r *Repository) listEvents(ctx context.Context, prefix string) ([]*domain.MemoryEvent, error) {
	entries, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]*domain.MemoryEvent, 0, len(entries))
	for _, e := range entries {
		var ev domain.MemoryEvent
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event %s: %w", e.Key, err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

// ListRunEvents returns a run's events in append order.
func (r *Repository) ListRunEvents(ctx context.Context, runID string) ([]*domain.MemoryEvent, error) {
	return r.listEvents(ctx, store.RunMemoryEventsPrefix(runID))
}

// ListSessionEvents returns a session's events in append order.
func (r *Repository) ListSessionEvents(ctx context.Context, sessionID string) ([]*domain.MemoryEvent, error) {
	return r.listEvents(ctx, store.SessionMemoryEventsPrefix(sessionID))
}

func snapshotKey(scope domain.MemoryScope, id string) string {
	if scope == domain.MemoryScopeSession {
		return store.SessionMemorySnapshotKey(id)
	}
	return store.RunMemorySnapshotKey(id)
}

// GetSnapshot returns the current snapshot for a scope; nil when none exists.
func (r *Repository) GetSnapshot(ctx context.Context, scope domain.MemoryScope, id string) (*domain.MemorySnapshot, error) {
	data, ok, err := r.kv.Get(ctx, snapshotKey(scope, id))
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var snap domain.MemorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot supersedes the prior snapshot. The version must be strictly
// greater than the stored one; the check and write are atomic.
func (r *Repository) SaveSnapshot(ctx context.Context, scope domain.MemoryScope, id string, snap *domain.MemorySnapshot) error {
	key := snapshotKey(scope, id)
	return r.kv.Atomic(ctx, func(tx store.Tx) error {
		data, ok, err := tx.Get(key)
		if err != nil {
			return err
		}
		if ok {
			var cur domain.MemorySnapshot
			if err := json.Unmarshal(data, &cur); err != nil {
				return fmt.Errorf("unmarshal current snapshot: %w", err)
			}
			if snap.Version <= cur.Version {
				return fmt.Errorf("snapshot version %d does not supersede %d", snap.Version, cur.Version)
			}
		}

		out, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		return tx.Put(key, out)
	})
}

// SaveCheckpoint writes a checkpoint. Sequences for a run must be strictly
// increasing; the check and write are atomic. Checkpoints are never mutated.
func (r *Repository) SaveCheckpoint(ctx context.Context, cp *domain.ReplayCheckpoint) error {
	return r.kv.Atomic(ctx, func(tx store.Tx) error {
		entries, err := tx.List(store.RunCheckpointPrefix(cp.RunID))
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			var latest domain.ReplayCheckpoint
			if err := json.Unmarshal(entries[len(entries)-1].Value, &latest); err != nil {
				return fmt.Errorf("unmarshal latest checkpoint: %w", err)
			}
			if cp.Sequence <= latest.Sequence {
				return fmt.Errorf("checkpoint sequence %d does not follow %d", cp.Sequence, latest.Sequence)
			}
		}

		data, err := json.Marshal(cp)
		if err != nil {
			return fmt.Errorf("marshal checkpoint: %w", err)
		}
		return tx.Put(store.RunCheckpointKey(cp.RunID, cp.Sequence), data)
	})
}

// LatestCheckpoint returns the highest-sequence checkpoint for a run; nil
// when the run was never checkpointed.
func (r *Repository) LatestCheckpoint(ctx context.Context, runID string) (*domain.ReplayCheckpoint, error) {
	entries, err := r.kv.List(ctx, store.RunCheckpointPrefix(runID))
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	var cp domain.ReplayCheckpoint
	if err := json.Unmarshal(entries[len(entries)-1].Value, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}
