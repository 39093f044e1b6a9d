// Package store provides SQLite-backed persistence for runs, tasks, sessions
// and the durable key-value families used by the memory and cost subsystems.
package store

import (
	"context"
	"sync"

	"github.com/loomhq/loom/domain"
)

// Store is the relational persistence surface for run orchestration.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	SaveRun(ctx context.Context, run *domain.Run) error

	CreateTasks(ctx context.Context, tasks []*domain.Task) error
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)
	ListTasks(ctx context.Context, runID string) ([]*domain.Task, error)
	SaveTask(ctx context.Context, task *domain.Task) error
	DeleteTasks(ctx context.Context, runID string) error

	GetOrCreateSession(ctx context.Context, sessionID, userID string) (*domain.Session, error)
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
}

// Entry is one key-value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Tx is the view of the KV available inside an atomic section.
type Tx interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	List(prefix string) ([]Entry, error)
}

// KV is the durable key-value collaborator. Atomic runs fn inside a single
// exclusive transaction so concurrent writers cannot race past a
// read-modify-write (e.g. the memory idempotency check).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	Atomic(ctx context.Context, fn func(tx Tx) error) error
}

// RunLocks hands out one mutex per run id. The budget check-then-record
// sequence and other per-run critical sections serialize on it; runs are
// independent units of concurrency, so there is no cross-run locking.
type RunLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunLocks creates an empty lock table.
func NewRunLocks() *RunLocks {
	return &RunLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for runID, creating it on first use. The returned
// function releases it.
func (r *RunLocks) Lock(runID string) func() {
	r.mu.Lock()
	m, ok := r.locks[runID]
	if !ok {
		m = &sync.Mutex{}
		r.locks[runID] = m
	}
	r.mu.Unlock()

	m.Lock()
	return m.Unlock
}
