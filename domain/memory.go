package domain

import "time"

// Phase identifies which stage of a run an event or checkpoint belongs to.
type Phase string

const (
	PhasePlanning  Phase = "planning"
	PhaseExecution Phase = "execution"
	PhaseSynthesis Phase = "synthesis"
)

// MemoryScope selects the key family an event is stored under.
type MemoryScope string

const (
	MemoryScopeRun     MemoryScope = "run"
	MemoryScopeSession MemoryScope = "session"
)

// MemoryKind classifies an extracted memory event.
type MemoryKind string

const (
	MemoryKindDecision   MemoryKind = "decision"
	MemoryKindConstraint MemoryKind = "constraint"
	MemoryKindFact       MemoryKind = "fact"
	MemoryKindTodo       MemoryKind = "todo"
	MemoryKindArtifact   MemoryKind = "artifact"
	MemoryKindPreference MemoryKind = "preference"
)

// MemorySource identifies who produced a memory event.
type MemorySource string

const (
	MemorySourceUser      MemorySource = "user"
	MemorySourceAssistant MemorySource = "assistant"
	MemorySourcePlanner   MemorySource = "planner"
	MemorySourceTask      MemorySource = "task"
	MemorySourceSynthesis MemorySource = "synthesis"
)

// MaxMemoryContentLen is the hard cap on event content length.
const MaxMemoryContentLen = 10000

// MemoryEvent is an immutable fact appended to the memory log. The
// idempotency key guarantees at-most-once persistence under retries.
type MemoryEvent struct {
	EventID        string       `json:"event_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	RunID          string       `json:"run_id"`
	SessionID      string       `json:"session_id"`
	TaskID         string       `json:"task_id,omitempty"`
	Scope          MemoryScope  `json:"scope"`
	Kind           MemoryKind   `json:"kind"`
	Content        string       `json:"content"`
	Tags           []string     `json:"tags,omitempty"`
	Confidence     float64      `json:"confidence"`
	Source         MemorySource `json:"source"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Validate rejects oversized or malformed events instead of truncating them.
func (e *MemoryEvent) Validate() error {
	if e.Content == "" {
		return &MemoryValidationError{Reason: "empty content"}
	}
	if len(e.Content) > MaxMemoryContentLen {
		return &MemoryValidationError{Reason: "content exceeds 10000 chars"}
	}
	if e.IdempotencyKey == "" {
		return &MemoryValidationError{Reason: "missing idempotency key"}
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return &MemoryValidationError{Reason: "confidence out of [0,1]"}
	}
	return nil
}

// MemorySnapshot is the compacted view of a scope's event log. Each
// compaction supersedes the previous snapshot; versions increase
// monotonically. Raw events are retained.
type MemorySnapshot struct {
	Summary     string    `json:"summary"`
	Constraints []string  `json:"constraints,omitempty"`
	Decisions   []string  `json:"decisions,omitempty"`
	Todos       []string  `json:"todos,omitempty"`
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ReplayCheckpoint is a durable snapshot of run/task/memory progress written
// at phase boundaries. Checkpoints are never mutated.
type ReplayCheckpoint struct {
	CheckpointID        string                `json:"checkpoint_id"`
	RunID               string                `json:"run_id"`
	Sequence            int                   `json:"sequence"`
	Phase               Phase                 `json:"phase"`
	RunStatus           RunStatus             `json:"run_status"`
	TaskStatuses        map[string]TaskStatus `json:"task_statuses"`
	MemorySnapshotVer   int                   `json:"memory_snapshot_version"`
	MemoryEventWatermark string               `json:"memory_event_watermark,omitempty"`
	TranscriptWatermark int                   `json:"transcript_watermark"`
	Hash                string                `json:"hash"`
	CreatedAt           time.Time             `json:"created_at"`
}
