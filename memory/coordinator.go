package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/loomhq/loom/domain"
)

// Policy tunes compaction and retrieval.
type Policy struct {
	// CompactThreshold is the per-scope event count that triggers compaction.
	CompactThreshold int
	// TokenBudget caps the retrieved context size.
	TokenBudget int
}

// DefaultPolicy returns the standard policy.
func DefaultPolicy() Policy {
	return Policy{CompactThreshold: 50, TokenBudget: 2000}
}

// Context is the retrieved memory handed to the prompt layer.
type Context struct {
	Events     []*domain.MemoryEvent
	Snapshot   *domain.MemorySnapshot
	TokensUsed int
}

// Coordinator ties extraction, persistence, retrieval, compaction and
// checkpointing together.
type Coordinator struct {
	repo      *Repository
	retriever *Retriever
	extractor *Extractor
	policy    Policy
}

// NewCoordinator creates a coordinator.
func NewCoordinator(repo *Repository, retriever *Retriever, extractor *Extractor, policy Policy) *Coordinator {
	if policy.CompactThreshold <= 0 {
		policy.CompactThreshold = DefaultPolicy().CompactThreshold
	}
	if policy.TokenBudget <= 0 {
		policy.TokenBudget = DefaultPolicy().TokenBudget
	}
	return &Coordinator{repo: repo, retriever: retriever, extractor: extractor, policy: policy}
}

// RetrieveContext scores run- and session-scoped events against the prompt
// and returns a budgeted, chronologically ordered selection plus the current
// run snapshot.
func (c *Coordinator) RetrieveContext(ctx context.Context, runID, sessionID string, phase domain.Phase, prompt string, includePinned bool) (*Context, error) {
	runEvents, err := c.repo.ListRunEvents(ctx, runID)
	if err != nil {
		return nil, err
	}
	sessionEvents, err := c.repo.ListSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	candidates := append(runEvents, sessionEvents...)
	selected := c.retriever.Select(candidates, phase, prompt, time.Now(), SelectOptions{
		TokenBudget:   c.policy.TokenBudget,
		IncludePinned: includePinned,
	})

	tokens := 0
	for _, ev := range selected {
		tokens += EstimateTokens(ev)
	}

	snap, err := c.repo.GetSnapshot(ctx, domain.MemoryScopeRun, runID)
	if err != nil {
		return nil, err
	}

	return &Context{Events: selected, Snapshot: snap, TokensUsed: tokens}, nil
}

// ExtractAndPersist runs extraction over the text and appends each event.
// Returns the number of newly appended events. Compaction is checked after
// the appends.
func (c *Coordinator) ExtractAndPersist(ctx context.Context, in ExtractInput) (int, error) {
	appended := 0
	for _, ev := range c.extractor.Extract(in) {
		ok, err := c.repo.AppendEvent(ctx, ev)
		if err != nil {
			return appended, err
		}
		if ok {
			appended++
		}
	}

	if appended > 0 {
		scope, id := in.Scope, in.RunID
		if scope == "" {
			scope = domain.MemoryScopeRun
		}
		if scope == domain.MemoryScopeSession {
			id = in.SessionID
		}
		if err := c.CompactIfNeeded(ctx, scope, id); err != nil {
			// Compaction is best-effort; the events are already durable.
			log.Printf("WARN: memory compaction failed for %s %s: %v", scope, id, err)
		}
	}
	return appended, nil
}

// AppendEvent exposes idempotent appends for callers that build events
// directly (user messages, synthesis output).
func (c *Coordinator) AppendEvent(ctx context.Context, ev *domain.MemoryEvent) (bool, error) {
	return c.repo.AppendEvent(ctx, ev)
}

// CompactIfNeeded compacts a scope once its event count crosses the policy
// threshold.
func (c *Coordinator) CompactIfNeeded(ctx context.Context, scope domain.MemoryScope, id string) error {
	events, err := c.listScope(ctx, scope, id)
	if err != nil {
		return err
	}
	if len(events) < c.policy.CompactThreshold {
		return nil
	}
	_, err = c.CompactMemory(ctx, scope, id)
	return err
}

// CompactMemory produces a new snapshot that supersedes the prior version.
// Raw events are retained; compaction summarizes, it does not delete.
func (c *Coordinator) CompactMemory(ctx context.Context, scope domain.MemoryScope, id string) (*domain.MemorySnapshot, error) {
	events, err := c.listScope(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	prev, err := c.repo.GetSnapshot(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	version := 1
	if prev != nil {
		version = prev.Version + 1
	}

	snap := &domain.MemorySnapshot{
		Summary:     summarize(events),
		Constraints: topByConfidence(events, domain.MemoryKindConstraint, 5),
		Decisions:   mostRecent(events, domain.MemoryKindDecision, 5),
		Todos:       mostRecent(events, domain.MemoryKindTodo, 10),
		Version:     version,
		UpdatedAt:   time.Now(),
	}

	if err := c.repo.SaveSnapshot(ctx, scope, id, snap); err != nil {
		return nil, err
	}
	log.Printf("INFO: compacted %s memory for %s into snapshot v%d (%d events)", scope, id, version, len(events))
	return snap, nil
}

func (c *Coordinator) listScope(ctx context.Context, scope domain.MemoryScope, id string) ([]*domain.MemoryEvent, error) {
	if scope == domain.MemoryScopeSession {
		return c.repo.ListSessionEvents(ctx, id)
	}
	return c.repo.ListRunEvents(ctx, id)
}

func summarize(events []*domain.MemoryEvent) string {
	counts := make(map[domain.MemoryKind]int)
	for _, ev := range events {
		counts[ev.Kind]++
	}
	return fmt.Sprintf("%d events: %d decisions, %d constraints, %d facts, %d todos",
		len(events),
		counts[domain.MemoryKindDecision],
		counts[domain.MemoryKindConstraint],
		counts[domain.MemoryKindFact],
		counts[domain.MemoryKindTodo])
}

func topByConfidence(events []*domain.MemoryEvent, kind domain.MemoryKind, n int) []string {
	var matched []*domain.MemoryEvent
	for _, ev := range events {
		if ev.Kind == kind {
			matched = append(matched, ev)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Confidence > matched[j].Confidence
	})
	return contents(matched, n)
}

func mostRecent(events []*domain.MemoryEvent, kind domain.MemoryKind, n int) []string {
	var matched []*domain.MemoryEvent
	for _, ev := range events {
		if ev.Kind == kind {
			matched = append(matched, ev)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return contents(matched, n)
}

func contents(events []*domain.MemoryEvent, n int) []string {
	if len(events) > n {
		events = events[:n]
	}
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Content)
	}
	return out
}

// CheckpointInput carries everything a phase-boundary checkpoint captures.
type CheckpointInput struct {
	RunID               string
	Sequence            int
	Phase               domain.Phase
	RunStatus           domain.RunStatus
	TaskStatuses        map[string]domain.TaskStatus
	TranscriptWatermark int
}

// CreateCheckpoint writes a replay checkpoint at a phase boundary. The hash
// is non-cryptographic and order-independent over the task statuses,
// intended for lightweight divergence detection on replay.
func (c *Coordinator) CreateCheckpoint(ctx context.Context, in CheckpointInput) (*domain.ReplayCheckpoint, error) {
	snapVersion := 0
	if snap, err := c.repo.GetSnapshot(ctx, domain.MemoryScopeRun, in.RunID); err == nil && snap != nil {
		snapVersion = snap.Version
	}

	watermark := ""
	if events, err := c.repo.ListRunEvents(ctx, in.RunID); err == nil && len(events) > 0 {
		watermark = events[len(events)-1].EventID
	}

	cp := &domain.ReplayCheckpoint{
		CheckpointID:         "cp_" + uuid.New().String()[:8],
		RunID:                in.RunID,
		Sequence:             in.Sequence,
		Phase:                in.Phase,
		RunStatus:            in.RunStatus,
		TaskStatuses:         in.TaskStatuses,
		MemorySnapshotVer:    snapVersion,
		MemoryEventWatermark: watermark,
		TranscriptWatermark:  in.TranscriptWatermark,
		Hash:                 checkpointHash(in),
		CreatedAt:            time.Now(),
	}

	if err := c.repo.SaveCheckpoint(ctx, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// LatestCheckpoint returns the highest-sequence checkpoint; nil when none.
func (c *Coordinator) LatestCheckpoint(ctx context.Context, runID string) (*domain.ReplayCheckpoint, error) {
	return c.repo.LatestCheckpoint(ctx, runID)
}

// checkpointHash mixes an FNV-1a hash of the fixed fields with XORed
// per-entry hashes of the task statuses, making the task portion independent
// of map iteration order.
func checkpointHash(in CheckpointInput) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%s|%s", in.RunID, in.Sequence, in.Phase, in.RunStatus)
	acc := h.Sum64()

	var tasks uint64
	for taskID, status := range in.TaskStatuses {
		eh := fnv.New64a()
		fmt.Fprintf(eh, "%s=%s", taskID, status)
		tasks ^= eh.Sum64()
	}

	return fmt.Sprintf("%016x", acc^tasks)
}
