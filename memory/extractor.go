// Package memory implements the event-sourced memory subsystem: heuristic
// fact extraction, an append-only idempotent event log, relevance-scored
// retrieval, compaction and replay checkpoints.
package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/loomhq/loom/domain"
)

// Per-extraction caps by kind.
var extractionCaps = map[domain.MemoryKind]int{
	domain.MemoryKindConstraint: 5,
	domain.MemoryKindDecision:   5,
	domain.MemoryKindFact:       5,
	domain.MemoryKindTodo:       10,
	domain.MemoryKindArtifact:   5,
	domain.MemoryKindPreference: 5,
}

// Line-prefix indicators, matched case-insensitively.
var prefixIndicators = map[string]domain.MemoryKind{
	"constraint:": domain.MemoryKindConstraint,
	"decision:":   domain.MemoryKindDecision,
	"todo:":       domain.MemoryKindTodo,
	"fact:":       domain.MemoryKindFact,
	"artifact:":   domain.MemoryKindArtifact,
	"preference:": domain.MemoryKindPreference,
}

// Section labels ("Constraints:", "## Decisions") introduce a block whose
// bullet items all share the labeled kind.
var sectionLabels = map[string]domain.MemoryKind{
	"constraints": domain.MemoryKindConstraint,
	"decisions":   domain.MemoryKindDecision,
	"todos":       domain.MemoryKindTodo,
	"facts":       domain.MemoryKindFact,
	"artifacts":   domain.MemoryKindArtifact,
}

var sourceConfidence = map[domain.MemorySource]float64{
	domain.MemorySourceUser:      0.95,
	domain.MemorySourcePlanner:   0.9,
	domain.MemorySourceSynthesis: 0.85,
	domain.MemorySourceTask:      0.7,
	domain.MemorySourceAssistant: 0.6,
}

// ExtractInput describes one extraction call over a block of free text.
// Turn discriminates repeated turns on the same run id; without it a reset
// run's extractions would collide with the first turn's idempotency keys.
type ExtractInput struct {
	RunID     string
	SessionID string
	TaskID    string
	Turn      int
	Scope     domain.MemoryScope
	Phase     domain.Phase
	Source    domain.MemorySource
	Text      string
}

// Extractor scans free text for memory indicators. It is stateless.
type Extractor struct{}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract finds line-prefix indicators and labeled sections in the text,
// deduplicates them, caps counts per kind, and emits one event per item with
// a deterministic idempotency key so retried extractions never double-write.
func (e *Extractor) Extract(in ExtractInput) []*domain.MemoryEvent {
	if in.Scope == "" {
		in.Scope = domain.MemoryScopeRun
	}

	type item struct {
		kind    domain.MemoryKind
		content string
	}
	var items []item
	seen := make(map[string]bool)
	counts := make(map[domain.MemoryKind]int)

	add := func(kind domain.MemoryKind, content string) {
		content = strings.TrimSpace(content)
		if content == "" || len(content) > domain.MaxMemoryContentLen {
			return
		}
		dedupe := string(kind) + "|" + strings.ToLower(content)
		if seen[dedupe] {
			return
		}
		if counts[kind] >= extractionCaps[kind] {
			return
		}
		seen[dedupe] = true
		counts[kind]++
		items = append(items, item{kind: kind, content: content})
	}

	var section domain.MemoryKind
	for _, raw := range strings.Split(in.Text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			section = ""
			continue
		}

		lower := strings.ToLower(line)
		if matched := matchPrefix(lower); matched != "" {
			add(prefixIndicators[matched], line[len(matched):])
			continue
		}

		if kind, ok := matchSection(lower); ok {
			section = kind
			continue
		}

		if section != "" {
			if body, ok := bulletBody(line); ok {
				add(section, body)
				continue
			}
			section = ""
		}
	}

	taskOrRun := in.TaskID
	if taskOrRun == "" {
		taskOrRun = "run"
	}

	confidence, ok := sourceConfidence[in.Source]
	if !ok {
		confidence = 0.5
	}

	now := time.Now()
	events := make([]*domain.MemoryEvent, 0, len(items))
	for ordinal, it := range items {
		events = append(events, &domain.MemoryEvent{
			IdempotencyKey: fmt.Sprintf("%s:%d:%s:%s:%d", in.RunID, in.Turn, taskOrRun, in.Phase, ordinal),
			RunID:          in.RunID,
			SessionID:      in.SessionID,
			TaskID:         in.TaskID,
			Scope:          in.Scope,
			Kind:           it.kind,
			Content:        it.content,
			Tags:           []string{string(it.kind), string(in.Phase)},
			Confidence:     confidence,
			Source:         in.Source,
			CreatedAt:      now,
		})
	}
	return events
}

func matchPrefix(lower string) string {
	for prefix := range prefixIndicators {
		if strings.HasPrefix(lower, prefix) {
			return prefix
		}
	}
	return ""
}

func matchSection(lower string) (domain.MemoryKind, bool) {
	label := strings.TrimLeft(lower, "# ")
	label = strings.TrimSuffix(strings.TrimSpace(label), ":")
	kind, ok := sectionLabels[label]
	return kind, ok
}

func bulletBody(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(line, marker) {
			return line[len(marker):], true
		}
	}
	return "", false
}
