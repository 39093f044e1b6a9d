package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/loomhq/loom/domain"
)

func TestExtractPrefixIndicators(t *testing.T) {
	e := NewExtractor()
	events := e.Extract(ExtractInput{
		RunID:     "r1",
		SessionID: "s1",
		TaskID:    "t1",
		Phase:     domain.PhaseExecution,
		Source:    domain.MemorySourceTask,
		Text: `Decision: use sqlite for persistence
constraint: response must stay under 2s
TODO: add index on runs table
fact: the api returns paginated results
just a normal line`,
	})

	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}

	kinds := map[domain.MemoryKind]int{}
	for _, ev := range events {
		kinds[ev.Kind]++
		if ev.RunID != "r1" || ev.TaskID != "t1" || ev.Source != domain.MemorySourceTask {
			t.Errorf("event metadata wrong: %+v", ev)
		}
	}
	if kinds[domain.MemoryKindDecision] != 1 || kinds[domain.MemoryKindConstraint] != 1 ||
		kinds[domain.MemoryKindTodo] != 1 || kinds[domain.MemoryKindFact] != 1 {
		t.Fatalf("unexpected kinds: %v", kinds)
	}
}

func TestExtractLabeledSections(t *testing.T) {
	e := NewExtractor()
	events := e.Extract(ExtractInput{
		RunID:  "r1",
		Phase:  domain.PhasePlanning,
		Source: domain.MemorySourcePlanner,
		Text: `## Constraints
- budget is $10
- must run offline

Decisions:
- go with a flat file store
`,
	})

	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	var constraints, decisions int
	for _, ev := range events {
		switch ev.Kind {
		case domain.MemoryKindConstraint:
			constraints++
		case domain.MemoryKindDecision:
			decisions++
		}
	}
	if constraints != 2 || decisions != 1 {
		t.Fatalf("constraints=%d decisions=%d", constraints, decisions)
	}
}

func TestExtractDedupesAndCaps(t *testing.T) {
	e := NewExtractor()

	var b strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&b, "constraint: rule number %d\n", i)
	}
	b.WriteString("constraint: rule number 0\n") // duplicate
	for i := 0; i < 14; i++ {
		fmt.Fprintf(&b, "todo: item %d\n", i)
	}

	events := e.Extract(ExtractInput{RunID: "r1", Phase: domain.PhaseExecution, Source: domain.MemorySourceTask, Text: b.String()})

	counts := map[domain.MemoryKind]int{}
	for _, ev := range events {
		counts[ev.Kind]++
	}
	if counts[domain.MemoryKindConstraint] != 5 {
		t.Fatalf("expected constraint cap 5, got %d", counts[domain.MemoryKindConstraint])
	}
	if counts[domain.MemoryKindTodo] != 10 {
		t.Fatalf("expected todo cap 10, got %d", counts[domain.MemoryKindTodo])
	}
}

func TestExtractIdempotencyKeysAreDeterministic(t *testing.T) {
	e := NewExtractor()
	in := ExtractInput{
		RunID:  "r1",
		Turn:   1,
		Phase:  domain.PhaseExecution,
		Source: domain.MemorySourceTask,
		Text:   "decision: alpha\nfact: beta\n",
	}

	first := e.Extract(in)
	second := e.Extract(in)

	if len(first) != len(second) {
		t.Fatalf("extraction not stable: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].IdempotencyKey != second[i].IdempotencyKey {
			t.Errorf("key %d differs: %s vs %s", i, first[i].IdempotencyKey, second[i].IdempotencyKey)
		}
	}
	if first[0].IdempotencyKey != "r1:1:run:execution:0" {
		t.Fatalf("unexpected key format: %s", first[0].IdempotencyKey)
	}

	// A later turn on the same run must not collide with turn one.
	in.Turn = 2
	if e.Extract(in)[0].IdempotencyKey != "r1:2:run:execution:0" {
		t.Fatal("turn not reflected in idempotency key")
	}
}
