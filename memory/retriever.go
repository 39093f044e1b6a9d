package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/loomhq/loom/domain"
)

// Weights are the relevance-scoring weights. The defaults are heuristic
// constants kept configurable rather than fixed law.
type Weights struct {
	TagMatch   float64
	Lexical    float64
	Recency    float64
	Confidence float64
}

// DefaultWeights returns the standard 10/5/3/2 weighting.
func DefaultWeights() Weights {
	return Weights{TagMatch: 10, Lexical: 5, Recency: 3, Confidence: 2}
}

// phaseTags maps each phase to the tag set considered relevant for it.
var phaseTags = map[domain.Phase]map[string]bool{
	domain.PhasePlanning: {
		"constraint": true, "decision": true, "preference": true, "planning": true,
	},
	domain.PhaseExecution: {
		"todo": true, "fact": true, "constraint": true, "artifact": true, "execution": true,
	},
	domain.PhaseSynthesis: {
		"decision": true, "fact": true, "artifact": true, "synthesis": true,
	},
}

// Retriever scores and selects memory events for a prompt context.
type Retriever struct {
	weights Weights
}

// NewRetriever creates a retriever with the given weights.
func NewRetriever(weights Weights) *Retriever {
	return &Retriever{weights: weights}
}

// Score computes the weighted relevance of an event for the current phase
// and prompt at the given time.
func (r *Retriever) Score(ev *domain.MemoryEvent, phase domain.Phase, prompt string, now time.Time) float64 {
	return r.weights.TagMatch*tagFraction(ev.Tags, phaseTags[phase]) +
		r.weights.Lexical*lexicalOverlap(ev.Content, prompt) +
		r.weights.Recency*recencyBucket(now.Sub(ev.CreatedAt)) +
		r.weights.Confidence*ev.Confidence
}

// tagFraction is the fraction of the event's tags that belong to the phase's
// relevant-tag set.
func tagFraction(tags []string, relevant map[string]bool) float64 {
	if len(tags) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		if relevant[strings.ToLower(tag)] {
			matched++
		}
	}
	return float64(matched) / float64(len(tags))
}

// lexicalOverlap counts shared words longer than 3 characters, normalized by
// the geometric mean of the two word-set sizes.
func lexicalOverlap(content, prompt string) float64 {
	a := wordSet(content)
	b := wordSet(prompt)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return float64(shared) / math.Sqrt(float64(len(a))*float64(len(b)))
}

func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(w) > 3 {
			set[w] = true
		}
	}
	return set
}

func recencyBucket(age time.Duration) float64 {
	switch {
	case age < time.Hour:
		return 1.0
	case age < 24*time.Hour:
		return 0.8
	case age < 7*24*time.Hour:
		return 0.6
	case age < 30*24*time.Hour:
		return 0.4
	default:
		return 0.2
	}
}

// EstimateTokens is the per-event token cost used against the budget.
func EstimateTokens(ev *domain.MemoryEvent) int {
	return (len(ev.Content)+3)/4 + 10
}

func isPinned(ev *domain.MemoryEvent) bool {
	for _, tag := range ev.Tags {
		switch strings.ToLower(tag) {
		case "pinned", "important":
			return true
		}
	}
	return false
}

// SelectOptions controls a selection pass.
type SelectOptions struct {
	TokenBudget   int
	IncludePinned bool
}

// Select picks events for the prompt layer. Pinned/important events are
// included first (within budget) when requested, remaining slots are filled
// greedily in descending score order, and the final set is re-sorted
// chronologically. The selection never exceeds the token budget.
func (r *Retriever) Select(events []*domain.MemoryEvent, phase domain.Phase, prompt string, now time.Time, opts SelectOptions) []*domain.MemoryEvent {
	remaining := opts.TokenBudget
	picked := make([]*domain.MemoryEvent, 0, len(events))
	taken := make(map[string]bool)

	if opts.IncludePinned {
		pinned := make([]*domain.MemoryEvent, 0)
		for _, ev := range events {
			if isPinned(ev) {
				pinned = append(pinned, ev)
			}
		}
		sortChronological(pinned)
		for _, ev := range pinned {
			cost := EstimateTokens(ev)
			if cost > remaining {
				continue
			}
			remaining -= cost
			picked = append(picked, ev)
			taken[ev.EventID] = true
		}
	}

	scored := make([]*domain.MemoryEvent, 0, len(events))
	for _, ev := range events {
		if !taken[ev.EventID] {
			scored = append(scored, ev)
		}
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return r.Score(scored[i], phase, prompt, now) > r.Score(scored[j], phase, prompt, now)
	})

	for _, ev := range scored {
		cost := EstimateTokens(ev)
		if cost > remaining {
			continue
		}
		remaining -= cost
		picked = append(picked, ev)
	}

	sortChronological(picked)
	return picked
}

func sortChronological(events []*domain.MemoryEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].EventID < events[j].EventID
		}
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
}
