package domain

import (
	"errors"
	"testing"
)

func TestRunTransitionTable(t *testing.T) {
	cases := []struct {
		from    RunStatus
		to      RunStatus
		allowed bool
	}{
		{RunStatusCreated, RunStatusPlanning, true},
		{RunStatusCreated, RunStatusRunning, true},
		{RunStatusCreated, RunStatusCancelled, true},
		{RunStatusCreated, RunStatusCompleted, false},
		{RunStatusPlanning, RunStatusRunning, true},
		{RunStatusPlanning, RunStatusFailed, true},
		{RunStatusPlanning, RunStatusCompleted, false},
		{RunStatusRunning, RunStatusPaused, true},
		{RunStatusRunning, RunStatusCompleted, true},
		{RunStatusRunning, RunStatusFailed, true},
		{RunStatusRunning, RunStatusCancelled, true},
		{RunStatusRunning, RunStatusPlanning, false},
		{RunStatusPaused, RunStatusRunning, true},
		{RunStatusPaused, RunStatusCancelled, true},
		{RunStatusPaused, RunStatusCompleted, false},
		{RunStatusCompleted, RunStatusRunning, false},
		{RunStatusFailed, RunStatusRunning, false},
		{RunStatusCancelled, RunStatusRunning, false},
	}

	for _, tc := range cases {
		run := &Run{RunID: "r1", Status: tc.from}
		err := run.Transition(tc.to)
		if tc.allowed && err != nil {
			t.Errorf("%s -> %s: expected allowed, got %v", tc.from, tc.to, err)
		}
		if !tc.allowed {
			if err == nil {
				t.Errorf("%s -> %s: expected invalid transition error", tc.from, tc.to)
				continue
			}
			var invalid *InvalidTransitionError
			if !errors.As(err, &invalid) {
				t.Errorf("%s -> %s: expected InvalidTransitionError, got %T", tc.from, tc.to, err)
			}
			if run.Status != tc.from {
				t.Errorf("%s -> %s: status mutated on failed transition", tc.from, tc.to)
			}
		}
	}
}

func TestRunReset(t *testing.T) {
	run := &Run{RunID: "r1", SessionID: "s1", AgentType: "default", Status: RunStatusCompleted, Output: "old", Turn: 1}
	fresh := run.Reset(RunInput{Prompt: "again"})

	if fresh.RunID != "r1" || fresh.SessionID != "s1" {
		t.Fatalf("reset lost identity: %+v", fresh)
	}
	if fresh.Status != RunStatusCreated {
		t.Fatalf("expected CREATED, got %s", fresh.Status)
	}
	if fresh.Turn != 2 {
		t.Fatalf("expected turn 2 after reset, got %d", fresh.Turn)
	}
	if fresh.Output != "" || fresh.Metadata.Error != "" {
		t.Fatalf("reset carried over prior results: %+v", fresh)
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunStatusCreated, RunStatusPlanning, RunStatusRunning, RunStatusPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
