package stream

import (
	"errors"
	"testing"
)

var allStates = []State{
	StateStarting, StateRunning, StateThinking, StateToolExecuting,
	StateStopped, StateCompleted, StateError,
}

func TestTransitionTableSafety(t *testing.T) {
	for from, targets := range transitions {
		allowed := map[State]bool{}
		for _, next := range targets {
			allowed[next] = true
		}
		for _, to := range allStates {
			tr := &Tracker{state: from}
			err := tr.To(to, "")
			if allowed[to] {
				if err != nil {
					t.Fatalf("%s -> %s should be legal: %v", from, to, err)
				}
				if tr.State() != to {
					t.Fatalf("%s -> %s: state not updated", from, to)
				}
				continue
			}
			if err == nil {
				t.Fatalf("%s -> %s should be illegal", from, to)
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Fatalf("expected ErrIllegalTransition, got %v", err)
			}
			if tr.State() != from {
				t.Fatalf("%s -> %s: rejected transition mutated state", from, to)
			}
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	for _, terminal := range []State{StateStopped, StateCompleted, StateError} {
		for _, to := range allStates {
			tr := &Tracker{state: terminal}
			if err := tr.To(to, ""); err == nil {
				t.Fatalf("terminal %s accepted transition to %s", terminal, to)
			}
		}
	}
}

func TestFailRecordsSummary(t *testing.T) {
	tr := NewTracker()
	if err := tr.To(StateRunning, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr.Fail(errors.New("model quota exceeded"))
	if tr.State() != StateError {
		t.Fatalf("expected error state, got %s", tr.State())
	}
	if tr.LastError() != "model quota exceeded" {
		t.Fatalf("expected recorded summary, got %q", tr.LastError())
	}
	// A second failure after the terminal state is a no-op.
	tr.Fail(errors.New("other"))
	if tr.LastError() != "model quota exceeded" {
		t.Fatalf("terminal state mutated by second Fail")
	}
}

func TestListenerObservesTransitions(t *testing.T) {
	tr := NewTracker()
	var seen []State
	tr.SetListener(func(from, to State, note string) {
		seen = append(seen, to)
	})
	_ = tr.To(StateRunning, "")
	_ = tr.To(StateThinking, "")
	_ = tr.To(StateCompleted, "")
	if len(seen) != 3 || seen[2] != StateCompleted {
		t.Fatalf("listener missed transitions: %v", seen)
	}
}

func TestStopFlag(t *testing.T) {
	tr := NewTracker()
	if tr.StopRequested() {
		t.Fatalf("fresh tracker should not be stopping")
	}
	tr.RequestStop()
	if !tr.StopRequested() {
		t.Fatalf("stop flag not set")
	}
	// Stop is advisory: state is untouched.
	if tr.State() != StateStarting {
		t.Fatalf("stop mutated state to %s", tr.State())
	}
}
