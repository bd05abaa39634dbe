package stream

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// State tracks one in-flight execution's lifecycle. Terminal states accept
// no further transitions.
type State string

const (
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateThinking      State = "thinking"
	StateToolExecuting State = "tool_executing"
	StateStopped       State = "stopped"
	StateCompleted     State = "completed"
	StateError         State = "error"
)

func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateError:
		return true
	}
	return false
}

var ErrIllegalTransition = errors.New("illegal state transition")

type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition: %s -> %s", e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error {
	return ErrIllegalTransition
}

// transitions is the fixed adjacency table. Only running may enter the
// thinking and tool-executing sub-states; any non-terminal state may enter
// a terminal one.
var transitions = map[State][]State{
	StateStarting:      {StateRunning, StateStopped, StateCompleted, StateError},
	StateRunning:       {StateThinking, StateToolExecuting, StateStopped, StateCompleted, StateError},
	StateThinking:      {StateRunning, StateToolExecuting, StateStopped, StateCompleted, StateError},
	StateToolExecuting: {StateRunning, StateThinking, StateStopped, StateCompleted, StateError},
	StateStopped:       {},
	StateCompleted:     {},
	StateError:         {},
}

// Listener observes transitions for logging and telemetry. It runs inside
// the tracker's lock; keep it cheap.
type Listener func(from, to State, note string)

// Tracker is the execution state machine for one run. Safe for concurrent
// use: the executor mutates it while the stop endpoint reads it.
type Tracker struct {
	mu       sync.Mutex
	state    State
	lastNote string
	lastErr  string
	listener Listener

	stop atomic.Bool
}

func NewTracker() *Tracker {
	return &Tracker{state: StateStarting}
}

func (t *Tracker) SetListener(fn Listener) {
	t.mu.Lock()
	t.listener = fn
	t.mu.Unlock()
}

func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// To moves the machine to next, failing with *IllegalTransitionError when
// the edge is not in the adjacency table.
func (t *Tracker) To(next State, note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !legal(t.state, next) {
		return &IllegalTransitionError{From: t.state, To: next}
	}
	from := t.state
	t.state = next
	t.lastNote = note
	if t.listener != nil {
		t.listener(from, next, note)
	}
	return nil
}

// Fail drives the machine to the error state and records the cause. Called
// at the loop boundary; the current state is always non-terminal there.
func (t *Tracker) Fail(err error) {
	summary := ""
	if err != nil {
		summary = err.Error()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	from := t.state
	t.state = StateError
	t.lastErr = summary
	t.lastNote = summary
	if t.listener != nil {
		t.listener(from, StateError, summary)
	}
}

func (t *Tracker) LastError() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

// RequestStop sets the cooperative stop flag. The executor checks it at the
// top of every loop iteration; in-flight work is not interrupted.
func (t *Tracker) RequestStop() {
	t.stop.Store(true)
}

func (t *Tracker) StopRequested() bool {
	return t.stop.Load()
}

func legal(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
