// Package lifecycle encodes the job lifecycle graph.
//
// Transition is the single source of truth for which (state, event) pairs are
// legal. It is pure: no locking, no clocks, no side effects. Callers that own
// mutable job state (the registry) run it inside their own critical section.
//
// Lifecycle:
//
//	pending --start_compiling--> compiling --finish_compiling--> queued
//	queued --start_running--> running --finish_running_ok--> done
//	{pending, compiling, queued, running} --cancel--> cancelled
//	{pending, compiling, queued, running} --fail--> error
//	pending --enqueued--> pending
//
// done, error and cancelled are terminal and accept no events.
package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// State is the lifecycle state of a job.
type State string

const (
	StatePending   State = "pending"
	StateCompiling State = "compiling"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateDone      State = "done"
	StateError     State = "error"
	StateCancelled State = "cancelled"
)

// Event is an input to the lifecycle graph.
type Event string

const (
	EventEnqueued        Event = "enqueued"
	EventStartCompiling  Event = "start_compiling"
	EventFinishCompiling Event = "finish_compiling"
	EventStartRunning    Event = "start_running"
	EventFinishRunningOk Event = "finish_running_ok"
	EventFail            Event = "fail"
	EventCancel          Event = "cancel"
)

// ErrInvalidTransition matches every *TransitionError via errors.Is.
var ErrInvalidTransition = errors.New("invalid transition")

// TransitionError reports a rejected edge.
type TransitionError struct {
	From  State
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s --%s--> ?", e.From, e.Event)
}

// Is reports ErrInvalidTransition equivalence.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// States returns every state in lifecycle order.
func States() []State {
	return []State{
		StatePending,
		StateCompiling,
		StateQueued,
		StateRunning,
		StateDone,
		StateError,
		StateCancelled,
	}
}

// Events returns every event.
func Events() []Event {
	return []Event{
		EventEnqueued,
		EventStartCompiling,
		EventFinishCompiling,
		EventStartRunning,
		EventFinishRunningOk,
		EventFail,
		EventCancel,
	}
}

// IsTerminal reports whether s accepts no further events.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateError, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s is a known non-terminal state.
func (s State) IsActive() bool {
	switch s {
	case StatePending, StateCompiling, StateQueued, StateRunning:
		return true
	default:
		return false
	}
}

// Stage returns the upper-case stage label used on the wire (e.g. "RUNNING").
func (s State) Stage() string {
	return strings.ToUpper(string(s))
}

func (s State) String() string {
	return string(s)
}

func (e Event) String() string {
	return string(e)
}

// ParseState accepts either the state name or its stage label.
func ParseState(raw string) (State, error) {
	candidate := State(strings.ToLower(strings.TrimSpace(raw)))
	for _, s := range States() {
		if s == candidate {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", raw)
}

// Transition computes the next state for from after ev.
//
// It is total: every pair not in the edge table, including any event applied
// to a terminal or unknown state, returns a *TransitionError.
func Transition(from State, ev Event) (State, error) {
	if from.IsTerminal() {
		return "", &TransitionError{From: from, Event: ev}
	}

	switch {
	case from == StatePending && ev == EventStartCompiling:
		return StateCompiling, nil
	case from == StateCompiling && ev == EventFinishCompiling:
		return StateQueued, nil
	case from == StateQueued && ev == EventStartRunning:
		return StateRunning, nil
	case from == StateRunning && ev == EventFinishRunningOk:
		return StateDone, nil

	case from.IsActive() && ev == EventCancel:
		return StateCancelled, nil
	case from.IsActive() && ev == EventFail:
		return StateError, nil

	// Creation marker; the record already starts in pending.
	case from == StatePending && ev == EventEnqueued:
		return StatePending, nil
	}

	return "", &TransitionError{From: from, Event: ev}
}
