package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edge struct {
	from State
	ev   Event
}

var legalEdges = map[edge]State{
	{StatePending, EventStartCompiling}:    StateCompiling,
	{StateCompiling, EventFinishCompiling}: StateQueued,
	{StateQueued, EventStartRunning}:       StateRunning,
	{StateRunning, EventFinishRunningOk}:   StateDone,
	{StatePending, EventCancel}:            StateCancelled,
	{StateCompiling, EventCancel}:          StateCancelled,
	{StateQueued, EventCancel}:             StateCancelled,
	{StateRunning, EventCancel}:            StateCancelled,
	{StatePending, EventFail}:              StateError,
	{StateCompiling, EventFail}:            StateError,
	{StateQueued, EventFail}:               StateError,
	{StateRunning, EventFail}:              StateError,
	{StatePending, EventEnqueued}:          StatePending,
}

func TestTransition_Totality(t *testing.T) {
	for _, s := range States() {
		for _, ev := range Events() {
			got, err := Transition(s, ev)
			want, ok := legalEdges[edge{s, ev}]
			if ok {
				require.NoError(t, err, "%s --%s-->", s, ev)
				assert.Equal(t, want, got, "%s --%s-->", s, ev)
				continue
			}

			require.Error(t, err, "%s --%s--> should be rejected", s, ev)
			assert.Empty(t, got)

			var terr *TransitionError
			require.True(t, errors.As(err, &terr))
			assert.Equal(t, s, terr.From)
			assert.Equal(t, ev, terr.Event)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
}

func TestTransition_HappyPath(t *testing.T) {
	s := StatePending
	for _, ev := range []Event{EventStartCompiling, EventFinishCompiling, EventStartRunning, EventFinishRunningOk} {
		next, err := Transition(s, ev)
		require.NoError(t, err)
		s = next
	}
	assert.Equal(t, StateDone, s)
}

func TestTransition_TerminalStatesAbsorb(t *testing.T) {
	for _, s := range []State{StateDone, StateError, StateCancelled} {
		assert.True(t, s.IsTerminal())
		for _, ev := range Events() {
			_, err := Transition(s, ev)
			assert.ErrorIs(t, err, ErrInvalidTransition, "%s --%s-->", s, ev)
		}
	}
}

func TestTransition_CancelOnlyFromActive(t *testing.T) {
	for _, s := range States() {
		next, err := Transition(s, EventCancel)
		if s.IsActive() {
			require.NoError(t, err)
			assert.Equal(t, StateCancelled, next)
		} else {
			assert.Error(t, err)
		}
	}
}

func TestTransition_UnknownStateRejected(t *testing.T) {
	_, err := Transition(State("bogus"), EventCancel)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionError_Message(t *testing.T) {
	err := &TransitionError{From: StateDone, Event: EventCancel}
	assert.Equal(t, "invalid transition: done --cancel--> ?", err.Error())
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"pending", StatePending, false},
		{"RUNNING", StateRunning, false},
		{"  Done ", StateDone, false},
		{"cancelled", StateCancelled, false},
		{"finished", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseState(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestState_Stage(t *testing.T) {
	assert.Equal(t, "PENDING", StatePending.Stage())
	assert.Equal(t, "CANCELLED", StateCancelled.Stage())
}
