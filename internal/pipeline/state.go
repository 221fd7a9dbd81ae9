package pipeline

import (
	"errors"
	"fmt"
	"slices"
)

// ErrIllegalTransition is a programming error: a run tried to move to a
// state its current state does not lead to.
var ErrIllegalTransition = errors.New("illegal pipeline transition")

// State is a pipeline run state.
type State string

const (
	StateReceived                State = "RECEIVED"
	StateSemanticDone            State = "SEMANTIC_DONE"
	StateIntentResolved          State = "INTENT_RESOLVED"
	StatePlanned                 State = "PLANNED"
	StatePlannedEmpty            State = "PLANNED_EMPTY"
	StatePolicyAllowed           State = "POLICY_ALLOWED"
	StatePolicyDenied            State = "POLICY_DENIED"
	StatePolicyNeedsConfirmation State = "POLICY_NEEDS_CONFIRMATION"
	StateDispatched              State = "DISPATCHED"
	StateRecorded                State = "RECORDED"
	StateTerminated              State = "TERMINATED"
)

// transitions lists the legal successors of each state. RECEIVED leads
// straight to PLANNED for caller-supplied graphs.
var transitions = map[State][]State{
	StateReceived:                {StateSemanticDone, StatePlanned, StatePlannedEmpty, StateTerminated},
	StateSemanticDone:            {StateIntentResolved, StateTerminated},
	StateIntentResolved:          {StatePlanned, StatePlannedEmpty, StateTerminated},
	StatePlanned:                 {StatePolicyAllowed, StatePolicyDenied, StatePolicyNeedsConfirmation, StateTerminated},
	StatePlannedEmpty:            {StateTerminated},
	StatePolicyAllowed:           {StateDispatched, StateTerminated},
	StatePolicyDenied:            {StateTerminated},
	StatePolicyNeedsConfirmation: {StateTerminated},
	StateDispatched:              {StateRecorded},
}

// Final reports whether s ends a run.
func (s State) Final() bool {
	return s == StateRecorded || s == StateTerminated
}

// CanTransition reports whether from may move to next.
func CanTransition(from, next State) error {
	succ, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: %s is final or unknown", ErrIllegalTransition, from)
	}
	if !slices.Contains(succ, next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
	}
	return nil
}

// run tracks one request through the state machine.
type run struct {
	state   State
	history []State
}

func newRun() *run {
	return &run{state: StateReceived, history: []State{StateReceived}}
}

func (r *run) advance(next State) error {
	if err := CanTransition(r.state, next); err != nil {
		return err
	}
	r.state = next
	r.history = append(r.history, next)
	return nil
}
