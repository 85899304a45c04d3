// Package turn reconstructs provider transcript events into finalized turns
// using a per-role silence debounce.
package turn

import (
	"errors"
	"fmt"
)

// State represents the turn state of one role.
type State int

const (
	// StateIdle - No speech in progress and nothing pending.
	StateIdle State = iota
	// StateAccumulating - Partials are arriving for an utterance.
	StateAccumulating
	// StateAwaitingSilence - A final is held until the silence window elapses.
	StateAwaitingSilence
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAccumulating:
		return "ACCUMULATING"
	case StateAwaitingSilence:
		return "AWAITING_SILENCE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Errors returned by Machine transitions. None of them change state.
var (
	ErrEmptyTranscript = errors.New("empty final transcript ignored")
	ErrStaleTimer      = errors.New("silence timer superseded")
	ErrNoPendingTurn   = errors.New("no pending turn")
)
