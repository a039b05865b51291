package botqueue

import "github.com/UniQw/botqueue/internal/store"

// State represents where a job sits in its lifecycle.
// Use the exported constants instead of raw strings to avoid typos.
type State string

const (
	// StateWaiting contains jobs ready to be claimed (ZSET ordered by priority, then age).
	StateWaiting State = store.StateWaiting
	// StateActive contains jobs leased by a worker (ZSET scored by lease deadline).
	StateActive State = store.StateActive
	// StateDelayed contains scheduled jobs and jobs in retry backoff (ZSET).
	StateDelayed State = store.StateDelayed
	// StateCompleted contains the most recent completed jobs (capped LIST).
	StateCompleted State = store.StateCompleted
	// StateFailed contains the most recent terminally failed jobs (capped LIST).
	StateFailed State = store.StateFailed
)

// AllStates lists every valid state in a stable order.
var AllStates = []State{StateWaiting, StateActive, StateDelayed, StateCompleted, StateFailed}

// String returns the raw string value of the state.
func (s State) String() string { return string(s) }

// Terminal reports whether the job will not run again.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// ParseState converts a string into a State, returning an error for unknown values.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", ErrUnknownState
}
