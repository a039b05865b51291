package hctx

import (
	"context"
	"sync"
)

// State holds per-attempt progress. It is shared between the pipeline
// goroutine and the worker that raced it against the timeout.
type State struct {
	mu         sync.Mutex
	progress   int
	abandoned  bool
	onProgress func(int)
}

// New creates a fresh state container. onProgress, if set, is invoked
// outside the lock every time progress advances.
func New(onProgress func(int)) *State { return &State{onProgress: onProgress} }

// SetProgress clamps p to 0..100 and stores it only if it advances the
// current value. It reports whether the value changed.
func (s *State) SetProgress(p int) bool {
	if p < 0 {
		p = 0
	} else if p > 100 {
		p = 100
	}
	s.mu.Lock()
	if p <= s.progress || s.abandoned {
		s.mu.Unlock()
		return false
	}
	s.progress = p
	cb := s.onProgress
	s.mu.Unlock()
	if cb != nil {
		cb(p)
	}
	return true
}

// Progress returns the last stored progress.
func (s *State) Progress() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Abandon marks the attempt as given up by the runtime. Later progress
// updates are ignored.
func (s *State) Abandon() {
	s.mu.Lock()
	s.abandoned = true
	s.mu.Unlock()
}

// Abandoned reports whether the runtime gave up on this attempt.
func (s *State) Abandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
