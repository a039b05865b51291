package botqueue

import (
	"context"

	"github.com/UniQw/botqueue/internal/hctx"
)

// SetProgress allows a pipeline to report progress (0..100) for the current attempt.
// Values are clamped and never move backwards within an attempt.
// It is a no-op if the context is not provided by the worker runtime.
func SetProgress(ctx context.Context, p int) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.SetProgress(p)
}

// Progress returns the progress reported so far in this attempt.
func Progress(ctx context.Context) int {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return 0
	}
	return st.Progress()
}

// Abandoned reports whether the runtime has given up on this attempt, either
// because it timed out or because the dispatcher is stopping. A pipeline must
// not deliver anything to users once this returns true.
func Abandoned(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	st, ok := hctx.From(ctx)
	return ok && st != nil && st.Abandoned()
}
