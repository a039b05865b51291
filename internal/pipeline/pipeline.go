// Package pipeline holds helpers shared by the queue pipelines.
package pipeline

import (
	"context"
	"time"

	"github.com/UniQw/botqueue"
)

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scale multiplies d by pace. A non-positive pace leaves d unchanged.
func Scale(d time.Duration, pace float64) time.Duration {
	if pace <= 0 {
		return d
	}
	return time.Duration(float64(d) * pace)
}

// ErrAbandoned is returned by pipelines that stop before delivering because
// the attempt was given up.
var ErrAbandoned = botqueue.Errorf(botqueue.KindTimeout, "deliver", "attempt abandoned before delivery")

// CheckDeliver returns ErrAbandoned once the runtime has given up on the attempt.
// Pipelines call it right before talking to users.
func CheckDeliver(ctx context.Context) error {
	if botqueue.Abandoned(ctx) {
		return ErrAbandoned
	}
	return nil
}
