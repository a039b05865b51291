package botqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptions_Apply(t *testing.T) {
	o := &options{}
	for _, opt := range []Option{JobID("abc"), Delay(2 * time.Second), Priority(-1), Attempts(7)} {
		opt(o)
	}
	require.Equal(t, "abc", o.id)
	require.Equal(t, 2*time.Second, o.delay)
	require.Equal(t, -1, o.priority)
	require.True(t, o.prioritySet)
	require.Equal(t, 7, o.attempts)
}

func TestOptions_At(t *testing.T) {
	o := &options{}
	At(time.Now().Add(-time.Minute))(o)
	require.Zero(t, o.delay, "past time means no delay")

	At(time.Now().Add(time.Hour))(o)
	require.Greater(t, o.delay, 59*time.Minute)
}
