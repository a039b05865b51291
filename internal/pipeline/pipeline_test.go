package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/stretchr/testify/require"
)

func TestSleep_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestScale(t *testing.T) {
	require.Equal(t, time.Second, Scale(time.Second, 0))
	require.Equal(t, 500*time.Millisecond, Scale(time.Second, 0.5))
}

func TestCheckDeliver(t *testing.T) {
	require.NoError(t, CheckDeliver(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := CheckDeliver(ctx)
	require.ErrorIs(t, err, ErrAbandoned)
	require.Equal(t, botqueue.KindTimeout, botqueue.KindOf(err))
}
