package botqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, st := range AllStates {
		got, err := ParseState(st.String())
		require.NoError(t, err)
		require.Equal(t, st, got)
	}
	_, err := ParseState("succeeded")
	require.ErrorIs(t, err, ErrUnknownState)
}

func TestState_Terminal(t *testing.T) {
	require.True(t, StateCompleted.Terminal())
	require.True(t, StateFailed.Terminal())
	require.False(t, StateDelayed.Terminal())
	require.False(t, StateActive.Terminal())
}
