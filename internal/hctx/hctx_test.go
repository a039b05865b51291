package hctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_NewAndWithFrom(t *testing.T) {
	st := New(nil)
	require.NotNil(t, st)

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, got, "should retrieve the same pointer")
}

func TestState_From_Absent(t *testing.T) {
	st, ok := From(context.Background())
	require.False(t, ok)
	require.Nil(t, st)
}

func TestState_ProgressClampedAndMonotonic(t *testing.T) {
	var seen []int
	st := New(func(p int) { seen = append(seen, p) })

	require.False(t, st.SetProgress(-5), "clamped to 0 does not advance")
	require.True(t, st.SetProgress(40))
	require.False(t, st.SetProgress(20), "lower value is ignored")
	require.Equal(t, 40, st.Progress())
	require.True(t, st.SetProgress(250))
	require.Equal(t, 100, st.Progress())
	require.Equal(t, []int{40, 100}, seen)
}

func TestState_AbandonStopsProgress(t *testing.T) {
	calls := 0
	st := New(func(int) { calls++ })
	require.True(t, st.SetProgress(10))
	st.Abandon()
	require.True(t, st.Abandoned())
	require.False(t, st.SetProgress(90))
	require.Equal(t, 10, st.Progress())
	require.Equal(t, 1, calls)
}

func TestState_ConcurrentProgressNeverDecreases(t *testing.T) {
	var mu sync.Mutex
	last := 0
	st := New(func(p int) {
		mu.Lock()
		defer mu.Unlock()
		// callbacks may interleave, but stored progress only moves forward
		if p > last {
			last = p
		}
	})
	var wg sync.WaitGroup
	for i := 0; i <= 100; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			st.SetProgress(p)
		}(i)
	}
	wg.Wait()
	require.Equal(t, 100, st.Progress())
	require.Equal(t, 100, last)
}
