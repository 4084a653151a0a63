package latch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNonPositive(t *testing.T) {
	for _, n := range []int{0, -1, -10} {
		_, err := New(n, func() {})
		require.ErrorIs(t, err, ErrInvalidCount, "n=%d", n)
	}
	_, err := After(0, func() {})
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestTrigger_FiresExactlyOnceOnNth(t *testing.T) {
	for n := 1; n <= 8; n++ {
		calls := 0
		l, err := New(n, func() { calls++ })
		require.NoError(t, err)

		for i := 1; i < n; i++ {
			l.Trigger()
			if calls != 0 {
				t.Fatalf("n=%d: fired early at trigger %d", n, i)
			}
		}
		l.Trigger()
		require.Equal(t, 1, calls, "n=%d: should fire on the n-th trigger", n)
		require.True(t, l.Fired())

		// después de disparar, nada
		for i := 0; i < 3; i++ {
			l.Trigger()
		}
		require.Equal(t, 1, calls)
		require.Equal(t, 0, l.Remaining())
	}
}

func TestTrigger_ActionIsSynchronous(t *testing.T) {
	fired := false
	trigger, err := After(2, func() { fired = true })
	require.NoError(t, err)
	trigger()
	require.False(t, fired)
	trigger()
	require.True(t, fired, "action must run inside the triggering call")
}

func TestTrigger_ReentrantActionDoesNotRefire(t *testing.T) {
	var l *Latch
	calls := 0
	l, err := New(1, func() {
		calls++
		l.Trigger()
	})
	require.NoError(t, err)
	l.Trigger()
	require.Equal(t, 1, calls)
}

func TestTrigger_Concurrent(t *testing.T) {
	const n = 64
	var mu sync.Mutex
	calls := 0
	l, err := New(n, func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < n*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Trigger()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, calls)
}

func TestNew_NilActionIsAllowed(t *testing.T) {
	l, err := New(1, nil)
	require.NoError(t, err)
	l.Trigger()
	require.True(t, l.Fired())
}
