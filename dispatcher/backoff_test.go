package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffWaitNeverBelowConstantDelay(t *testing.T) {
	require := require.New(t)

	b := NewBackoff(100*time.Millisecond, 50*time.Millisecond, 42)
	require.Equal(50*time.Millisecond, b.CurrentWait)

	for i := 0; i < 50; i++ {
		wait := b.Next()
		require.True(wait >= 50*time.Millisecond, "wait %s below constant delay", wait)
		require.Equal(wait, b.CurrentWait)
	}
}

func TestBackoffWaitBoundedBySlots(t *testing.T) {
	require := require.New(t)

	slot := 100 * time.Millisecond
	minDelay := 50 * time.Millisecond
	b := NewBackoff(slot, minDelay, 7)

	for i := 1; i <= backoffCeiling; i++ {
		wait := b.Next()
		max := minDelay + time.Duration((1<<uint(i))-1)*slot
		require.True(wait <= max, "retry %d: wait %s above bound %s", i, wait, max)
	}
}

func TestBackoffDeterministicWithSeed(t *testing.T) {
	require := require.New(t)

	a := NewBackoff(time.Millisecond, time.Millisecond, 1234)
	b := NewBackoff(time.Millisecond, time.Millisecond, 1234)

	for i := 0; i < 30; i++ {
		require.Equal(a.Next(), b.Next())
	}

	require.Equal(a.Retries, b.Retries)
	require.Equal(a.Resets, b.Resets)
	require.Equal(a.TotalRetries, b.TotalRetries)
}

func TestBackoffResetAfterCeiling(t *testing.T) {
	require := require.New(t)

	oldCeiling := backoffCeiling
	defer func() {
		backoffCeiling = oldCeiling
	}()
	backoffCeiling = 3

	b := NewBackoff(100*time.Millisecond, 50*time.Millisecond, 99)

	for i := 1; i <= 3; i++ {
		b.Next()
		require.Equal(i, b.Retries)
		require.Equal(0, b.Resets)
	}

	wait := b.Next()
	require.Equal(1, b.Resets)
	require.Equal(0, b.Retries)
	require.Equal(50*time.Millisecond, wait)
	require.Equal(4, b.TotalRetries)
}

func TestBackoffTotalRetriesAccumulatesAcrossResets(t *testing.T) {
	require := require.New(t)

	oldCeiling := backoffCeiling
	defer func() {
		backoffCeiling = oldCeiling
	}()
	backoffCeiling = 2

	b := NewBackoff(time.Millisecond, time.Millisecond, 5)
	for i := 0; i < 9; i++ {
		b.Next()
	}

	require.Equal(9, b.TotalRetries)
	require.Equal(3, b.Resets)
}
