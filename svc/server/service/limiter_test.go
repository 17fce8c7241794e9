package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterCapsAttempts(t *testing.T) {
	limiter := newAddressLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		require.True(t, limiter.Allow("1.1.1.1"))
	}
	require.False(t, limiter.Allow("1.1.1.1"))

	// Other hosts have their own budget.
	require.True(t, limiter.Allow("2.2.2.2"))
}

func TestLimiterWindowSlides(t *testing.T) {
	limiter := newAddressLimiter(50*time.Millisecond, 1)

	require.True(t, limiter.Allow("1.1.1.1"))
	require.False(t, limiter.Allow("1.1.1.1"))

	time.Sleep(60 * time.Millisecond)
	require.True(t, limiter.Allow("1.1.1.1"))
}

func TestLimiterDisabled(t *testing.T) {
	limiter := newAddressLimiter(time.Minute, 0)

	for i := 0; i < 100; i++ {
		require.True(t, limiter.Allow("1.1.1.1"))
	}
}

func TestLimiterPrune(t *testing.T) {
	limiter := newAddressLimiter(30*time.Millisecond, 5)

	limiter.Allow("1.1.1.1")
	limiter.Allow("2.2.2.2")
	require.Len(t, limiter.attempts, 2)

	time.Sleep(40 * time.Millisecond)
	limiter.Allow("2.2.2.2")
	limiter.Prune()

	require.Len(t, limiter.attempts, 1)
	require.Contains(t, limiter.attempts, "2.2.2.2")
}
