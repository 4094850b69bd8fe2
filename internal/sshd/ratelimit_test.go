package sshd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcceptLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewAcceptLimiter()
	for i := 0; i < acceptMaxAttempts; i++ {
		require.NoError(t, rl.Allow("1.2.3.4"))
	}
	err := rl.Allow("1.2.3.4")
	require.Error(t, err)
	var rlErr *ErrRateLimited
	require.ErrorAs(t, err, &rlErr)
}

func TestAcceptLimiterIndependentPerAddress(t *testing.T) {
	rl := NewAcceptLimiter()
	for i := 0; i < acceptMaxAttempts; i++ {
		require.NoError(t, rl.Allow("1.1.1.1"))
	}
	require.NoError(t, rl.Allow("2.2.2.2"))
}

func TestAcceptLimiterEscalatingBlockOnFailures(t *testing.T) {
	rl := NewAcceptLimiter()
	now := time.Now()
	rl.now = func() time.Time { return now }

	for i := 0; i < acceptFailureThresh; i++ {
		rl.RecordFailure("9.9.9.9")
	}

	err := rl.Allow("9.9.9.9")
	require.Error(t, err)

	now = now.Add(acceptInitialBlock + time.Second)
	require.NoError(t, rl.Allow("9.9.9.9"))
}

func TestAcceptLimiterSuccessResetsFailures(t *testing.T) {
	rl := NewAcceptLimiter()
	rl.RecordFailure("5.5.5.5")
	rl.RecordFailure("5.5.5.5")
	rl.RecordSuccess("5.5.5.5")

	for i := 0; i < acceptFailureThresh-1; i++ {
		rl.RecordFailure("5.5.5.5")
	}
	require.NoError(t, rl.Allow("5.5.5.5"))
}
