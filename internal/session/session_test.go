package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChallengeIsSingleUse(t *testing.T) {
	s := New()
	var expected [32]byte
	expected[0] = 7
	require.True(t, s.BeginChallenge("joe", expected))

	got, ok := s.ConsumeChallenge()
	require.True(t, ok)
	require.Equal(t, expected, got)

	_, ok = s.ConsumeChallenge()
	require.False(t, ok, "challenge must not be readable twice")
}

func TestBeginChallengeRejectedWhenAlreadyLoggedIn(t *testing.T) {
	s := New()
	s.CompleteLogin()
	require.False(t, s.BeginChallenge("joe", [32]byte{}))
}

func TestLockoutArmsAtThresholdAndBlocksLogin(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 9; i++ {
		remaining, locked := s.RecordFailure(now, 10)
		require.False(t, locked)
		require.Equal(t, 9-i, remaining)
	}
	remaining, locked := s.RecordFailure(now, 10)
	require.True(t, locked)
	require.Equal(t, 0, remaining)

	require.True(t, s.InLockout(now.Add(30*time.Second), 60*time.Second))
	require.False(t, s.InLockout(now.Add(61*time.Second), 60*time.Second))
}

func TestCompleteLoginClearsLockout(t *testing.T) {
	s := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.RecordFailure(now, 10)
	}
	require.True(t, s.InLockout(now, 60*time.Second))

	s.CompleteLogin()
	require.False(t, s.InLockout(now, 60*time.Second))
}
