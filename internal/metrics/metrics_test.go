package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// All assertions share a single Metrics instance: promauto registers every
// counter against the default Prometheus registry, so constructing a
// second instance in the same test binary would panic on a duplicate
// collector registration.
func TestMetrics(t *testing.T) {
	m := New()

	t.Run("connection bookkeeping", func(t *testing.T) {
		require.EqualValues(t, 0, m.GetActiveConnections())

		m.IncrementConnections()
		m.IncrementConnections()
		require.EqualValues(t, 2, m.GetActiveConnections())

		m.DecrementConnections()
		require.EqualValues(t, 1, m.GetActiveConnections())
	})

	t.Run("uptime advances", func(t *testing.T) {
		time.Sleep(5 * time.Millisecond)
		require.Greater(t, m.GetUptime(), time.Duration(0))
	})

	t.Run("RecordError is safe to call concurrently", func(t *testing.T) {
		done := make(chan struct{})
		for i := 0; i < 10; i++ {
			go func() {
				m.RecordError("test")
				done <- struct{}{}
			}()
		}
		for i := 0; i < 10; i++ {
			<-done
		}
	})

	t.Run("domain recorders do not panic", func(t *testing.T) {
		m.RecordLoginSuccess()
		m.RecordLoginFailure()
		m.RecordLoginLockout()
		m.RecordMessageSent()
		m.RecordScheduledFired()
		m.RecordScheduledCanceled()
		m.RecordFriendRequest()
	})
}
