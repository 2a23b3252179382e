package metrics

import "time"

// MetricsInterface is what internal/transport depends on, kept narrow to
// the counters this domain actually drives: connection lifecycle, inbound
// message volume, and a generic labeled error counter. The domain-specific
// recorders (login outcomes, messages sent, ...) live only on the concrete
// *Metrics type below, attached separately where needed.
type MetricsInterface interface {
	IncrementConnections()
	DecrementConnections()
	RecordConnectionError()
	RecordConnectionDuration(duration time.Duration)
	GetActiveConnections() int64

	IncrementMessagesReceived()
	RecordMessageLatency(duration time.Duration)

	RecordError(errorType string)

	GetUptime() time.Duration
}

var _ MetricsInterface = (*Metrics)(nil)
