// Package metrics exposes this service's Prometheus instrumentation via
// promauto-registered counters/gauges/histograms covering the domain
// events this server handles: connection lifecycle, login outcomes,
// message/scheduler throughput, and social-graph actions.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionDuration prometheus.Histogram
	connectionsErrors  prometheus.Counter

	messagesReceived prometheus.Counter
	messageLatency   prometheus.Histogram

	loginSuccess      prometheus.Counter
	loginFailure      prometheus.Counter
	loginLockouts     prometheus.Counter
	messagesSent      prometheus.Counter
	scheduledFired    prometheus.Counter
	scheduledCanceled prometheus.Counter
	friendRequests    prometheus.Counter

	errorsTotal   prometheus.Counter
	errorsByType  *prometheus.CounterVec
	lastErrorTime prometheus.Gauge

	startTime time.Time
	mu        sync.RWMutex
	clients   int64
}

func New() *Metrics {
	return &Metrics{
		startTime: time.Now(),

		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_connections_total",
			Help: "Total number of websocket connections accepted",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "utc_connections_active",
			Help: "Number of currently active websocket connections",
		}),
		connectionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "utc_connection_duration_seconds",
			Help:    "Duration of websocket connections",
			Buckets: prometheus.DefBuckets,
		}),
		connectionsErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_connection_errors_total",
			Help: "Total number of websocket connection errors",
		}),

		messagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_events_received_total",
			Help: "Total number of client events received",
		}),
		messageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "utc_event_latency_seconds",
			Help:    "Latency of event dispatch and handling",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		loginSuccess: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_login_success_total",
			Help: "Total number of successful logins",
		}),
		loginFailure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_login_failure_total",
			Help: "Total number of failed login attempts",
		}),
		loginLockouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_login_lockouts_total",
			Help: "Total number of sessions that entered lockout",
		}),
		messagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_messages_sent_total",
			Help: "Total number of dm messages created",
		}),
		scheduledFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_scheduled_messages_fired_total",
			Help: "Total number of scheduled messages that were sent",
		}),
		scheduledCanceled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_scheduled_messages_canceled_total",
			Help: "Total number of scheduled messages canceled before firing",
		}),
		friendRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_friend_requests_total",
			Help: "Total number of friend requests sent",
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "utc_errors_total",
			Help: "Total number of errors",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "utc_errors_by_type_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),
		lastErrorTime: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "utc_last_error_timestamp",
			Help: "Unix timestamp of the last recorded error",
		}),
	}
}

func (m *Metrics) IncrementConnections() {
	m.connectionsTotal.Inc()
	m.mu.Lock()
	m.clients++
	m.mu.Unlock()
	m.connectionsActive.Inc()
}

func (m *Metrics) DecrementConnections() {
	m.mu.Lock()
	m.clients--
	m.mu.Unlock()
	m.connectionsActive.Dec()
}

func (m *Metrics) RecordConnectionError() {
	m.connectionsErrors.Inc()
	m.RecordError("connection")
}

func (m *Metrics) RecordConnectionDuration(duration time.Duration) {
	m.connectionDuration.Observe(duration.Seconds())
}

func (m *Metrics) GetActiveConnections() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients
}

func (m *Metrics) IncrementMessagesReceived() { m.messagesReceived.Inc() }

func (m *Metrics) RecordMessageLatency(duration time.Duration) {
	m.messageLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordLoginSuccess()      { m.loginSuccess.Inc() }
func (m *Metrics) RecordLoginFailure()      { m.loginFailure.Inc() }
func (m *Metrics) RecordLoginLockout()      { m.loginLockouts.Inc() }
func (m *Metrics) RecordMessageSent()       { m.messagesSent.Inc() }
func (m *Metrics) RecordScheduledFired()    { m.scheduledFired.Inc() }
func (m *Metrics) RecordScheduledCanceled() { m.scheduledCanceled.Inc() }
func (m *Metrics) RecordFriendRequest()     { m.friendRequests.Inc() }

func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
	m.lastErrorTime.SetToCurrentTime()
}

func (m *Metrics) GetUptime() time.Duration { return time.Since(m.startTime) }
