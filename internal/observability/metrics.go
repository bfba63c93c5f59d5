package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting broker metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Session runs by permission mode and terminal state
//   - Event throughput per event kind and buffer compactions
//   - Permission negotiation outcomes and human wait time
//   - Subscriber fan-out health (connections, drops)
//   - Persistence latency per store operation
//   - HTTP and WebSocket request traffic
//
// All recording methods are safe to call on a nil *Metrics.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.SessionStarted("default")
//	defer metrics.SessionEnded("completed", time.Since(start).Seconds())
type Metrics struct {
	// SessionsStarted counts accepted start requests.
	// Labels: mode (default|acceptEdits|bypassPermissions|plan)
	SessionsStarted *prometheus.CounterVec

	// SessionsEnded counts terminal transitions.
	// Labels: state (completed|error|aborted)
	SessionsEnded *prometheus.CounterVec

	// RunDuration measures runner lifetime in seconds.
	// Labels: state
	// Buckets: 1s, 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s, 3600s
	RunDuration *prometheus.HistogramVec

	// ActiveRuns is the number of runners currently consuming a runtime stream.
	ActiveRuns prometheus.Gauge

	// EventsEmitted counts normalized events appended to session buffers.
	// Labels: type
	EventsEmitted *prometheus.CounterVec

	// BufferCompactions counts overflow compactions across all session buffers.
	BufferCompactions prometheus.Counter

	// PermissionRequests counts permission resolutions.
	// Labels: outcome (allowed|denied|timeout|aborted|auto)
	PermissionRequests *prometheus.CounterVec

	// PermissionWait measures time from request to resolution in seconds.
	// Buckets: 0.5s, 1s, 5s, 15s, 30s, 60s, 120s, 300s
	PermissionWait prometheus.Histogram

	// Subscribers is the number of live session subscriptions.
	Subscribers prometheus.Gauge

	// SubscribersDropped counts subscribers removed after a failed delivery.
	SubscribersDropped prometheus.Counter

	// StoreOperationDuration measures persistence latency.
	// Labels: operation (save|load), driver, status (success|error)
	StoreOperationDuration *prometheus.HistogramVec

	// WSConnections is the number of open WebSocket connections.
	WSConnections prometheus.Gauge

	// WSMessages counts control-plane frames.
	// Labels: direction (inbound|outbound), method
	WSMessages *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (runner|registry|store|history|gateway), error_type
	ErrorCounter *prometheus.CounterVec
}

// NewMetrics creates all broker metrics and registers them with reg.
// A nil reg registers with prometheus.DefaultRegisterer. Tests should pass a
// fresh prometheus.NewRegistry() so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_sessions_started_total",
				Help: "Total number of session runs started by permission mode",
			},
			[]string{"mode"},
		),

		SessionsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_sessions_ended_total",
				Help: "Total number of session runs ended by terminal state",
			},
			[]string{"state"},
		),

		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_run_duration_seconds",
				Help:    "Duration of session runs in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"state"},
		),

		ActiveRuns: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_active_runs",
				Help: "Number of runners currently consuming a runtime stream",
			},
		),

		EventsEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_events_total",
				Help: "Total number of normalized session events by type",
			},
			[]string{"type"},
		),

		BufferCompactions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_buffer_compactions_total",
				Help: "Total number of event buffer overflow compactions",
			},
		),

		PermissionRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_permission_requests_total",
				Help: "Total number of tool permission requests by outcome",
			},
			[]string{"outcome"},
		),

		PermissionWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_permission_wait_seconds",
				Help:    "Time a tool call waited for a permission decision",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),

		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_subscribers",
				Help: "Number of live session subscriptions",
			},
		),

		SubscribersDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_subscribers_dropped_total",
				Help: "Total number of subscribers removed after a failed delivery",
			},
		),

		StoreOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_store_operation_duration_seconds",
				Help:    "Duration of session store operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"operation", "driver", "status"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_ws_connections",
				Help: "Number of open WebSocket control-plane connections",
			},
		),

		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_ws_messages_total",
				Help: "Total number of control-plane frames by direction and method",
			},
			[]string{"direction", "method"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conduit_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_errors_total",
				Help: "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
	}
}

// SessionStarted records an accepted start and increments the active run gauge.
func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	if mode == "" {
		mode = "default"
	}
	m.SessionsStarted.WithLabelValues(mode).Inc()
	m.ActiveRuns.Inc()
}

// SessionEnded records a terminal transition of a run that SessionStarted counted.
func (m *Metrics) SessionEnded(state string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(state).Inc()
	m.RunDuration.WithLabelValues(state).Observe(durationSeconds)
	m.ActiveRuns.Dec()
}

// RecordEvent counts an appended event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsEmitted.WithLabelValues(eventType).Inc()
}

// RecordCompaction counts a buffer overflow compaction.
func (m *Metrics) RecordCompaction() {
	if m == nil {
		return
	}
	m.BufferCompactions.Inc()
}

// RecordPermission records a permission resolution and how long it waited.
func (m *Metrics) RecordPermission(outcome string, waitSeconds float64) {
	if m == nil {
		return
	}
	m.PermissionRequests.WithLabelValues(outcome).Inc()
	if waitSeconds > 0 {
		m.PermissionWait.Observe(waitSeconds)
	}
}

// SubscriberAdded increments the live subscription gauge.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.Subscribers.Inc()
}

// SubscriberRemoved decrements the live subscription gauge.
func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.Subscribers.Dec()
	if dropped {
		m.SubscribersDropped.Inc()
	}
}

// RecordStoreOperation records the latency of a persistence call.
func (m *Metrics) RecordStoreOperation(operation, driver, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StoreOperationDuration.WithLabelValues(operation, driver, status).Observe(durationSeconds)
}

// WSConnectionOpened increments the WebSocket connection gauge.
func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// WSConnectionClosed decrements the WebSocket connection gauge.
func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// RecordWSMessage counts a control-plane frame.
func (m *Metrics) RecordWSMessage(direction, method string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, method).Inc()
}

// RecordHTTPRequest records an HTTP request with its latency.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, errorType string) {
	if m == nil {
		return
	}
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}
