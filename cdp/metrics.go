package cdp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus collectors of a Metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "cdp").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for call round trips.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type MetricsOption func(*MetricsConfig)

func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "cdp",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the collectors sessions report to. A nil *Metrics records
// nothing. One Metrics may be shared by many sessions.
type Metrics struct {
	callsTotal     *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	repliesTotal   *prometheus.CounterVec
	eventsTotal    *prometheus.CounterVec
	framesTotal    *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
	errorsTotal    *prometheus.CounterVec
	pendingCalls   prometheus.Gauge
	activeSessions prometheus.Gauge
}

// NewMetrics registers the session collectors:
//   - cdp_calls_total: calls written, by method
//   - cdp_call_duration_seconds: CallWait round trips, by method
//   - cdp_replies_total: replies received, by status (ok, error)
//   - cdp_events_total: events received, by method
//   - cdp_frames_total: frames, by direction and opcode
//   - cdp_payload_bytes_total: payload bytes, by direction
//   - cdp_session_errors_total: session failures, by type
//   - cdp_pending_calls: calls awaiting a reply
//   - cdp_active_sessions: sessions with a running receive loop
func NewMetrics(opts ...MetricsOption) *Metrics {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	return &Metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "calls_total",
			Help:        "Total number of method calls written",
			ConstLabels: config.ConstLabels,
		}, []string{"method"}),

		callDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "call_duration_seconds",
			Help:        "Time from writing a call to receiving its reply",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"method"}),

		repliesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "replies_total",
			Help:        "Total number of replies received",
			ConstLabels: config.ConstLabels,
		}, []string{"status"}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of events received",
			ConstLabels: config.ConstLabels,
		}, []string{"method"}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of WebSocket frames",
			ConstLabels: config.ConstLabels,
		}, []string{"direction", "opcode"}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "payload_bytes_total",
			Help:        "Total number of WebSocket payload bytes",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "session_errors_total",
			Help:        "Total number of session failures by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),

		pendingCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_calls",
			Help:        "Number of calls awaiting a reply",
			ConstLabels: config.ConstLabels,
		}),

		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_sessions",
			Help:        "Number of sessions with a running receive loop",
			ConstLabels: config.ConstLabels,
		}),
	}
}

const (
	directionSent     = "sent"
	directionReceived = "received"
)

func (m *Metrics) callWritten(method string, payloadLen int) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(method).Inc()
	m.frame(directionSent, "text", payloadLen)
}

func (m *Metrics) callDone(method string, d time.Duration) {
	if m == nil {
		return
	}
	m.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) frame(direction, opcode string, payloadLen int) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction, opcode).Inc()
	m.bytesTotal.WithLabelValues(direction).Add(float64(payloadLen))
}

func (m *Metrics) reply(r *Reply) {
	if m == nil {
		return
	}
	status := "ok"
	if r.Error != nil {
		status = "error"
	}
	m.repliesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) event(e *Event) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(e.Method).Inc()
}

func (m *Metrics) sessionError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) pending(delta float64) {
	if m == nil {
		return
	}
	m.pendingCalls.Add(delta)
}

func (m *Metrics) sessionActive(delta float64) {
	if m == nil {
		return
	}
	m.activeSessions.Add(delta)
}
