package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the signaling service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Event Store Metrics
	eventsAppendedTotal *prometheus.CounterVec
	eventsRoutedTotal   *prometheus.CounterVec
	eventsSweptTotal    prometheus.Counter
	eventsPolledTotal   prometheus.Counter
	storeErrorsTotal    *prometheus.CounterVec

	// WebSocket Metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketRejectedTotal prometheus.Counter

	// Channel Metrics
	channelParticipants prometheus.Gauge

	// Redis Metrics
	redisDegraded prometheus.Gauge
}

// NewMetrics creates all metrics on a dedicated registry
func NewMetrics(serviceName string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),

		eventsAppendedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_events_appended_total",
				Help:        "Signaling events emitted, by event type",
				ConstLabels: labels,
			},
			[]string{"event_type"},
		),
		eventsRoutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_events_routed_total",
				Help:        "Copies of signaling events routed to another user's queue",
				ConstLabels: labels,
			},
			[]string{"event_type"},
		),
		eventsSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_events_swept_total",
				Help:        "Signaling events removed by the retention sweep",
				ConstLabels: labels,
			},
		),
		eventsPolledTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "signaling_events_polled_total",
				Help:        "Signaling events returned to pollers",
				ConstLabels: labels,
			},
		),
		storeErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "signaling_store_errors_total",
				Help:        "Event store backend errors",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),

		websocketConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketRejectedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name:        "websocket_rejected_total",
				Help:        "WebSocket connections rejected at capacity",
				ConstLabels: labels,
			},
		),

		channelParticipants: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "channel_participants",
				Help:        "Participants currently tracked across media channels",
				ConstLabels: labels,
			},
		),

		redisDegraded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_degraded_mode",
				Help:        "Indicates if Redis is in degraded mode (1 = degraded, 0 = healthy)",
				ConstLabels: labels,
			},
		),
	}
}

// GetRegistry returns the registry backing the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordHTTPRequest records a finished HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) IncrementHTTPRequestsInFlight() {
	if m != nil {
		m.httpRequestsInFlight.Inc()
	}
}

func (m *Metrics) DecrementHTTPRequestsInFlight() {
	if m != nil {
		m.httpRequestsInFlight.Dec()
	}
}

// RecordEventAppended counts an emitted event
func (m *Metrics) RecordEventAppended(eventType string) {
	if m != nil {
		m.eventsAppendedTotal.WithLabelValues(eventType).Inc()
	}
}

// RecordEventRouted counts a copy delivered to another user's queue
func (m *Metrics) RecordEventRouted(eventType string) {
	if m != nil {
		m.eventsRoutedTotal.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) RecordEventsSwept(n int) {
	if m != nil && n > 0 {
		m.eventsSweptTotal.Add(float64(n))
	}
}

func (m *Metrics) RecordEventsPolled(n int) {
	if m != nil && n > 0 {
		m.eventsPolledTotal.Add(float64(n))
	}
}

func (m *Metrics) RecordStoreError(operation string) {
	if m != nil {
		m.storeErrorsTotal.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncrementWebSocketConnections() {
	if m != nil {
		m.websocketConnections.Inc()
	}
}

func (m *Metrics) DecrementWebSocketConnections() {
	if m != nil {
		m.websocketConnections.Dec()
	}
}

// RecordWebSocketMessage counts a frame; direction is "in" or "out"
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	if m != nil {
		m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
	}
}

func (m *Metrics) RecordWebSocketRejected() {
	if m != nil {
		m.websocketRejectedTotal.Inc()
	}
}

func (m *Metrics) SetChannelParticipants(n int) {
	if m != nil {
		m.channelParticipants.Set(float64(n))
	}
}

func (m *Metrics) SetRedisDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.redisDegraded.Set(1)
	} else {
		m.redisDegraded.Set(0)
	}
}
