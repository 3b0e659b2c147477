package monitoring

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

// knownMessageTypes bounds the label cardinality of voxrelay_signal_messages_total.
var knownMessageTypes = map[string]bool{
	"authenticate":       true,
	"join_channel":       true,
	"leave_channel":      true,
	"signal":             true,
	"voice_data":         true,
	"update_voice_state": true,
	"connection_quality": true,
	"ping":               true,
}

type PrometheusCollector struct {
	// Presence
	cacheReads         *prometheus.CounterVec
	adapterAvailable   *prometheus.GaugeVec
	reconnectAttempts  *prometheus.CounterVec
	presenceOperations *prometheus.CounterVec
	presenceDuration   *prometheus.HistogramVec

	// Signaling
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	messagesTotal     *prometheus.CounterVec
	protocolErrors    prometheus.Counter

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewPrometheusCollector registers the voxrelay metrics with reg, or with the
// default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		cacheReads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_presence_cache_reads_total",
			Help: "Channel membership reads by cache outcome",
		}, []string{"result"}),

		adapterAvailable: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxrelay_adapter_available",
			Help: "Whether a storage adapter is currently considered available (1) or not (0)",
		}, []string{"adapter"}),

		reconnectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_adapter_reconnect_attempts_total",
			Help: "Adapter reconnect attempts by outcome",
		}, []string{"adapter", "outcome"}),

		presenceOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_presence_operations_total",
			Help: "Presence manager operations by status",
		}, []string{"operation", "status"}),

		presenceDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxrelay_presence_operation_duration_seconds",
			Help:    "Duration of presence manager operations",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation"}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxrelay_signal_connections_active",
			Help: "Number of open signaling WebSocket connections",
		}),

		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_signal_connections_total",
			Help: "Total number of signaling WebSocket connections accepted",
		}),

		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_signal_messages_total",
			Help: "Signaling messages received by type",
		}, []string{"type"}),

		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "voxrelay_signal_protocol_errors_total",
			Help: "Malformed or rejected signaling messages",
		}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxrelay_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxrelay_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (p *PrometheusCollector) RecordCacheRead(result string) {
	p.cacheReads.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) RecordAdapterAvailability(adapter string, available bool) {
	value := 0.0
	if available {
		value = 1
	}
	p.adapterAvailable.WithLabelValues(adapter).Set(value)
}

func (p *PrometheusCollector) RecordReconnectAttempt(adapter string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	p.reconnectAttempts.WithLabelValues(adapter, outcome).Inc()
}

func (p *PrometheusCollector) RecordPresenceOperation(op string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.presenceOperations.WithLabelValues(op, status).Inc()
	p.presenceDuration.WithLabelValues(op).Observe(duration.Seconds())
}

func (p *PrometheusCollector) RecordConnectionOpened() {
	p.connectionsActive.Inc()
	p.connectionsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionClosed() {
	p.connectionsActive.Dec()
}

func (p *PrometheusCollector) RecordMessage(messageType string) {
	if !knownMessageTypes[messageType] {
		messageType = "other"
	}
	p.messagesTotal.WithLabelValues(messageType).Inc()
}

func (p *PrometheusCollector) RecordProtocolError() {
	p.protocolErrors.Inc()
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	p.httpRequests.WithLabelValues(strings.ToUpper(method), route, statusClass(status)).Inc()
	p.httpDuration.WithLabelValues(strings.ToUpper(method), route).Observe(duration.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
