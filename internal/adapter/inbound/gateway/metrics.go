package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway. Pass to components
// that need to record them.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ScanDecisions    *prometheus.CounterVec
	BlocksTotal      *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
	StreamAborts     prometheus.Counter
	UpstreamFailures prometheus.Counter
	AuditDropsTotal  prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ongarde",
				Name:      "requests_total",
				Help:      "Total proxied requests by outcome",
			},
			[]string{"outcome"}, // forwarded/blocked/upstream_error/rejected
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ongarde",
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		ScanDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ongarde",
				Name:      "scan_decisions_total",
				Help:      "Scan gate decisions by action and direction",
			},
			[]string{"action", "direction"},
		),
		BlocksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ongarde",
				Name:      "blocks_total",
				Help:      "Policy and system blocks by rule id",
			},
			[]string{"rule_id"},
		),
		ActiveStreams: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "ongarde",
				Name:      "active_streams",
				Help:      "Currently open SSE streaming responses",
			},
		),
		StreamAborts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ongarde",
				Name:      "stream_aborts_total",
				Help:      "Streams aborted mid-response by the scanner",
			},
		),
		UpstreamFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ongarde",
				Name:      "upstream_failures_total",
				Help:      "Upstream connectivity failures mapped to 502",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "ongarde",
				Name:      "audit_drops_total",
				Help:      "Audit events dropped due to backpressure",
			},
		),
	}
}
