package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the ingest gateway.
type Metrics struct {
	Submitted           prometheus.Counter
	Rejected            prometheus.Counter
	PersistFailures     prometheus.Counter
	Retries             prometheus.Counter
	Buffered            prometheus.Counter
	BufferDropped       prometheus.Counter
	CircuitBreakerState prometheus.Gauge
	PersistDuration     prometheus.Histogram
}

// NewMetrics creates a Metrics instance with gateway metrics registered.
func NewMetrics() *Metrics {
	return &Metrics{
		Submitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_events_submitted_total",
			Help: "Total number of audit events committed by the ingest gateway",
		}),
		Rejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_events_rejected_total",
			Help: "Total number of audit submissions rejected before any write",
		}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_persist_failures_total",
			Help: "Total number of audit event persistence failures",
		}),
		Retries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_submit_retries_total",
			Help: "Total number of bounded submit retries",
		}),
		Buffered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_emergency_buffered_total",
			Help: "Total number of events buffered outside the primary store during outages",
		}),
		BufferDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_emergency_dropped_total",
			Help: "Total number of emergency-buffered events dropped due to overflow",
		}),
		CircuitBreakerState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custos_audit_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed/healthy, 1=open/unhealthy)",
		}),
		PersistDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custos_audit_persist_duration_seconds",
			Help:    "Latency of committing one audit event",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
