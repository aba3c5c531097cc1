package capacity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the capacity monitor.
type Metrics struct {
	UsagePct       prometheus.Gauge
	QueueDepth     prometheus.Gauge
	Samples        prometheus.Counter
	SampleFailures prometheus.Counter
	FailuresOpened prometheus.Counter
	AlertsSent     prometheus.Counter
}

// NewMetrics creates a Metrics instance with monitor metrics registered.
func NewMetrics() *Metrics {
	return &Metrics{
		UsagePct: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custos_audit_storage_usage_pct",
			Help: "Audit store usage as a percentage of its configured capacity",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "custos_audit_emergency_queue_depth",
			Help: "Events waiting in the emergency buffer",
		}),
		Samples: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_capacity_samples_total",
			Help: "Total number of capacity samples taken",
		}),
		SampleFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_capacity_sample_failures_total",
			Help: "Total number of capacity sampling failures",
		}),
		FailuresOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_failure_responses_total",
			Help: "Total number of audit failure responses opened",
		}),
		AlertsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_audit_alerts_sent_total",
			Help: "Total number of alerts delivered for audit pipeline failures",
		}),
	}
}
