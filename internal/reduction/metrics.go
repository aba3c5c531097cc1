package reduction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine counters.
type Metrics struct {
	PatternRuns      prometheus.Counter
	PatternMatches   prometheus.Counter
	ReportsRequested prometheus.Counter
	ReportsCompleted prometheus.Counter
	ReportsFailed    prometheus.Counter
	ReportDuration   prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		PatternRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_reduction_pattern_runs_total",
			Help: "Pattern evaluation runs.",
		}),
		PatternMatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_reduction_pattern_matches_total",
			Help: "New event ids added to pattern match sets.",
		}),
		ReportsRequested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_reduction_reports_requested_total",
			Help: "Reports requested.",
		}),
		ReportsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_reduction_reports_completed_total",
			Help: "Reports that reached completed.",
		}),
		ReportsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "custos_reduction_reports_failed_total",
			Help: "Reports that reached failed, including budget timeouts.",
		}),
		ReportDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "custos_reduction_report_duration_seconds",
			Help:    "Wall time spent generating reports.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}
