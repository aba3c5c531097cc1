// Package capacity watches the audit pipeline for its own degradation.
// An audit system that fails silently is a compliance failure in itself, so
// storage growth is sampled on a schedule and every observed write failure
// becomes a durable, alertable record.
package capacity

import (
	"time"

	"github.com/google/uuid"

	"custos/internal/alert"
)

// FailureKind classifies a detected failure of the audit pipeline.
type FailureKind string

const (
	KindStorageFull      FailureKind = "storage_full"
	KindWriteFailure     FailureKind = "write_failure"
	KindNetworkFailure   FailureKind = "network_failure"
	KindCapacityExceeded FailureKind = "capacity_exceeded"
	KindPermissionDenied FailureKind = "permission_denied"
	KindMonitorDegraded  FailureKind = "monitor_degraded"
)

// Valid reports whether k is a known failure kind.
func (k FailureKind) Valid() bool {
	switch k {
	case KindStorageFull, KindWriteFailure, KindNetworkFailure,
		KindCapacityExceeded, KindPermissionDenied, KindMonitorDegraded:
		return true
	}
	return false
}

// Sample is a point-in-time capacity reading. Samples are an append-only
// time series; out-of-order timestamps (clock skew) are accepted but
// flagged, never rewritten.
type Sample struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenant_id"` // uuid.Nil = deployment-wide
	SampledAt      time.Time `json:"sampled_at"`
	UsagePct       float64   `json:"usage_pct"`
	AvailableBytes int64     `json:"available_bytes"`
	TotalBytes     int64     `json:"total_bytes"`
	EventsPerMin   int64     `json:"events_per_min"`
	QueueDepth     int64     `json:"queue_depth"`
	WarningPct     float64   `json:"warning_pct"`
	CriticalPct    float64   `json:"critical_pct"`
	Healthy        bool      `json:"healthy"`
	OutOfOrder     bool      `json:"out_of_order"`
}

// FailureResponse records a detected failure of the audit pipeline itself.
// Created on detection, mutated as investigation proceeds, never deleted.
type FailureResponse struct {
	ID                 uuid.UUID         `json:"id"`
	TenantID           uuid.UUID         `json:"tenant_id"`
	Kind               FailureKind       `json:"kind"`
	Severity           alert.Severity    `json:"severity"`
	Message            string            `json:"message"`
	DetectedAt         time.Time         `json:"detected_at"`
	DetectionSource    string            `json:"detection_source"`
	Context            map[string]string `json:"context,omitempty"`
	AlertSent          bool              `json:"alert_sent"`
	FailoverActivated  bool              `json:"failover_activated"`
	FailoverTarget     string            `json:"failover_target,omitempty"`
	Resolved           bool              `json:"resolved"`
	ResolvedAt         *time.Time        `json:"resolved_at,omitempty"`
	ResolutionNotes    string            `json:"resolution_notes,omitempty"`
	EventsLostEstimate int64             `json:"events_lost_estimate"`
	EventsRecovered    int64             `json:"events_recovered"`
}
