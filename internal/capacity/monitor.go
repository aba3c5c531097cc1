package capacity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"custos/internal/alert"
	"custos/internal/audit"
	"custos/pkg/sentinel"
)

// StatsSource reports storage figures; implemented by the audit store.
type StatsSource interface {
	Stats(ctx context.Context) (audit.StoreStats, error)
}

// EmergencyQueue exposes the gateway's outage buffer to the monitor, which
// reports its depth as queue depth and drains it on resolution.
type EmergencyQueue interface {
	BufferedCount() int
	BufferedDropped() int64
	FlushBuffered(ctx context.Context) (int, error)
}

// Config tunes sampling cadence and thresholds.
type Config struct {
	Interval        time.Duration
	WarningPct      float64
	CriticalPct     float64
	EscalateAfter   int // consecutive sampling misses before escalation
	AlertRecipients []string
	FailoverTarget  string
	// CapacityBytes is the provisioned budget for the audit store. Zero
	// means unmetered: usage stays at 0% and threshold policy is inert.
	CapacityBytes int64
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.WarningPct <= 0 {
		c.WarningPct = 80
	}
	if c.CriticalPct <= 0 {
		c.CriticalPct = 90
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = 3
	}
}

// Monitor samples store health on a fixed interval and turns observed
// failures into durable FailureResponse records plus alerts.
type Monitor struct {
	store    Store
	source   StatsSource
	queue    EmergencyQueue
	notifier alert.Notifier
	logger   *slog.Logger
	metrics  *Metrics
	cfg      Config

	mu               sync.Mutex
	lastSampledAt    time.Time
	consecutiveMiss  int
	deploymentTenant uuid.UUID
}

// NewMonitor creates a capacity monitor. queue may be nil when no gateway
// buffer is wired (tests of pure sampling).
func NewMonitor(store Store, source StatsSource, queue EmergencyQueue, notifier alert.Notifier, logger *slog.Logger, metrics *Metrics, cfg Config) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		store:            store,
		source:           source,
		queue:            queue,
		notifier:         notifier,
		logger:           logger,
		metrics:          metrics,
		cfg:              cfg,
		deploymentTenant: uuid.Nil,
	}
}

// AttachQueue wires the gateway's emergency buffer. The gateway and monitor
// reference each other, so one side attaches after construction; call this
// before Run.
func (m *Monitor) AttachQueue(q EmergencyQueue) {
	m.queue = q
}

// Run samples on the configured interval until ctx is cancelled. Sampling
// failures are logged and retried next tick; past EscalateAfter consecutive
// misses they escalate to a monitor_degraded failure.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Sample(ctx); err != nil {
				m.onSampleMiss(ctx, err)
			} else {
				m.mu.Lock()
				m.consecutiveMiss = 0
				m.mu.Unlock()
			}
		}
	}
}

// Sample takes one capacity reading, appends it, and applies threshold
// policy. A cancelled context aborts before the terminal write so no
// partial record is left behind.
func (m *Monitor) Sample(ctx context.Context) (Sample, error) {
	stats, err := m.source.Stats(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.SampleFailures.Inc()
		}
		return Sample{}, fmt.Errorf("read store stats: %w", err)
	}

	now := time.Now().UTC()
	sample := Sample{
		ID:           uuid.New(),
		TenantID:     m.deploymentTenant,
		SampledAt:    now,
		TotalBytes:   m.cfg.CapacityBytes,
		EventsPerMin: stats.EventsLastMin,
		WarningPct:   m.cfg.WarningPct,
		CriticalPct:  m.cfg.CriticalPct,
	}
	if m.queue != nil {
		sample.QueueDepth = int64(m.queue.BufferedCount())
	}
	if m.cfg.CapacityBytes > 0 {
		sample.UsagePct = float64(stats.StorageBytes) / float64(m.cfg.CapacityBytes) * 100
		sample.AvailableBytes = m.cfg.CapacityBytes - stats.StorageBytes
		if sample.AvailableBytes < 0 {
			sample.AvailableBytes = 0
		}
	}
	sample.Healthy = sample.UsagePct < m.cfg.CriticalPct

	m.mu.Lock()
	if now.Before(m.lastSampledAt) {
		sample.OutOfOrder = true
	} else {
		m.lastSampledAt = now
	}
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	if err := m.store.AppendSample(ctx, sample); err != nil {
		if m.metrics != nil {
			m.metrics.SampleFailures.Inc()
		}
		return Sample{}, err
	}

	if m.metrics != nil {
		m.metrics.Samples.Inc()
		m.metrics.UsagePct.Set(sample.UsagePct)
		m.metrics.QueueDepth.Set(float64(sample.QueueDepth))
	}

	m.applyThresholds(ctx, sample)
	return sample, nil
}

// applyThresholds opens failure responses and sends alerts as the sample
// crosses the configured lines.
func (m *Monitor) applyThresholds(ctx context.Context, sample Sample) {
	switch {
	case sample.UsagePct >= 100:
		m.reportTo(ctx, m.deploymentTenant, KindStorageFull, alert.SeverityCritical,
			fmt.Sprintf("audit store full: %.1f%% of provisioned capacity", sample.UsagePct),
			map[string]string{"usage_pct": fmt.Sprintf("%.1f", sample.UsagePct)})
	case sample.UsagePct >= m.cfg.CriticalPct:
		m.reportTo(ctx, m.deploymentTenant, KindCapacityExceeded, alert.SeverityCritical,
			fmt.Sprintf("audit store usage %.1f%% crossed critical threshold %.0f%%", sample.UsagePct, m.cfg.CriticalPct),
			map[string]string{"usage_pct": fmt.Sprintf("%.1f", sample.UsagePct)})
	case sample.UsagePct >= m.cfg.WarningPct:
		// Warning crossings alert without opening a failure record.
		m.notify(ctx, alert.SeverityWarning,
			fmt.Sprintf("audit store usage %.1f%% crossed warning threshold %.0f%%", sample.UsagePct, m.cfg.WarningPct))
	}
}

// ReportFailure records a detected failure of the audit pipeline. Any
// component may call it; the gateway does on write failures. Exactly one
// response stays open per (tenant, kind): re-detection updates the open
// record instead of stacking duplicates.
func (m *Monitor) ReportFailure(ctx context.Context, tenantID uuid.UUID, kind, severity, message string, details map[string]string) {
	k := FailureKind(kind)
	if !k.Valid() {
		k = KindWriteFailure
	}
	sev := alert.Severity(severity)
	if !sev.Valid() {
		// An unrecognized caller severity pages rather than drops.
		sev = alert.SeverityCritical
	}
	m.reportTo(ctx, tenantID, k, sev, message, details)
}

func (m *Monitor) reportTo(ctx context.Context, tenantID uuid.UUID, kind FailureKind, severity alert.Severity, message string, details map[string]string) {
	open, err := m.store.OpenFailure(ctx, tenantID, kind)
	if err == nil {
		// Already tracked; refresh the investigation context only.
		open.Message = message
		open.Context = mergeContext(open.Context, details)
		if m.queue != nil {
			open.EventsLostEstimate = m.queue.BufferedDropped()
		}
		if err := m.store.UpdateFailure(ctx, open); err != nil && m.logger != nil {
			m.logger.ErrorContext(ctx, "failed to update open failure response",
				"kind", string(kind), "error", err)
		}
		return
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "failed to look up open failure response",
				"kind", string(kind), "error", err)
		}
		return
	}

	response := FailureResponse{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Kind:            kind,
		Severity:        severity,
		Message:         message,
		DetectedAt:      time.Now().UTC(),
		DetectionSource: "capacity-monitor",
		Context:         details,
	}
	if m.queue != nil {
		response.EventsLostEstimate = m.queue.BufferedDropped()
	}
	if m.cfg.FailoverTarget != "" && failoverEligible(kind) {
		response.FailoverActivated = true
		response.FailoverTarget = m.cfg.FailoverTarget
	}
	response.AlertSent = m.notify(ctx, severity, message)

	if err := m.store.CreateFailure(ctx, response); err != nil {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "CRITICAL: failed to record audit failure response",
				"kind", string(kind), "error", err)
		}
		return
	}
	if m.metrics != nil {
		m.metrics.FailuresOpened.Inc()
	}
	if m.logger != nil {
		m.logger.WarnContext(ctx, "audit failure response opened",
			"kind", string(kind),
			"severity", string(severity),
			"failover_activated", response.FailoverActivated,
		)
	}
}

func failoverEligible(kind FailureKind) bool {
	switch kind {
	case KindStorageFull, KindWriteFailure, KindCapacityExceeded:
		return true
	}
	return false
}

// Resolve closes a failure response, drains the emergency buffer back into
// the primary store, and records how many events were recovered.
// Deployment-level failures (threshold crossings, monitor degradation) are
// resolvable by any authenticated tenant's operator.
func (m *Monitor) Resolve(ctx context.Context, tenantID, id uuid.UUID, notes string) (FailureResponse, error) {
	response, err := m.store.FindFailure(ctx, tenantID, id)
	if errors.Is(err, sentinel.ErrNotFound) && tenantID != m.deploymentTenant {
		response, err = m.store.FindFailure(ctx, m.deploymentTenant, id)
	}
	if err != nil {
		return FailureResponse{}, err
	}
	if response.Resolved {
		return FailureResponse{}, fmt.Errorf("%w: failure already resolved", sentinel.ErrInvalidState)
	}

	if m.queue != nil {
		recovered, err := m.queue.FlushBuffered(ctx)
		response.EventsRecovered += int64(recovered)
		if err != nil && m.logger != nil {
			m.logger.WarnContext(ctx, "partial emergency buffer recovery",
				"recovered", recovered, "error", err)
		}
	}

	now := time.Now().UTC()
	response.Resolved = true
	response.ResolvedAt = &now
	response.ResolutionNotes = notes
	if err := m.store.UpdateFailure(ctx, response); err != nil {
		return FailureResponse{}, err
	}
	return response, nil
}

// Samples returns the capacity time series. Samples describe the shared
// store, not any one tenant, so every authenticated caller sees the same
// deployment-level series.
func (m *Monitor) Samples(ctx context.Context, from, to time.Time, limit int) ([]Sample, error) {
	return m.store.ListSamples(ctx, m.deploymentTenant, from, to, limit)
}

// Failures returns the tenant's failure responses merged with the
// deployment-level ones, newest first.
func (m *Monitor) Failures(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]FailureResponse, error) {
	failures, err := m.store.ListFailures(ctx, m.deploymentTenant, includeResolved, limit)
	if err != nil {
		return nil, err
	}
	if tenantID != m.deploymentTenant {
		scoped, err := m.store.ListFailures(ctx, tenantID, includeResolved, limit)
		if err != nil {
			return nil, err
		}
		failures = append(failures, scoped...)
	}
	sort.Slice(failures, func(i, j int) bool {
		return failures[i].DetectedAt.After(failures[j].DetectedAt)
	})
	if limit > 0 && len(failures) > limit {
		failures = failures[:limit]
	}
	return failures, nil
}

// onSampleMiss counts consecutive failures and escalates once they persist.
func (m *Monitor) onSampleMiss(ctx context.Context, err error) {
	m.mu.Lock()
	m.consecutiveMiss++
	miss := m.consecutiveMiss
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.WarnContext(ctx, "capacity sampling failed",
			"consecutive", miss, "error", err)
	}
	if miss == m.cfg.EscalateAfter {
		m.reportTo(ctx, m.deploymentTenant, KindMonitorDegraded, alert.SeverityCritical,
			fmt.Sprintf("capacity sampling failed %d consecutive times", miss),
			map[string]string{"error": err.Error()})
	}
}

func (m *Monitor) notify(ctx context.Context, severity alert.Severity, message string) bool {
	if m.notifier == nil {
		return false
	}
	if err := m.notifier.Notify(ctx, m.cfg.AlertRecipients, severity, message); err != nil {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "alert delivery failed", "error", err)
		}
		return false
	}
	if m.metrics != nil {
		m.metrics.AlertsSent.Inc()
	}
	return true
}

func mergeContext(base, extra map[string]string) map[string]string {
	if base == nil {
		return extra
	}
	for k, v := range extra {
		base[k] = v
	}
	return base
}
