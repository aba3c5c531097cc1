package reduction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"custos/internal/audit"
	"custos/pkg/sentinel"
)

// Engine evaluates pattern rules and generates reports over the audit
// store. It is a pure reader of audit events: every output lands in its
// own tables, and scans are paged through the store's indexes with
// bounded windows rather than walked whole.
type Engine struct {
	events       audit.Store
	store        Store
	defs         []Definition
	logger       *slog.Logger
	metrics      *Metrics
	budget       time.Duration
	reportTTL    time.Duration
	pageSize     int
	parallelism  int
	retention    int
	evalInterval time.Duration
	evalWindow   time.Duration
	now          func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option        { return func(e *Engine) { e.logger = l } }
func WithMetrics(m *Metrics) Option           { return func(e *Engine) { e.metrics = m } }
func WithBudget(d time.Duration) Option       { return func(e *Engine) { e.budget = d } }
func WithReportTTL(d time.Duration) Option    { return func(e *Engine) { e.reportTTL = d } }
func WithPageSize(n int) Option               { return func(e *Engine) { e.pageSize = n } }
func WithParallelism(n int) Option            { return func(e *Engine) { e.parallelism = n } }
func WithRetentionYears(n int) Option         { return func(e *Engine) { e.retention = n } }
func WithEvalInterval(d time.Duration) Option { return func(e *Engine) { e.evalInterval = d } }
func WithEvalWindow(d time.Duration) Option   { return func(e *Engine) { e.evalWindow = d } }

// New creates an Engine over the given definitions. Defaults: 30s report
// budget, 7-day report expiry, 1000-event scan pages, 4 rules in flight,
// 7-year retention horizon for archive-eligibility stats, scheduled
// evaluation every 5 minutes over a 15-minute window.
func New(events audit.Store, store Store, defs []Definition, opts ...Option) *Engine {
	e := &Engine{
		events:       events,
		store:        store,
		defs:         defs,
		logger:       slog.Default(),
		budget:       30 * time.Second,
		reportTTL:    7 * 24 * time.Hour,
		pageSize:     1000,
		parallelism:  4,
		retention:    7,
		evalInterval: 5 * time.Minute,
		evalWindow:   15 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DefaultDefinitions returns the built-in rule set.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:      "failed-login-burst",
			Version:   1,
			Severity:  SeverityHigh,
			RiskScore: 7.5,
			Predicate: Predicate{
				Category:  audit.CategoryAuthentication,
				Outcome:   audit.OutcomeFailure,
				Threshold: 5,
				GroupBy:   GroupByIP,
			},
		},
		{
			Name:      "repeated-access-denial",
			Version:   1,
			Severity:  SeverityMedium,
			RiskScore: 5.0,
			Predicate: Predicate{
				Category:  audit.CategoryAuthorization,
				Outcome:   audit.OutcomeDenied,
				Threshold: 5,
				GroupBy:   GroupByActor,
			},
		},
		{
			Name:      "pipeline-degradation",
			Version:   1,
			Severity:  SeverityCritical,
			RiskScore: 9.0,
			Predicate: Predicate{
				Category: audit.CategorySystemEvent,
				Outcome:  audit.OutcomeFailure,
			},
		},
	}
}

// EvaluatePatterns runs every definition over the window, in parallel,
// and returns the patterns that fired. Re-running over the same window
// without new matching events changes nothing: the match set is keyed by
// event id. Cancellation mid-scan leaves no partial pattern for the
// interrupted rule.
func (e *Engine) EvaluatePatterns(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]Pattern, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("window is empty: %w", sentinel.ErrValidation)
	}
	if e.metrics != nil {
		e.metrics.PatternRuns.Inc()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)

	results := make([][]Pattern, len(e.defs))
	for i, def := range e.defs {
		i, def := i, def
		g.Go(func() error {
			fired, err := e.evaluateDefinition(gctx, tenantID, def, from, to)
			if err != nil {
				return fmt.Errorf("rule %q: %w", def.Name, err)
			}
			results[i] = fired
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []Pattern
	for _, fired := range results {
		out = append(out, fired...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].GroupKey < out[j].GroupKey
	})
	return out, nil
}

// Run evaluates the active definitions for every tenant with recent
// activity, on the configured interval, until ctx is cancelled. Detection
// does not wait for someone to request a report.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.evalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.evaluateActiveTenants(ctx)
		}
	}
}

// evaluateActiveTenants runs one scheduled evaluation pass. Per-tenant
// failures are logged and do not stop the pass.
func (e *Engine) evaluateActiveTenants(ctx context.Context) {
	to := e.now().UTC()
	from := to.Add(-e.evalWindow)

	tenants, err := e.events.ActiveTenants(ctx, from, to)
	if err != nil {
		e.logger.ErrorContext(ctx, "active tenant scan failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if _, err := e.EvaluatePatterns(ctx, tenantID, from, to); err != nil {
			e.logger.ErrorContext(ctx, "scheduled pattern evaluation failed",
				"tenant_id", tenantID, "error", err)
		}
	}
}

func (e *Engine) evaluateDefinition(ctx context.Context, tenantID uuid.UUID, def Definition, from, to time.Time) ([]Pattern, error) {
	groups := make(map[string][]uuid.UUID)

	query := audit.Query{
		From:     from,
		To:       to,
		Category: def.Predicate.Category,
		Action:   def.Predicate.Action,
		Outcome:  def.Predicate.Outcome,
		ActorID:  def.Predicate.ActorID,
		Limit:    e.pageSize,
	}
	for offset := 0; ; offset += e.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		query.Offset = offset
		page, err := e.events.List(ctx, tenantID, query)
		if err != nil {
			return nil, fmt.Errorf("scanning events: %w", err)
		}
		for _, event := range page {
			key := groupKey(def.Predicate.GroupBy, event)
			groups[key] = append(groups[key], event.ID)
		}
		if len(page) < e.pageSize {
			break
		}
	}

	threshold := def.Predicate.Threshold
	if threshold < 1 {
		threshold = 1
	}

	now := e.now().UTC()
	var fired []Pattern
	for key, eventIDs := range groups {
		if len(eventIDs) < threshold {
			continue
		}
		pattern, err := e.store.UpsertPattern(ctx, Pattern{
			ID:         uuid.New(),
			TenantID:   tenantID,
			Name:       def.Name,
			Version:    def.Version,
			Severity:   def.Severity,
			RiskScore:  def.RiskScore,
			WindowFrom: from,
			WindowTo:   to,
			GroupKey:   key,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("upserting pattern: %w", err)
		}
		added, err := e.store.AddMatches(ctx, pattern.ID, eventIDs, now)
		if err != nil {
			return nil, fmt.Errorf("recording matches: %w", err)
		}
		if e.metrics != nil && added > 0 {
			e.metrics.PatternMatches.Add(float64(added))
		}
		matched, err := e.store.MatchedEventIDs(ctx, pattern.ID)
		if err != nil {
			return nil, err
		}
		pattern.MatchCount = len(matched)
		fired = append(fired, pattern)
	}
	return fired, nil
}

func groupKey(by GroupBy, event audit.Event) string {
	switch by {
	case GroupByIP:
		return event.IP
	case GroupByActor:
		if event.ActorID != nil {
			return event.ActorID.String()
		}
		return "system"
	}
	return ""
}

// RunReport records a pending report and generates it in the background.
// The returned report is the pending record; callers poll it by id.
func (e *Engine) RunReport(ctx context.Context, tenantID uuid.UUID, filters audit.Query, from, to time.Time, requestedBy *uuid.UUID) (Report, error) {
	if !to.After(from) {
		return Report{}, fmt.Errorf("window is empty: %w", sentinel.ErrValidation)
	}

	now := e.now().UTC()
	report := Report{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Filters:     filters,
		WindowFrom:  from,
		WindowTo:    to,
		Status:      StatusPending,
		RequestedBy: requestedBy,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.reportTTL),
	}
	if err := e.store.CreateReport(ctx, report); err != nil {
		return Report{}, fmt.Errorf("persisting report: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ReportsRequested.Inc()
	}

	// The worker outlives the request; only the budget bounds it.
	go func() {
		if err := e.Generate(context.WithoutCancel(ctx), tenantID, report.ID); err != nil {
			e.logger.WarnContext(ctx, "report generation failed",
				"report_id", report.ID, "error", err)
		}
	}()
	return report, nil
}

// Generate runs one pending report to a terminal state within the budget.
// The report never remains generating: budget exhaustion or any scan
// error lands it on failed with a diagnostic.
func (e *Engine) Generate(ctx context.Context, tenantID, reportID uuid.UUID) error {
	report, err := e.store.FindReport(ctx, tenantID, reportID)
	if err != nil {
		return err
	}
	if report.Status != StatusPending {
		return fmt.Errorf("report %s is %s: %w", report.ID, report.Status, sentinel.ErrInvalidState)
	}

	report.Status = StatusGenerating
	if err := e.store.UpdateReport(ctx, report); err != nil {
		return fmt.Errorf("marking report generating: %w", err)
	}

	start := e.now()
	gctx, cancel := context.WithTimeout(ctx, e.budget)
	defer cancel()

	stats, findings, genErr := e.compute(gctx, tenantID, report)

	// The terminal write must land even when the budget context is dead.
	wctx := context.WithoutCancel(ctx)
	now := e.now().UTC()
	report.CompletedAt = &now
	if genErr != nil {
		report.Status = StatusFailed
		report.Diagnostic = genErr.Error()
		if errors.Is(genErr, context.DeadlineExceeded) {
			report.Diagnostic = fmt.Sprintf("time budget %s exceeded", e.budget)
			genErr = fmt.Errorf("report %s: %w", report.ID, sentinel.ErrReportTimeout)
		}
		if e.metrics != nil {
			e.metrics.ReportsFailed.Inc()
		}
	} else {
		report.Status = StatusCompleted
		report.Stats = stats
		report.Findings = findings
		if e.metrics != nil {
			e.metrics.ReportsCompleted.Inc()
		}
	}
	if e.metrics != nil {
		e.metrics.ReportDuration.Observe(e.now().Sub(start).Seconds())
	}
	if err := e.store.UpdateReport(wctx, report); err != nil {
		return fmt.Errorf("finalizing report %s: %w", report.ID, err)
	}
	e.logger.InfoContext(wctx, "report finished",
		"report_id", report.ID, "status", report.Status, "duration", e.now().Sub(start))
	return genErr
}

// compute produces the stats and findings for one report.
func (e *Engine) compute(ctx context.Context, tenantID uuid.UUID, report Report) (*Stats, []Finding, error) {
	stats, err := e.computeStats(ctx, tenantID, report)
	if err != nil {
		return nil, nil, err
	}
	patterns, err := e.EvaluatePatterns(ctx, tenantID, report.WindowFrom, report.WindowTo)
	if err != nil {
		return nil, nil, err
	}

	var findings []Finding
	for _, p := range patterns {
		if p.Resolved {
			continue
		}
		findings = append(findings, Finding{
			PatternID:  p.ID,
			Name:       p.Name,
			Severity:   p.Severity,
			GroupKey:   p.GroupKey,
			MatchCount: p.MatchCount,
			Summary:    fmt.Sprintf("%s fired %d time(s)", p.Name, p.MatchCount),
		})
	}
	return stats, findings, nil
}

// computeStats aggregates the window in a single paged pass.
func (e *Engine) computeStats(ctx context.Context, tenantID uuid.UUID, report Report) (*Stats, error) {
	stats := &Stats{
		ByCategory: make(map[string]int),
		ByOutcome:  make(map[string]int),
		ByActor:    make(map[string]int),
	}
	ipCounts := make(map[string]int)
	failures := 0
	archiveCutoff := e.now().UTC().AddDate(-e.retention, 0, 0)

	query := report.Filters
	query.From = report.WindowFrom
	query.To = report.WindowTo
	query.Limit = e.pageSize
	for offset := 0; ; offset += e.pageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		query.Offset = offset
		page, err := e.events.List(ctx, tenantID, query)
		if err != nil {
			return nil, fmt.Errorf("scanning events: %w", err)
		}
		for _, event := range page {
			stats.TotalEvents++
			stats.ByCategory[string(event.Category)]++
			stats.ByOutcome[string(event.Outcome)]++
			stats.ByActor[groupKey(GroupByActor, event)]++
			if event.Outcome != audit.OutcomeSuccess {
				failures++
			}
			if event.IP != "" {
				ipCounts[event.IP]++
			}
			if event.Timestamp.Before(archiveCutoff) {
				stats.ArchiveEligible++
			}
		}
		if len(page) < e.pageSize {
			break
		}
	}

	if stats.TotalEvents > 0 {
		stats.FailureRatio = float64(failures) / float64(stats.TotalEvents)
	}
	stats.TopIPs = topIPs(ipCounts, 5)
	return stats, nil
}

func topIPs(counts map[string]int, n int) []IPCount {
	out := make([]IPCount, 0, len(counts))
	for ip, count := range counts {
		out = append(out, IPCount{IP: ip, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Report returns one report scoped to the tenant.
func (e *Engine) Report(ctx context.Context, tenantID, id uuid.UUID) (Report, error) {
	return e.store.FindReport(ctx, tenantID, id)
}

// Reports lists the tenant's reports, optionally filtered by status.
func (e *Engine) Reports(ctx context.Context, tenantID uuid.UUID, status Status, limit int) ([]Report, error) {
	return e.store.ListReports(ctx, tenantID, status, limit)
}

// Patterns lists the tenant's detected patterns.
func (e *Engine) Patterns(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]Pattern, error) {
	return e.store.ListPatterns(ctx, tenantID, includeResolved, limit)
}

// AcknowledgePattern marks a pattern as triaged.
func (e *Engine) AcknowledgePattern(ctx context.Context, tenantID, id uuid.UUID) error {
	p, err := e.store.FindPattern(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return e.store.SetPatternState(ctx, tenantID, id, true, p.Resolved)
}

// ResolvePattern closes a pattern. Its match set stays intact.
func (e *Engine) ResolvePattern(ctx context.Context, tenantID, id uuid.UUID) error {
	if _, err := e.store.FindPattern(ctx, tenantID, id); err != nil {
		return err
	}
	return e.store.SetPatternState(ctx, tenantID, id, true, true)
}

// PruneExpiredReports deletes reports past their expiry.
func (e *Engine) PruneExpiredReports(ctx context.Context) (int, error) {
	return e.store.PruneExpiredReports(ctx, e.now().UTC())
}
