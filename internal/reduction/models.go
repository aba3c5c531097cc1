// Package reduction analyzes the audit trail: named pattern rules detect
// suspicious activity and reports summarize windows of events. Everything
// here is a derived artifact; the engine never writes audit events.
package reduction

import (
	"time"

	"github.com/google/uuid"

	"custos/internal/audit"
)

// Severity ranks a detected pattern for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// GroupBy selects the dimension a threshold rule counts over.
type GroupBy string

const (
	GroupByNone  GroupBy = ""
	GroupByIP    GroupBy = "ip"
	GroupByActor GroupBy = "actor"
)

// Predicate selects events for a rule. Threshold > 1 makes it a counting
// rule ("N matching events per group within the window"); otherwise any
// match fires. Both rule kinds share this one shape.
type Predicate struct {
	Category audit.Category `json:"category,omitempty"`
	Action   string         `json:"action,omitempty"`
	Outcome  audit.Outcome  `json:"outcome,omitempty"`
	ActorID  *uuid.UUID     `json:"actor_id,omitempty"`

	Threshold int     `json:"threshold,omitempty"`
	GroupBy   GroupBy `json:"group_by,omitempty"`
}

// Definition is a named, versioned rule the engine evaluates. Bumping the
// version starts a fresh match set; old versions keep their history.
type Definition struct {
	Name      string
	Version   int
	Severity  Severity
	RiskScore float64
	Predicate Predicate
}

// Pattern is one firing of a definition for one group within a window.
// The matched event set only grows; later runs add, never remove.
type Pattern struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenant_id"`
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	Severity     Severity  `json:"severity"`
	RiskScore    float64   `json:"risk_score"`
	WindowFrom   time.Time `json:"window_from"`
	WindowTo     time.Time `json:"window_to"`
	GroupKey     string    `json:"group_key,omitempty"`
	MatchCount   int       `json:"match_count"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Status is the report lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IPCount is one entry of a report's top-talkers list.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Stats summarizes a window of events, computed in a single pass.
type Stats struct {
	TotalEvents  int            `json:"total_events"`
	ByCategory   map[string]int `json:"by_category"`
	ByOutcome    map[string]int `json:"by_outcome"`
	ByActor      map[string]int `json:"by_actor"`
	FailureRatio float64        `json:"failure_ratio"`
	TopIPs       []IPCount      `json:"top_ips"`
	// ArchiveEligible counts events older than the regulatory retention
	// period. They may be moved to cold storage, never deleted.
	ArchiveEligible int `json:"archive_eligible"`
}

// Finding ties a report to a pattern the run detected.
type Finding struct {
	PatternID  uuid.UUID `json:"pattern_id"`
	Name       string    `json:"name"`
	Severity   Severity  `json:"severity"`
	GroupKey   string    `json:"group_key,omitempty"`
	MatchCount int       `json:"match_count"`
	Summary    string    `json:"summary"`
}

// Report binds a query to its computed summary. Reports expire and may be
// pruned; the events they summarize never do.
type Report struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"tenant_id"`
	Filters     audit.Query `json:"filters"`
	WindowFrom  time.Time   `json:"window_from"`
	WindowTo    time.Time   `json:"window_to"`
	Status      Status      `json:"status"`
	Stats       *Stats      `json:"stats,omitempty"`
	Findings    []Finding   `json:"findings,omitempty"`
	Diagnostic  string      `json:"diagnostic,omitempty"`
	RequestedBy *uuid.UUID  `json:"requested_by,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	ExpiresAt   time.Time   `json:"expires_at"`
}
