package reduction

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists engine outputs. Pattern identity is
// (tenant, name, version, group key); the matched event set is a growing
// set keyed by event id, so re-adding a match is a no-op.
type Store interface {
	// UpsertPattern creates the pattern for its identity or refreshes the
	// existing row (window bounds widen, UpdatedAt advances). Returns the
	// canonical stored pattern.
	UpsertPattern(ctx context.Context, p Pattern) (Pattern, error)

	// AddMatches unions event ids into the pattern's match set and
	// returns how many were new.
	AddMatches(ctx context.Context, patternID uuid.UUID, eventIDs []uuid.UUID, matchedAt time.Time) (int, error)

	MatchedEventIDs(ctx context.Context, patternID uuid.UUID) ([]uuid.UUID, error)

	FindPattern(ctx context.Context, tenantID, id uuid.UUID) (Pattern, error)

	// ListPatterns returns the tenant's patterns, newest first, optionally
	// including resolved ones.
	ListPatterns(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]Pattern, error)

	// SetPatternState updates triage flags only.
	SetPatternState(ctx context.Context, tenantID, id uuid.UUID, acknowledged, resolved bool) error

	CreateReport(ctx context.Context, r Report) error
	UpdateReport(ctx context.Context, r Report) error
	FindReport(ctx context.Context, tenantID, id uuid.UUID) (Report, error)
	ListReports(ctx context.Context, tenantID uuid.UUID, status Status, limit int) ([]Report, error)

	// PruneExpiredReports deletes reports past their expiry. Reports are
	// derived artifacts; deleting them is legal, unlike audit events.
	PruneExpiredReports(ctx context.Context, before time.Time) (int, error)
}
