package capacity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists capacity samples and failure responses. Samples are
// append-only; failure responses mutate only toward resolution.
type Store interface {
	AppendSample(ctx context.Context, sample Sample) error
	ListSamples(ctx context.Context, tenantID uuid.UUID, from, to time.Time, limit int) ([]Sample, error)
	LatestSample(ctx context.Context, tenantID uuid.UUID) (Sample, error)

	// OpenFailure returns the unresolved response for (tenant, kind), or
	// sentinel.ErrNotFound when none is open.
	OpenFailure(ctx context.Context, tenantID uuid.UUID, kind FailureKind) (FailureResponse, error)
	CreateFailure(ctx context.Context, response FailureResponse) error
	UpdateFailure(ctx context.Context, response FailureResponse) error
	FindFailure(ctx context.Context, tenantID, id uuid.UUID) (FailureResponse, error)
	ListFailures(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]FailureResponse, error)
}
