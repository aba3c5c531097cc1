package signature

import (
	"context"

	"github.com/google/uuid"
)

// Store persists signature records. Implementations must reject deletion;
// revocation is the only way to retire a record.
type Store interface {
	// Create persists a new record.
	Create(ctx context.Context, rec Record) error

	// Update persists state transitions (state, signature bytes when a
	// pending record is resolved, timestamps, revocation reason). The
	// attestation fields are never rewritten.
	Update(ctx context.Context, rec Record) error

	// FindByID returns the record scoped to the tenant, or
	// sentinel.ErrNotFound.
	FindByID(ctx context.Context, tenantID, id uuid.UUID) (Record, error)

	// FindByEvent returns records attached to an event, newest first.
	FindByEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]Record, error)

	// ListByResource returns records for a resource, newest first.
	ListByResource(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID string, limit int) ([]Record, error)

	// ListPending returns up to limit pending records across all tenants,
	// oldest first, for the sweep.
	ListPending(ctx context.Context, limit int) ([]Record, error)
}
