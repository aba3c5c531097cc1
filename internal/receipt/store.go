package receipt

import (
	"context"

	"github.com/google/uuid"
)

// Store persists confirmations.
type Store interface {
	Create(ctx context.Context, conf Confirmation) error

	// Update persists a state transition. Implementations reject updates
	// to confirmations already in a terminal state.
	Update(ctx context.Context, conf Confirmation) error

	FindByID(ctx context.Context, tenantID, id uuid.UUID) (Confirmation, error)

	// ListByRef returns confirmations for a communication reference,
	// newest first.
	ListByRef(ctx context.Context, tenantID uuid.UUID, communicationRef string, limit int) ([]Confirmation, error)

	// ListOverdue returns non-terminal confirmations whose expiry has
	// passed, oldest first, across all tenants.
	ListOverdue(ctx context.Context, limit int) ([]Confirmation, error)
}
