package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the append-only persistence contract for audit events. There are
// deliberately no update or delete operations; implementations must reject
// them below this interface as well (the Postgres store installs a trigger,
// the memory store refuses mutation of committed records).
type Store interface {
	// Append commits one event in a single atomic write. Implementations
	// return sentinel.ErrStoreUnavailable (wrapped) when the medium cannot
	// accept the write. If the event carries an idempotency key that was
	// already committed for the tenant, Append returns the previously
	// committed event's ID with no new row.
	Append(ctx context.Context, event Event) (uuid.UUID, error)

	// FindByID returns a committed event. Reads are tenant-scoped; an event
	// belonging to another tenant is sentinel.ErrNotFound, not a permission
	// error, so existence does not leak.
	FindByID(ctx context.Context, tenantID, eventID uuid.UUID) (Event, error)

	// List returns tenant-scoped events matching the query, ordered by
	// commit time ascending, paginated by Limit/Offset.
	List(ctx context.Context, tenantID uuid.UUID, q Query) ([]Event, error)

	// ChainHead returns the hash chain head and the commit timestamp of the
	// latest event for the tenant. A tenant with no events returns the
	// empty head and zero time.
	ChainHead(ctx context.Context, tenantID uuid.UUID) (string, time.Time, error)

	// ActiveTenants returns the tenants with at least one event committed
	// in [from, to]. Drives scheduled pattern evaluation.
	ActiveTenants(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)

	// Stats reports storage-level figures for the capacity monitor.
	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats is a point-in-time view of the store consumed by the capacity
// monitor.
type StoreStats struct {
	TotalEvents    int64
	StorageBytes   int64
	EventsLastMin  int64
	OldestEventAge time.Duration
}
