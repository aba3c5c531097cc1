// Package memory holds the in-memory audit store used by unit tests and
// local development. It enforces the same append-only contract as the
// Postgres store so tests can assert immutability against either.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"custos/internal/audit"
	"custos/pkg/sentinel"
)

// Store is a thread-safe in-memory implementation of audit.Store.
type Store struct {
	mu          sync.RWMutex
	events      map[uuid.UUID][]audit.Event // keyed by tenant, commit order
	byID        map[uuid.UUID]audit.Event
	idempotency map[string]uuid.UUID // tenant|key -> event id

	failing bool // simulates an unavailable medium
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		events:      make(map[uuid.UUID][]audit.Event),
		byID:        make(map[uuid.UUID]audit.Event),
		idempotency: make(map[string]uuid.UUID),
	}
}

// SetFailing toggles simulated write failure: Append returns
// sentinel.ErrStoreUnavailable while set.
func (s *Store) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func idemKey(tenantID uuid.UUID, key string) string {
	return tenantID.String() + "|" + key
}

// Append commits one event. Duplicate idempotency keys return the prior id.
func (s *Store) Append(_ context.Context, event audit.Event) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return uuid.Nil, sentinel.ErrStoreUnavailable
	}

	if event.IdempotencyKey != "" {
		if prior, ok := s.idempotency[idemKey(event.TenantID, event.IdempotencyKey)]; ok {
			return prior, nil
		}
	}

	s.events[event.TenantID] = append(s.events[event.TenantID], event)
	s.byID[event.ID] = event
	if event.IdempotencyKey != "" {
		s.idempotency[idemKey(event.TenantID, event.IdempotencyKey)] = event.ID
	}
	return event.ID, nil
}

// Update always fails: committed audit events are immutable. The method
// exists so the contract is testable through the store itself, not merely
// absent from the interface.
func (s *Store) Update(context.Context, audit.Event) error {
	return sentinel.ErrImmutable
}

// Delete always fails for the same reason as Update.
func (s *Store) Delete(context.Context, uuid.UUID, uuid.UUID) error {
	return sentinel.ErrImmutable
}

// FindByID returns a committed event, tenant-scoped.
func (s *Store) FindByID(_ context.Context, tenantID, eventID uuid.UUID) (audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.byID[eventID]
	if !ok || event.TenantID != tenantID {
		return audit.Event{}, sentinel.ErrNotFound
	}
	return event, nil
}

// List filters the tenant's events in commit order.
func (s *Store) List(_ context.Context, tenantID uuid.UUID, q audit.Query) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []audit.Event
	for _, event := range s.events[tenantID] {
		if matches(event, q) {
			matched = append(matched, event)
		}
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(matched) {
		matched = matched[:q.Limit]
	}
	return append([]audit.Event{}, matched...), nil
}

func matches(e audit.Event, q audit.Query) bool {
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if q.ActorID != nil {
		if e.ActorID == nil || *e.ActorID != *q.ActorID {
			return false
		}
	}
	if q.ResourceType != "" && e.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && e.ResourceID != q.ResourceID {
		return false
	}
	if q.Category != "" && e.Category != q.Category {
		return false
	}
	if q.Outcome != "" && e.Outcome != q.Outcome {
		return false
	}
	if q.IP != "" && e.IP != q.IP {
		return false
	}
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.Action != "" && !strings.EqualFold(e.Action, q.Action) {
		return false
	}
	return true
}

// ChainHead returns the chain head and latest commit time for the tenant.
func (s *Store) ChainHead(_ context.Context, tenantID uuid.UUID) (string, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[tenantID]
	if len(events) == 0 {
		return "", time.Time{}, nil
	}
	last := events[len(events)-1]
	return audit.ChainHash(last.PrevHash, last.ContentHash), last.Timestamp, nil
}

// ActiveTenants returns tenants with at least one event in [from, to].
func (s *Store) ActiveTenants(_ context.Context, from, to time.Time) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []uuid.UUID
	for tenantID, events := range s.events {
		for _, e := range events {
			if !e.Timestamp.Before(from) && !e.Timestamp.After(to) {
				active = append(active, tenantID)
				break
			}
		}
	}
	return active, nil
}

// Stats reports in-memory figures; StorageBytes approximates one KiB per
// event so capacity thresholds remain exercisable in tests.
func (s *Store) Stats(_ context.Context) (audit.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	var lastMin int64
	var oldest time.Time
	cutoff := time.Now().Add(-time.Minute)
	for _, events := range s.events {
		total += int64(len(events))
		for _, e := range events {
			if e.Timestamp.After(cutoff) {
				lastMin++
			}
			if oldest.IsZero() || e.Timestamp.Before(oldest) {
				oldest = e.Timestamp
			}
		}
	}

	stats := audit.StoreStats{
		TotalEvents:   total,
		StorageBytes:  total * 1024,
		EventsLastMin: lastMin,
	}
	if !oldest.IsZero() {
		stats.OldestEventAge = time.Since(oldest)
	}
	return stats, nil
}
