// Package memory implements the in-memory capacity store for tests and
// local development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"custos/internal/capacity"
	"custos/pkg/sentinel"
)

// Store is a thread-safe in-memory implementation of capacity.Store.
type Store struct {
	mu       sync.RWMutex
	samples  map[uuid.UUID][]capacity.Sample
	failures map[uuid.UUID]capacity.FailureResponse
}

// New creates an empty store.
func New() *Store {
	return &Store{
		samples:  make(map[uuid.UUID][]capacity.Sample),
		failures: make(map[uuid.UUID]capacity.FailureResponse),
	}
}

// AppendSample records one capacity reading.
func (s *Store) AppendSample(_ context.Context, sample capacity.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[sample.TenantID] = append(s.samples[sample.TenantID], sample)
	return nil
}

// ListSamples returns samples within the window in append order.
func (s *Store) ListSamples(_ context.Context, tenantID uuid.UUID, from, to time.Time, limit int) ([]capacity.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []capacity.Sample
	for _, sample := range s.samples[tenantID] {
		if !from.IsZero() && sample.SampledAt.Before(from) {
			continue
		}
		if !to.IsZero() && sample.SampledAt.After(to) {
			continue
		}
		out = append(out, sample)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LatestSample returns the most recently appended sample for the tenant.
func (s *Store) LatestSample(_ context.Context, tenantID uuid.UUID) (capacity.Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := s.samples[tenantID]
	if len(samples) == 0 {
		return capacity.Sample{}, sentinel.ErrNotFound
	}
	return samples[len(samples)-1], nil
}

// OpenFailure returns the unresolved response for (tenant, kind).
func (s *Store) OpenFailure(_ context.Context, tenantID uuid.UUID, kind capacity.FailureKind) (capacity.FailureResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.failures {
		if f.TenantID == tenantID && f.Kind == kind && !f.Resolved {
			return f, nil
		}
	}
	return capacity.FailureResponse{}, sentinel.ErrNotFound
}

// CreateFailure stores a new failure response.
func (s *Store) CreateFailure(_ context.Context, response capacity.FailureResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[response.ID] = response
	return nil
}

// UpdateFailure replaces an existing response.
func (s *Store) UpdateFailure(_ context.Context, response capacity.FailureResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.failures[response.ID]; !ok {
		return sentinel.ErrNotFound
	}
	s.failures[response.ID] = response
	return nil
}

// FindFailure returns one response, tenant-scoped.
func (s *Store) FindFailure(_ context.Context, tenantID, id uuid.UUID) (capacity.FailureResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.failures[id]
	if !ok || f.TenantID != tenantID {
		return capacity.FailureResponse{}, sentinel.ErrNotFound
	}
	return f, nil
}

// ListFailures returns responses for the tenant, open first.
func (s *Store) ListFailures(_ context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]capacity.FailureResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []capacity.FailureResponse
	for _, f := range s.failures {
		if f.TenantID != tenantID {
			continue
		}
		if f.Resolved && !includeResolved {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
