// Package memory provides an in-memory signature store for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"custos/internal/signature"
	"custos/pkg/sentinel"
)

type Store struct {
	mu      sync.RWMutex
	records map[uuid.UUID]signature.Record
}

func New() *Store {
	return &Store{records: make(map[uuid.UUID]signature.Record)}
}

func (s *Store) Create(ctx context.Context, rec signature.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("signature %s already exists: %w", rec.ID, sentinel.ErrInvalidState)
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Update(ctx context.Context, rec signature.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[rec.ID]
	if !ok || prev.TenantID != rec.TenantID {
		return fmt.Errorf("signature %s: %w", rec.ID, sentinel.ErrNotFound)
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) FindByID(ctx context.Context, tenantID, id uuid.UUID) (signature.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return signature.Record{}, fmt.Errorf("signature %s: %w", id, sentinel.ErrNotFound)
	}
	return clone(rec), nil
}

func (s *Store) FindByEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]signature.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []signature.Record
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.EventID == eventID {
			out = append(out, clone(rec))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *Store) ListByResource(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID string, limit int) ([]signature.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []signature.Record
	for _, rec := range s.records {
		if rec.TenantID == tenantID && rec.ResourceType == resourceType && rec.ResourceID == resourceID {
			out = append(out, clone(rec))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]signature.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []signature.Record
	for _, rec := range s.records {
		if rec.State == signature.StatePending {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(recs []signature.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
}

func clone(rec signature.Record) signature.Record {
	out := rec
	if rec.Signature != nil {
		out.Signature = append([]byte(nil), rec.Signature...)
	}
	return out
}
