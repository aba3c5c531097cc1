// Package memory provides an in-memory confirmation store for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"custos/internal/receipt"
	"custos/pkg/sentinel"
)

type Store struct {
	mu       sync.RWMutex
	receipts map[uuid.UUID]receipt.Confirmation
}

func New() *Store {
	return &Store{receipts: make(map[uuid.UUID]receipt.Confirmation)}
}

func (s *Store) Create(ctx context.Context, conf receipt.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[conf.ID]; ok {
		return fmt.Errorf("receipt %s already exists: %w", conf.ID, sentinel.ErrInvalidState)
	}
	s.receipts[conf.ID] = conf
	return nil
}

func (s *Store) Update(ctx context.Context, conf receipt.Confirmation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.receipts[conf.ID]
	if !ok || prev.TenantID != conf.TenantID {
		return fmt.Errorf("receipt %s: %w", conf.ID, sentinel.ErrNotFound)
	}
	if prev.State.Terminal() {
		return fmt.Errorf("receipt %s is %s: %w", conf.ID, prev.State, sentinel.ErrInvalidState)
	}
	s.receipts[conf.ID] = conf
	return nil
}

func (s *Store) FindByID(ctx context.Context, tenantID, id uuid.UUID) (receipt.Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conf, ok := s.receipts[id]
	if !ok || conf.TenantID != tenantID {
		return receipt.Confirmation{}, fmt.Errorf("receipt %s: %w", id, sentinel.ErrNotFound)
	}
	return conf, nil
}

func (s *Store) ListByRef(ctx context.Context, tenantID uuid.UUID, communicationRef string, limit int) ([]receipt.Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []receipt.Confirmation
	for _, conf := range s.receipts {
		if conf.TenantID == tenantID && conf.CommunicationRef == communicationRef {
			out = append(out, conf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListOverdue(ctx context.Context, limit int) ([]receipt.Confirmation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var out []receipt.Confirmation
	for _, conf := range s.receipts {
		if !conf.State.Terminal() && conf.ExpiresAt != nil && conf.ExpiresAt.Before(now) {
			out = append(out, conf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
