// Package memory provides an in-memory reduction store for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"custos/internal/reduction"
	"custos/pkg/sentinel"
)

type Store struct {
	mu       sync.RWMutex
	patterns map[uuid.UUID]reduction.Pattern
	identity map[string]uuid.UUID // tenant|name|version|groupKey -> pattern id
	matches  map[uuid.UUID]map[uuid.UUID]time.Time
	reports  map[uuid.UUID]reduction.Report
}

func New() *Store {
	return &Store{
		patterns: make(map[uuid.UUID]reduction.Pattern),
		identity: make(map[string]uuid.UUID),
		matches:  make(map[uuid.UUID]map[uuid.UUID]time.Time),
		reports:  make(map[uuid.UUID]reduction.Report),
	}
}

func identityKey(p reduction.Pattern) string {
	return fmt.Sprintf("%s|%s|%d|%s", p.TenantID, p.Name, p.Version, p.GroupKey)
}

func (s *Store) UpsertPattern(ctx context.Context, p reduction.Pattern) (reduction.Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey(p)
	if id, ok := s.identity[key]; ok {
		existing := s.patterns[id]
		if p.WindowFrom.Before(existing.WindowFrom) {
			existing.WindowFrom = p.WindowFrom
		}
		if p.WindowTo.After(existing.WindowTo) {
			existing.WindowTo = p.WindowTo
		}
		existing.RiskScore = p.RiskScore
		existing.Severity = p.Severity
		existing.UpdatedAt = p.UpdatedAt
		s.patterns[id] = existing
		return existing, nil
	}

	s.identity[key] = p.ID
	s.patterns[p.ID] = p
	s.matches[p.ID] = make(map[uuid.UUID]time.Time)
	return p, nil
}

func (s *Store) AddMatches(ctx context.Context, patternID uuid.UUID, eventIDs []uuid.UUID, matchedAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.matches[patternID]
	if !ok {
		return 0, fmt.Errorf("pattern %s: %w", patternID, sentinel.ErrNotFound)
	}
	added := 0
	for _, id := range eventIDs {
		if _, dup := set[id]; !dup {
			set[id] = matchedAt
			added++
		}
	}
	return added, nil
}

func (s *Store) MatchedEventIDs(ctx context.Context, patternID uuid.UUID) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.matches[patternID]
	if !ok {
		return nil, fmt.Errorf("pattern %s: %w", patternID, sentinel.ErrNotFound)
	}
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (s *Store) FindPattern(ctx context.Context, tenantID, id uuid.UUID) (reduction.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[id]
	if !ok || p.TenantID != tenantID {
		return reduction.Pattern{}, fmt.Errorf("pattern %s: %w", id, sentinel.ErrNotFound)
	}
	p.MatchCount = len(s.matches[id])
	return p, nil
}

func (s *Store) ListPatterns(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]reduction.Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reduction.Pattern
	for id, p := range s.patterns {
		if p.TenantID != tenantID || (p.Resolved && !includeResolved) {
			continue
		}
		p.MatchCount = len(s.matches[id])
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetPatternState(ctx context.Context, tenantID, id uuid.UUID, acknowledged, resolved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.patterns[id]
	if !ok || p.TenantID != tenantID {
		return fmt.Errorf("pattern %s: %w", id, sentinel.ErrNotFound)
	}
	p.Acknowledged = acknowledged
	p.Resolved = resolved
	s.patterns[id] = p
	return nil
}

func (s *Store) CreateReport(ctx context.Context, r reduction.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s already exists: %w", r.ID, sentinel.ErrInvalidState)
	}
	s.reports[r.ID] = r
	return nil
}

func (s *Store) UpdateReport(ctx context.Context, r reduction.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.reports[r.ID]
	if !ok || prev.TenantID != r.TenantID {
		return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrNotFound)
	}
	s.reports[r.ID] = r
	return nil
}

func (s *Store) FindReport(ctx context.Context, tenantID, id uuid.UUID) (reduction.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok || r.TenantID != tenantID {
		return reduction.Report{}, fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListReports(ctx context.Context, tenantID uuid.UUID, status reduction.Status, limit int) ([]reduction.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []reduction.Report
	for _, r := range s.reports {
		if r.TenantID != tenantID || (status != "" && r.Status != status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PruneExpiredReports(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, r := range s.reports {
		if r.ExpiresAt.Before(before) {
			delete(s.reports, id)
			pruned++
		}
	}
	return pruned, nil
}
