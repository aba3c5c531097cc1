// Package postgres persists reduction outputs in the audit_patterns,
// audit_pattern_matches and audit_reports tables.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custos/internal/audit"
	"custos/internal/reduction"
	"custos/pkg/sentinel"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const patternColumns = `id, tenant_id, name, version, severity, risk_score,
	window_from, window_to, group_key, acknowledged, resolved,
	created_at, updated_at,
	(SELECT count(*) FROM audit_pattern_matches m WHERE m.pattern_id = audit_patterns.id)`

// UpsertPattern inserts the pattern or refreshes the row owning its
// identity: window bounds widen, score and severity follow the current
// rule definition.
func (s *Store) UpsertPattern(ctx context.Context, p reduction.Pattern) (reduction.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO audit_patterns
			(id, tenant_id, name, version, severity, risk_score,
			 window_from, window_to, group_key, acknowledged, resolved,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, FALSE, $10, $10)
		ON CONFLICT (tenant_id, name, version, group_key) DO UPDATE
		SET severity    = EXCLUDED.severity,
		    risk_score  = EXCLUDED.risk_score,
		    window_from = LEAST(audit_patterns.window_from, EXCLUDED.window_from),
		    window_to   = GREATEST(audit_patterns.window_to, EXCLUDED.window_to),
		    updated_at  = EXCLUDED.updated_at
		RETURNING `+patternColumns,
		p.ID, p.TenantID, p.Name, p.Version, p.Severity, p.RiskScore,
		p.WindowFrom, p.WindowTo, p.GroupKey, p.UpdatedAt,
	)
	stored, err := scanPattern(row)
	if err != nil {
		return reduction.Pattern{}, classify(err)
	}
	return stored, nil
}

func (s *Store) AddMatches(ctx context.Context, patternID uuid.UUID, eventIDs []uuid.UUID, matchedAt time.Time) (int, error) {
	ids := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		ids[i] = id.String()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_pattern_matches (pattern_id, event_id, matched_at)
		SELECT $1, unnest($2::uuid[]), $3
		ON CONFLICT DO NOTHING`,
		patternID, pq.Array(ids), matchedAt,
	)
	if err != nil {
		return 0, classify(err)
	}
	added, _ := res.RowsAffected()
	return int(added), nil
}

func (s *Store) MatchedEventIDs(ctx context.Context, patternID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id
		FROM audit_pattern_matches
		WHERE pattern_id = $1
		ORDER BY event_id`,
		patternID,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) FindPattern(ctx context.Context, tenantID, id uuid.UUID) (reduction.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+patternColumns+`
		FROM audit_patterns
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reduction.Pattern{}, fmt.Errorf("pattern %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return reduction.Pattern{}, classify(err)
	}
	return p, nil
}

func (s *Store) ListPatterns(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]reduction.Pattern, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+patternColumns+`
		FROM audit_patterns
		WHERE tenant_id = $1 AND (resolved = FALSE OR $2)
		ORDER BY updated_at DESC
		LIMIT $3`,
		tenantID, includeResolved, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []reduction.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetPatternState(ctx context.Context, tenantID, id uuid.UUID, acknowledged, resolved bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_patterns
		SET acknowledged = $3, resolved = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID, acknowledged, resolved,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %s: %w", id, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateReport(ctx context.Context, r reduction.Report) error {
	filters, err := json.Marshal(r.Filters)
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_reports
			(id, tenant_id, filters, window_from, window_to, status,
			 diagnostic, requested_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.ID, r.TenantID, filters, r.WindowFrom, r.WindowTo, r.Status,
		r.Diagnostic, r.RequestedBy, r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) UpdateReport(ctx context.Context, r reduction.Report) error {
	stats, findings, err := encodeResults(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_reports
		SET status = $3, stats = $4, findings = $5, diagnostic = $6,
		    completed_at = $7
		WHERE id = $1 AND tenant_id = $2`,
		r.ID, r.TenantID, r.Status, stats, findings, r.Diagnostic, r.CompletedAt,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("report %s: %w", r.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) FindReport(ctx context.Context, tenantID, id uuid.UUID) (reduction.Report, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+reportColumns+`
		FROM audit_reports
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reduction.Report{}, fmt.Errorf("report %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return reduction.Report{}, classify(err)
	}
	return r, nil
}

func (s *Store) ListReports(ctx context.Context, tenantID uuid.UUID, status reduction.Status, limit int) ([]reduction.Report, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reportColumns+`
		FROM audit_reports
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3`,
		tenantID, string(status), limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []reduction.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) PruneExpiredReports(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_reports WHERE expires_at < $1`,
		before,
	)
	if err != nil {
		return 0, classify(err)
	}
	pruned, _ := res.RowsAffected()
	return int(pruned), nil
}

const reportColumns = `id, tenant_id, filters, window_from, window_to,
	status, stats, findings, diagnostic, requested_by, created_at,
	completed_at, expires_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanPattern(row scannable) (reduction.Pattern, error) {
	var p reduction.Pattern
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Version, &p.Severity, &p.RiskScore,
		&p.WindowFrom, &p.WindowTo, &p.GroupKey, &p.Acknowledged, &p.Resolved,
		&p.CreatedAt, &p.UpdatedAt, &p.MatchCount,
	)
	return p, err
}

func scanReport(row scannable) (reduction.Report, error) {
	var (
		r        reduction.Report
		filters  []byte
		stats    []byte
		findings []byte
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &filters, &r.WindowFrom, &r.WindowTo,
		&r.Status, &stats, &findings, &r.Diagnostic, &r.RequestedBy,
		&r.CreatedAt, &r.CompletedAt, &r.ExpiresAt,
	)
	if err != nil {
		return reduction.Report{}, err
	}
	if len(filters) > 0 {
		var q audit.Query
		if err := json.Unmarshal(filters, &q); err != nil {
			return reduction.Report{}, fmt.Errorf("decoding filters: %w", err)
		}
		r.Filters = q
	}
	if len(stats) > 0 {
		r.Stats = &reduction.Stats{}
		if err := json.Unmarshal(stats, r.Stats); err != nil {
			return reduction.Report{}, fmt.Errorf("decoding stats: %w", err)
		}
	}
	if len(findings) > 0 {
		if err := json.Unmarshal(findings, &r.Findings); err != nil {
			return reduction.Report{}, fmt.Errorf("decoding findings: %w", err)
		}
	}
	return r, nil
}

func encodeResults(r reduction.Report) ([]byte, []byte, error) {
	var stats, findings []byte
	var err error
	if r.Stats != nil {
		if stats, err = json.Marshal(r.Stats); err != nil {
			return nil, nil, fmt.Errorf("encoding stats: %w", err)
		}
	}
	if r.Findings != nil {
		if findings, err = json.Marshal(r.Findings); err != nil {
			return nil, nil, fmt.Errorf("encoding findings: %w", err)
		}
	}
	return stats, findings, nil
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "53" || pqErr.Code.Class() == "08" {
			return fmt.Errorf("reduction store unavailable: %w", sentinel.ErrStoreUnavailable)
		}
	}
	return err
}
