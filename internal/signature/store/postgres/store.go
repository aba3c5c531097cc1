// Package postgres persists signature records in the audit_signatures
// table. Deletion is blocked by a database trigger; the store exposes no
// delete operation.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custos/internal/signature"
	"custos/pkg/sentinel"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const columns = `id, tenant_id, event_id, resource_type, resource_id, action,
	criticality, content_hash, signature, algorithm, key_id, signer_id,
	state, created_at, expires_at, revoked_at, last_verified_at,
	revocation_reason`

func (s *Store) Create(ctx context.Context, rec signature.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_signatures (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		rec.ID, rec.TenantID, rec.EventID, rec.ResourceType, rec.ResourceID,
		rec.Action, rec.Criticality, rec.ContentHash, rec.Signature,
		rec.Algorithm, rec.KeyID, rec.SignerID, rec.State, rec.CreatedAt,
		rec.ExpiresAt, rec.RevokedAt, rec.LastVerifiedAt, rec.RevocationReason,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, rec signature.Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_signatures
		SET signature = $3, key_id = $4, state = $5, revoked_at = $6,
		    last_verified_at = $7, revocation_reason = $8
		WHERE id = $1 AND tenant_id = $2`,
		rec.ID, rec.TenantID, rec.Signature, rec.KeyID, rec.State,
		rec.RevokedAt, rec.LastVerifiedAt, rec.RevocationReason,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("signature %s: %w", rec.ID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, tenantID, id uuid.UUID) (signature.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+columns+`
		FROM audit_signatures
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return signature.Record{}, fmt.Errorf("signature %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return signature.Record{}, classify(err)
	}
	return rec, nil
}

func (s *Store) FindByEvent(ctx context.Context, tenantID, eventID uuid.UUID) ([]signature.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM audit_signatures
		WHERE tenant_id = $1 AND event_id = $2
		ORDER BY created_at DESC`,
		tenantID, eventID,
	)
	if err != nil {
		return nil, classify(err)
	}
	return scanRecords(rows)
}

func (s *Store) ListByResource(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID string, limit int) ([]signature.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM audit_signatures
		WHERE tenant_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY created_at DESC
		LIMIT $4`,
		tenantID, resourceType, resourceID, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	return scanRecords(rows)
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]signature.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM audit_signatures
		WHERE state = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	return scanRecords(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (signature.Record, error) {
	var rec signature.Record
	err := row.Scan(
		&rec.ID, &rec.TenantID, &rec.EventID, &rec.ResourceType, &rec.ResourceID,
		&rec.Action, &rec.Criticality, &rec.ContentHash, &rec.Signature,
		&rec.Algorithm, &rec.KeyID, &rec.SignerID, &rec.State, &rec.CreatedAt,
		&rec.ExpiresAt, &rec.RevokedAt, &rec.LastVerifiedAt, &rec.RevocationReason,
	)
	return rec, err
}

func scanRecords(rows *sql.Rows) ([]signature.Record, error) {
	defer rows.Close()
	var out []signature.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning signature: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "P0001":
			return fmt.Errorf("%s: %w", pqErr.Message, sentinel.ErrImmutable)
		case pqErr.Code.Class() == "53" || pqErr.Code.Class() == "08":
			return fmt.Errorf("signature store unavailable: %w", sentinel.ErrStoreUnavailable)
		}
	}
	return err
}
