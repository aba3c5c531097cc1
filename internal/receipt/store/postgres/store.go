// Package postgres persists receipt confirmations in the audit_receipts
// table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custos/internal/receipt"
	"custos/pkg/sentinel"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const columns = `id, tenant_id, communication_ref, sender_id, recipient_id,
	content_hash, receipt_hash, signature_id, state, sent_at, received_at,
	acknowledged_at, expires_at`

func (s *Store) Create(ctx context.Context, conf receipt.Confirmation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_receipts (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		conf.ID, conf.TenantID, conf.CommunicationRef, conf.SenderID,
		conf.RecipientID, conf.ContentHash, conf.ReceiptHash, conf.SignatureID,
		conf.State, conf.SentAt, conf.ReceivedAt, conf.AcknowledgedAt, conf.ExpiresAt,
	)
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, conf receipt.Confirmation) error {
	// Terminal states are final: the WHERE clause refuses to move a row
	// that has already reached one.
	res, err := s.db.ExecContext(ctx, `
		UPDATE audit_receipts
		SET receipt_hash = $3, signature_id = $4, state = $5,
		    received_at = $6, acknowledged_at = $7
		WHERE id = $1 AND tenant_id = $2
		  AND state NOT IN ('acknowledged', 'expired')`,
		conf.ID, conf.TenantID, conf.ReceiptHash, conf.SignatureID,
		conf.State, conf.ReceivedAt, conf.AcknowledgedAt,
	)
	if err != nil {
		return classify(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		prev, findErr := s.FindByID(ctx, conf.TenantID, conf.ID)
		if findErr != nil {
			return findErr
		}
		return fmt.Errorf("receipt %s is %s: %w", conf.ID, prev.State, sentinel.ErrInvalidState)
	}
	return nil
}

func (s *Store) FindByID(ctx context.Context, tenantID, id uuid.UUID) (receipt.Confirmation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+columns+`
		FROM audit_receipts
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	conf, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return receipt.Confirmation{}, fmt.Errorf("receipt %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return receipt.Confirmation{}, classify(err)
	}
	return conf, nil
}

func (s *Store) ListByRef(ctx context.Context, tenantID uuid.UUID, communicationRef string, limit int) ([]receipt.Confirmation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM audit_receipts
		WHERE tenant_id = $1 AND communication_ref = $2
		ORDER BY sent_at DESC
		LIMIT $3`,
		tenantID, communicationRef, limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	return scanConfirmations(rows)
}

func (s *Store) ListOverdue(ctx context.Context, limit int) ([]receipt.Confirmation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM audit_receipts
		WHERE state NOT IN ('acknowledged', 'expired')
		  AND expires_at IS NOT NULL AND expires_at < now()
		ORDER BY expires_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, classify(err)
	}
	return scanConfirmations(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanConfirmation(row scannable) (receipt.Confirmation, error) {
	var conf receipt.Confirmation
	err := row.Scan(
		&conf.ID, &conf.TenantID, &conf.CommunicationRef, &conf.SenderID,
		&conf.RecipientID, &conf.ContentHash, &conf.ReceiptHash, &conf.SignatureID,
		&conf.State, &conf.SentAt, &conf.ReceivedAt, &conf.AcknowledgedAt, &conf.ExpiresAt,
	)
	return conf, err
}

func scanConfirmations(rows *sql.Rows) ([]receipt.Confirmation, error) {
	defer rows.Close()
	var out []receipt.Confirmation
	for rows.Next() {
		conf, err := scanConfirmation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		out = append(out, conf)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == "53" || pqErr.Code.Class() == "08" {
			return fmt.Errorf("receipt store unavailable: %w", sentinel.ErrStoreUnavailable)
		}
	}
	return err
}
