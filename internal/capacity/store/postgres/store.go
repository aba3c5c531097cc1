// Package postgres persists capacity samples and failure responses. Deletes
// are blocked by triggers; sample updates are blocked too (append-only time
// series).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"custos/internal/capacity"
	"custos/pkg/sentinel"
)

// Store implements capacity.Store on Postgres.
type Store struct {
	db *sql.DB
}

// New creates a Postgres capacity store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// AppendSample records one capacity reading.
func (s *Store) AppendSample(ctx context.Context, sample capacity.Sample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_capacity_samples (
			id, tenant_id, sampled_at, usage_pct, available_bytes, total_bytes,
			events_per_min, queue_depth, warning_pct, critical_pct, healthy, out_of_order
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		sample.ID, sample.TenantID, sample.SampledAt, sample.UsagePct,
		sample.AvailableBytes, sample.TotalBytes, sample.EventsPerMin,
		sample.QueueDepth, sample.WarningPct, sample.CriticalPct,
		sample.Healthy, sample.OutOfOrder,
	)
	if err != nil {
		return fmt.Errorf("insert capacity sample: %w", err)
	}
	return nil
}

const sampleColumns = `
	id, tenant_id, sampled_at, usage_pct, available_bytes, total_bytes,
	events_per_min, queue_depth, warning_pct, critical_pct, healthy, out_of_order
`

// ListSamples returns samples within the window in time order.
func (s *Store) ListSamples(ctx context.Context, tenantID uuid.UUID, from, to time.Time, limit int) ([]capacity.Sample, error) {
	if limit <= 0 {
		limit = 1000
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sampleColumns+`
		FROM audit_capacity_samples
		WHERE tenant_id = $1 AND sampled_at >= $2 AND sampled_at <= $3
		ORDER BY sampled_at
		LIMIT $4
	`, tenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("query capacity samples: %w", err)
	}
	defer rows.Close()

	var samples []capacity.Sample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan capacity sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capacity samples: %w", err)
	}
	return samples, nil
}

// LatestSample returns the most recent sample for the tenant.
func (s *Store) LatestSample(ctx context.Context, tenantID uuid.UUID) (capacity.Sample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+`
		FROM audit_capacity_samples
		WHERE tenant_id = $1
		ORDER BY sampled_at DESC
		LIMIT 1
	`, tenantID)
	sample, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.Sample{}, sentinel.ErrNotFound
	}
	if err != nil {
		return capacity.Sample{}, fmt.Errorf("query latest sample: %w", err)
	}
	return sample, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (capacity.Sample, error) {
	var sample capacity.Sample
	err := row.Scan(
		&sample.ID, &sample.TenantID, &sample.SampledAt, &sample.UsagePct,
		&sample.AvailableBytes, &sample.TotalBytes, &sample.EventsPerMin,
		&sample.QueueDepth, &sample.WarningPct, &sample.CriticalPct,
		&sample.Healthy, &sample.OutOfOrder,
	)
	return sample, err
}

// OpenFailure returns the unresolved response for (tenant, kind).
func (s *Store) OpenFailure(ctx context.Context, tenantID uuid.UUID, kind capacity.FailureKind) (capacity.FailureResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+failureColumns+`
		FROM audit_failure_responses
		WHERE tenant_id = $1 AND kind = $2 AND NOT resolved
	`, tenantID, string(kind))
	response, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.FailureResponse{}, sentinel.ErrNotFound
	}
	if err != nil {
		return capacity.FailureResponse{}, fmt.Errorf("query open failure: %w", err)
	}
	return response, nil
}

// CreateFailure stores a new failure response. The partial unique index on
// open rows turns a concurrent double-create into a conflict the caller
// resolves by re-reading.
func (s *Store) CreateFailure(ctx context.Context, response capacity.FailureResponse) error {
	contextJSON, err := json.Marshal(response.Context)
	if err != nil {
		return fmt.Errorf("marshal failure context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_failure_responses (
			id, tenant_id, kind, severity, message, detected_at, detection_source,
			context, alert_sent, failover_activated, failover_target,
			resolved, resolved_at, resolution_notes, events_lost_estimate, events_recovered
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		response.ID, response.TenantID, string(response.Kind), string(response.Severity),
		response.Message, response.DetectedAt, response.DetectionSource,
		contextJSON, response.AlertSent, response.FailoverActivated, response.FailoverTarget,
		response.Resolved, response.ResolvedAt, response.ResolutionNotes,
		response.EventsLostEstimate, response.EventsRecovered,
	)
	if err != nil {
		return fmt.Errorf("insert failure response: %w", err)
	}
	return nil
}

// UpdateFailure persists state changes on an existing response.
func (s *Store) UpdateFailure(ctx context.Context, response capacity.FailureResponse) error {
	contextJSON, err := json.Marshal(response.Context)
	if err != nil {
		return fmt.Errorf("marshal failure context: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE audit_failure_responses
		SET severity = $3, message = $4, context = $5, alert_sent = $6,
		    failover_activated = $7, failover_target = $8,
		    resolved = $9, resolved_at = $10, resolution_notes = $11,
		    events_lost_estimate = $12, events_recovered = $13
		WHERE id = $1 AND tenant_id = $2
	`,
		response.ID, response.TenantID, string(response.Severity), response.Message,
		contextJSON, response.AlertSent, response.FailoverActivated,
		response.FailoverTarget, response.Resolved, response.ResolvedAt,
		response.ResolutionNotes, response.EventsLostEstimate, response.EventsRecovered,
	)
	if err != nil {
		return fmt.Errorf("update failure response: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

const failureColumns = `
	id, tenant_id, kind, severity, message, detected_at, detection_source,
	context, alert_sent, failover_activated, failover_target,
	resolved, resolved_at, resolution_notes, events_lost_estimate, events_recovered
`

// FindFailure returns one response, tenant-scoped.
func (s *Store) FindFailure(ctx context.Context, tenantID, id uuid.UUID) (capacity.FailureResponse, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+failureColumns+`
		FROM audit_failure_responses
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	response, err := scanFailure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return capacity.FailureResponse{}, sentinel.ErrNotFound
	}
	if err != nil {
		return capacity.FailureResponse{}, fmt.Errorf("query failure response: %w", err)
	}
	return response, nil
}

// ListFailures returns responses for the tenant, newest first.
func (s *Store) ListFailures(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]capacity.FailureResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + failureColumns + ` FROM audit_failure_responses WHERE tenant_id = $1`
	if !includeResolved {
		query += ` AND NOT resolved`
	}
	query += ` ORDER BY detected_at DESC LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query failure responses: %w", err)
	}
	defer rows.Close()

	var responses []capacity.FailureResponse
	for rows.Next() {
		response, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failure response: %w", err)
		}
		responses = append(responses, response)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure responses: %w", err)
	}
	return responses, nil
}

func scanFailure(row rowScanner) (capacity.FailureResponse, error) {
	var (
		response    capacity.FailureResponse
		contextJSON []byte
	)
	err := row.Scan(
		&response.ID, &response.TenantID, &response.Kind, &response.Severity,
		&response.Message, &response.DetectedAt, &response.DetectionSource,
		&contextJSON, &response.AlertSent, &response.FailoverActivated,
		&response.FailoverTarget, &response.Resolved, &response.ResolvedAt,
		&response.ResolutionNotes, &response.EventsLostEstimate, &response.EventsRecovered,
	)
	if err != nil {
		return capacity.FailureResponse{}, err
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &response.Context); err != nil {
			return capacity.FailureResponse{}, fmt.Errorf("unmarshal failure context: %w", err)
		}
	}
	return response, nil
}
