// Package postgres implements the append-only audit store. Immutability is
// enforced by the database itself: migrations install a trigger that raises
// on any UPDATE or DELETE against audit_events, so no code path (including
// operator sessions using this store's handle) can rewrite history.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"custos/internal/audit"
	"custos/pkg/sentinel"
)

// immutableSQLState is the SQLSTATE raised by the audit_events_immutable
// trigger (P0001, RAISE EXCEPTION default).
const immutableSQLState = "P0001"

// Store implements audit.Store on Postgres via database/sql.
type Store struct {
	db *sql.DB
}

// New creates a Postgres audit store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// classify maps driver errors onto store sentinels. Connection-level
// failures become ErrStoreUnavailable so the gateway can escalate them;
// the immutability trigger becomes ErrImmutable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == immutableSQLState:
			return fmt.Errorf("%w: %s", sentinel.ErrImmutable, pqErr.Message)
		case pqErr.Code.Class() == "53": // insufficient resources (disk full etc.)
			return fmt.Errorf("%w: %s", sentinel.ErrStoreUnavailable, pqErr.Message)
		case pqErr.Code.Class() == "08": // connection exceptions
			return fmt.Errorf("%w: %s", sentinel.ErrStoreUnavailable, pqErr.Message)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", sentinel.ErrStoreUnavailable, err)
	}
	return err
}

// Append commits one event in a single INSERT. Idempotency keys are backed
// by a partial unique index; a duplicate insert is absorbed by ON CONFLICT
// and the prior event's id is returned instead.
func (s *Store) Append(ctx context.Context, event audit.Event) (uuid.UUID, error) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return uuid.Nil, fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO audit_events (
			id, tenant_id, timestamp, actor_id, actor_email, actor_role,
			category, action, resource_type, resource_id, outcome,
			ip, user_agent, session_id, device_id, request_path, request_id,
			before_state, after_state, metadata, reason_code, criticality,
			content_hash, prev_hash, idempotency_key
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24,
		        NULLIF($25, ''))
		ON CONFLICT (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		DO NOTHING
	`

	result, err := s.db.ExecContext(ctx, query,
		event.ID, event.TenantID, event.Timestamp,
		event.ActorID, event.ActorEmail, event.ActorRole,
		string(event.Category), event.Action, event.ResourceType, event.ResourceID,
		string(event.Outcome),
		event.IP, event.UserAgent, event.SessionID, event.DeviceID,
		event.RequestPath, event.RequestID,
		nullableJSON(event.Before), nullableJSON(event.After), metadata,
		event.ReasonCode, string(event.Criticality),
		event.ContentHash, event.PrevHash, event.IdempotencyKey,
	)
	if err != nil {
		return uuid.Nil, classify(fmt.Errorf("insert audit event: %w", err))
	}

	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		// Idempotent replay: surface the originally committed id.
		var priorID uuid.UUID
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM audit_events WHERE tenant_id = $1 AND idempotency_key = $2`,
			event.TenantID, event.IdempotencyKey,
		).Scan(&priorID)
		if err != nil {
			return uuid.Nil, classify(fmt.Errorf("resolve idempotent replay: %w", err))
		}
		return priorID, nil
	}

	return event.ID, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

const selectColumns = `
	id, tenant_id, timestamp, actor_id, actor_email, actor_role,
	category, action, resource_type, resource_id, outcome,
	ip, user_agent, session_id, device_id, request_path, request_id,
	before_state, after_state, metadata, reason_code, criticality,
	content_hash, prev_hash, COALESCE(idempotency_key, '')
`

// FindByID returns a committed event, tenant-scoped.
func (s *Store) FindByID(ctx context.Context, tenantID, eventID uuid.UUID) (audit.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM audit_events WHERE tenant_id = $1 AND id = $2`,
		tenantID, eventID,
	)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return audit.Event{}, sentinel.ErrNotFound
	}
	if err != nil {
		return audit.Event{}, classify(fmt.Errorf("find audit event: %w", err))
	}
	return event, nil
}

// List returns tenant-scoped events matching the query in commit order. The
// WHERE clause is assembled only from indexed dimensions so the reduction
// engine and ad hoc investigations stay off sequential scans.
func (s *Store) List(ctx context.Context, tenantID uuid.UUID, q audit.Query) ([]audit.Event, error) {
	var (
		conditions = []string{"tenant_id = $1"}
		args       = []any{tenantID}
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if !q.From.IsZero() {
		conditions = append(conditions, "timestamp >= "+arg(q.From))
	}
	if !q.To.IsZero() {
		conditions = append(conditions, "timestamp <= "+arg(q.To))
	}
	if q.ActorID != nil {
		conditions = append(conditions, "actor_id = "+arg(*q.ActorID))
	}
	if q.ResourceType != "" {
		conditions = append(conditions, "resource_type = "+arg(q.ResourceType))
	}
	if q.ResourceID != "" {
		conditions = append(conditions, "resource_id = "+arg(q.ResourceID))
	}
	if q.Category != "" {
		conditions = append(conditions, "category = "+arg(string(q.Category)))
	}
	if q.Outcome != "" {
		conditions = append(conditions, "outcome = "+arg(string(q.Outcome)))
	}
	if q.IP != "" {
		conditions = append(conditions, "ip = "+arg(q.IP))
	}
	if q.SessionID != "" {
		conditions = append(conditions, "session_id = "+arg(q.SessionID))
	}
	if q.Action != "" {
		conditions = append(conditions, "action = "+arg(q.Action))
	}

	query := `SELECT ` + selectColumns + ` FROM audit_events WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY timestamp, id`
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("query audit events: %w", err))
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ChainHead returns the hash chain head and latest commit time for a tenant.
func (s *Store) ChainHead(ctx context.Context, tenantID uuid.UUID) (string, time.Time, error) {
	var (
		prevHash    string
		contentHash string
		ts          time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT prev_hash, content_hash, timestamp
		FROM audit_events
		WHERE tenant_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT 1
	`, tenantID).Scan(&prevHash, &contentHash, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, classify(fmt.Errorf("query chain head: %w", err))
	}
	return audit.ChainHash(prevHash, contentHash), ts, nil
}

// ActiveTenants returns tenants with at least one event in [from, to].
func (s *Store) ActiveTenants(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tenant_id
		FROM audit_events
		WHERE timestamp >= $1 AND timestamp <= $2
	`, from, to)
	if err != nil {
		return nil, classify(fmt.Errorf("query active tenants: %w", err))
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// Stats reports storage figures for the capacity monitor.
func (s *Store) Stats(ctx context.Context) (audit.StoreStats, error) {
	var stats audit.StoreStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT count(*) FROM audit_events),
			pg_total_relation_size('audit_events'),
			(SELECT count(*) FROM audit_events WHERE timestamp > now() - interval '1 minute'),
			COALESCE(EXTRACT(EPOCH FROM now() - (SELECT min(timestamp) FROM audit_events)), 0)
	`).Scan(&stats.TotalEvents, &stats.StorageBytes, &stats.EventsLastMin, &oldestSeconds{&stats.OldestEventAge})
	if err != nil {
		return audit.StoreStats{}, classify(fmt.Errorf("query store stats: %w", err))
	}
	return stats, nil
}

// oldestSeconds scans a numeric seconds column into a time.Duration.
type oldestSeconds struct {
	d *time.Duration
}

func (o *oldestSeconds) Scan(src any) error {
	switch v := src.(type) {
	case float64:
		*o.d = time.Duration(v * float64(time.Second))
	case []byte:
		f, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return err
		}
		*o.d = time.Duration(f * float64(time.Second))
	case nil:
		*o.d = 0
	default:
		return fmt.Errorf("unsupported seconds type %T", src)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (audit.Event, error) {
	var (
		event    audit.Event
		actorID  *uuid.UUID
		before   []byte
		after    []byte
		metadata []byte
	)
	err := row.Scan(
		&event.ID, &event.TenantID, &event.Timestamp,
		&actorID, &event.ActorEmail, &event.ActorRole,
		&event.Category, &event.Action, &event.ResourceType, &event.ResourceID,
		&event.Outcome,
		&event.IP, &event.UserAgent, &event.SessionID, &event.DeviceID,
		&event.RequestPath, &event.RequestID,
		&before, &after, &metadata,
		&event.ReasonCode, &event.Criticality,
		&event.ContentHash, &event.PrevHash, &event.IdempotencyKey,
	)
	if err != nil {
		return audit.Event{}, err
	}

	event.ActorID = actorID
	event.Before = json.RawMessage(before)
	event.After = json.RawMessage(after)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return audit.Event{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return event, nil
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	var events []audit.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
