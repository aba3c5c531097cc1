// Package audit defines the immutable audit event record and its enums.
// The event is transport-agnostic so stores and sinks can fan out.
package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Category classifies audit events by their primary purpose. This enables
// different retention policies, indexing, and routing.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryDataAccess     Category = "data_access"
	CategoryConfigChange   Category = "configuration_change"
	CategoryAuthorization  Category = "authorization"
	CategorySystemEvent    Category = "system_event"
	CategorySession        Category = "session"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuthentication, CategoryDataAccess, CategoryConfigChange,
		CategoryAuthorization, CategorySystemEvent, CategorySession:
		return true
	}
	return false
}

// Outcome records how the audited action terminated.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailure, OutcomeDenied:
		return true
	}
	return false
}

// Criticality determines whether non-repudiation signing is mandatory,
// best-effort, or skipped for an action.
type Criticality string

const (
	// CriticalityRoutine actions are recorded but never signed.
	CriticalityRoutine Criticality = "routine"

	// CriticalityHigh actions are signed best-effort: if the key provider is
	// down the event commits with a pending signature that a background
	// sweep resolves.
	CriticalityHigh Criticality = "high"

	// CriticalityCritical actions are signed fail-closed: if the signature
	// cannot be produced the originating business action must fail.
	CriticalityCritical Criticality = "critical"
)

// Valid reports whether c is a known criticality tier.
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityRoutine, CriticalityHigh, CriticalityCritical:
		return true
	}
	return false
}

// Event is the immutable audit record. Once committed every field is
// final; the record can be read, never updated or deleted, through any
// interface. The Postgres store enforces this with a trigger below the
// application layer.
//
// Actor display fields are denormalized at write time so the record
// survives actor deletion; they are never joined later.
type Event struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`

	ActorID    *uuid.UUID `json:"actor_id,omitempty"` // nil for system actors
	ActorEmail string     `json:"actor_email,omitempty"`
	ActorRole  string     `json:"actor_role,omitempty"`

	Category     Category `json:"category"`
	Action       string   `json:"action"`
	ResourceType string   `json:"resource_type,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	Outcome      Outcome  `json:"outcome"`

	// Network/client context, all optional.
	IP          string `json:"ip,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	RequestPath string `json:"request_path,omitempty"`
	RequestID   string `json:"request_id,omitempty"`

	// Structured state snapshots and free-form metadata.
	Before   json.RawMessage   `json:"before,omitempty"`
	After    json.RawMessage   `json:"after,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	// ReasonCode carries automated-decision traceability.
	ReasonCode string `json:"reason_code,omitempty"`

	Criticality Criticality `json:"criticality"`

	// ContentHash is the SHA-256 of the canonical payload; PrevHash links
	// the per-tenant hash chain for tamper evidence independent of the
	// storage trigger.
	ContentHash string `json:"content_hash"`
	PrevHash    string `json:"prev_hash"`

	// IdempotencyKey deduplicates retried submissions of the same logical
	// action. Empty means no dedup requested.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Input is the producer-facing ingestion contract. The gateway validates,
// normalizes, and assigns server-side fields before committing.
type Input struct {
	TenantID uuid.UUID `json:"tenant_id" validate:"required"`

	ActorID    *uuid.UUID `json:"actor_id,omitempty"`
	ActorEmail string     `json:"actor_email,omitempty" validate:"omitempty,email"`
	ActorRole  string     `json:"actor_role,omitempty"`

	Category     Category `json:"category" validate:"required"`
	Action       string   `json:"action" validate:"required,max=128"`
	ResourceType string   `json:"resource_type,omitempty" validate:"max=64"`
	ResourceID   string   `json:"resource_id,omitempty" validate:"max=128"`
	Outcome      Outcome  `json:"outcome" validate:"required"`

	IP          string `json:"ip,omitempty" validate:"omitempty,ip"`
	UserAgent   string `json:"user_agent,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	RequestPath string `json:"request_path,omitempty"`

	Before   json.RawMessage   `json:"before,omitempty"`
	After    json.RawMessage   `json:"after,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	ReasonCode  string      `json:"reason_code,omitempty"`
	Criticality Criticality `json:"criticality,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Query selects tenant-scoped events along the indexed dimensions. Zero
// values mean "no filter"; From/To bound the scan window.
type Query struct {
	From         time.Time
	To           time.Time
	ActorID      *uuid.UUID
	ResourceType string
	ResourceID   string
	Category     Category
	Outcome      Outcome
	IP           string
	SessionID    string
	Action       string
	Limit        int
	Offset       int
}
