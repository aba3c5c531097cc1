// Package httptransport is the thin HTTP layer over the audit services.
// Handlers delegate to domain services without embedding business logic;
// the tenant in the bearer token scopes every call, so a foreign tenant's
// resource is indistinguishable from a missing one.
package httptransport

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custos/internal/audit"
	"custos/internal/capacity"
	"custos/internal/platform/middleware"
	"custos/internal/receipt"
	"custos/internal/reduction"
	"custos/internal/session"
	"custos/internal/signature"
)

// IngestService commits audit events. Satisfied by the ingest gateway.
type IngestService interface {
	Submit(ctx context.Context, input audit.Input) (uuid.UUID, error)
}

// QueryService reads committed events. Satisfied by the audit store.
type QueryService interface {
	FindByID(ctx context.Context, tenantID, eventID uuid.UUID) (audit.Event, error)
	List(ctx context.Context, tenantID uuid.UUID, query audit.Query) ([]audit.Event, error)
}

// SessionService records and reads session activity.
type SessionService interface {
	LogSessionEvent(ctx context.Context, tenantID uuid.UUID, sessionID string, eventType session.EventType, action string, outcome audit.Outcome, input session.Input) (session.Event, error)
	SessionTimeline(ctx context.Context, tenantID uuid.UUID, sessionID string, limit int) ([]session.Event, error)
}

// CapacityService exposes the monitor's records. Samples are
// deployment-level; failure listings merge tenant and deployment scope.
type CapacityService interface {
	Samples(ctx context.Context, from, to time.Time, limit int) ([]capacity.Sample, error)
	Failures(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]capacity.FailureResponse, error)
	Resolve(ctx context.Context, tenantID, id uuid.UUID, notes string) (capacity.FailureResponse, error)
}

// SignatureService verifies and revokes non-repudiation records.
type SignatureService interface {
	Verify(ctx context.Context, tenantID, signatureID uuid.UUID) (signature.VerificationResult, error)
	Revoke(ctx context.Context, tenantID, signatureID uuid.UUID, reason string) (signature.Record, error)
	ByResource(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID string, limit int) ([]signature.Record, error)
}

// ReportService runs and reads reduction outputs.
type ReportService interface {
	RunReport(ctx context.Context, tenantID uuid.UUID, filters audit.Query, from, to time.Time, requestedBy *uuid.UUID) (reduction.Report, error)
	Report(ctx context.Context, tenantID, id uuid.UUID) (reduction.Report, error)
	Patterns(ctx context.Context, tenantID uuid.UUID, includeResolved bool, limit int) ([]reduction.Pattern, error)
	AcknowledgePattern(ctx context.Context, tenantID, id uuid.UUID) error
	ResolvePattern(ctx context.Context, tenantID, id uuid.UUID) error
}

// ReceiptService tracks communication confirmations.
type ReceiptService interface {
	Dispatch(ctx context.Context, tenantID uuid.UUID, communicationRef string, senderID, recipientID uuid.UUID, content []byte) (receipt.Confirmation, error)
	Acknowledge(ctx context.Context, tenantID, id uuid.UUID) (receipt.Confirmation, error)
	Find(ctx context.Context, tenantID, id uuid.UUID) (receipt.Confirmation, error)
}

// Handler aggregates the per-module services behind the /v1/audit routes.
type Handler struct {
	logger     *slog.Logger
	validator  middleware.TokenValidator
	ingest     IngestService
	query      QueryService
	sessions   SessionService
	capacity   CapacityService
	signatures SignatureService
	reports    ReportService
	receipts   ReceiptService
}

func New(
	logger *slog.Logger,
	validator middleware.TokenValidator,
	ingest IngestService,
	query QueryService,
	sessions SessionService,
	capacitySvc CapacityService,
	signatures SignatureService,
	reports ReportService,
	receipts ReceiptService,
) *Handler {
	return &Handler{
		logger:     logger,
		validator:  validator,
		ingest:     ingest,
		query:      query,
		sessions:   sessions,
		capacity:   capacitySvc,
		signatures: signatures,
		reports:    reports,
		receipts:   receipts,
	}
}
