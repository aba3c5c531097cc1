package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"custos/internal/audit"
	"custos/internal/signature/keyprovider"
	"custos/pkg/sentinel"
)

const algorithm = "ed25519"

// signingPayload is the canonical byte sequence handed to the key
// provider. Field order is fixed; timestamps are UTC RFC 3339 nano.
type signingPayload struct {
	ContentHash string `json:"content_hash"`
	EventID     string `json:"event_id"`
	ActorID     string `json:"actor_id"`
	Action      string `json:"action"`
	Timestamp   string `json:"timestamp"`
}

func payloadBytes(rec Record) []byte {
	b, _ := json.Marshal(signingPayload{
		ContentHash: rec.ContentHash,
		EventID:     rec.EventID.String(),
		ActorID:     rec.SignerID.String(),
		Action:      rec.Action,
		Timestamp:   rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	return b
}

// Signer creates and verifies non-repudiation records over stored audit
// events. It holds key ids only; all cryptography goes through the
// provider.
type Signer struct {
	store    Store
	events   audit.Store
	provider keyprovider.Provider
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer
	timeout  time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

func WithLogger(l *slog.Logger) Option       { return func(s *Signer) { s.logger = l } }
func WithMetrics(m *Metrics) Option          { return func(s *Signer) { s.metrics = m } }
func WithTimeout(d time.Duration) Option     { return func(s *Signer) { s.timeout = d } }
func WithSignatureTTL(d time.Duration) Option { return func(s *Signer) { s.ttl = d } }

// New creates a Signer. A zero TTL means signatures never expire.
func New(store Store, events audit.Store, provider keyprovider.Provider, opts ...Option) *Signer {
	s := &Signer{
		store:    store,
		events:   events,
		provider: provider,
		logger:   slog.Default(),
		tracer:   otel.Tracer("custos/audit/signature"),
		timeout:  5 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign creates a signature record for a stored event. Routine actions are
// not signed. When the provider is unavailable, critical actions fail
// closed with ErrSigningUnavailable and high actions persist a pending
// record for the sweep to resolve.
func (s *Signer) Sign(ctx context.Context, tenantID, eventID, actorID uuid.UUID, action string, criticality audit.Criticality) (Record, error) {
	if criticality != audit.CriticalityHigh && criticality != audit.CriticalityCritical {
		return Record{}, fmt.Errorf("criticality %q is not signable: %w", criticality, sentinel.ErrValidation)
	}
	if action == "" {
		return Record{}, fmt.Errorf("action is required: %w", sentinel.ErrValidation)
	}

	ctx, span := s.tracer.Start(ctx, "audit.sign")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	event, err := s.events.FindByID(ctx, tenantID, eventID)
	if err != nil {
		return Record{}, fmt.Errorf("loading event %s: %w", eventID, err)
	}

	rec := Record{
		ID:           uuid.New(),
		TenantID:     tenantID,
		EventID:      event.ID,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Action:       action,
		Criticality:  string(criticality),
		ContentHash:  event.ContentHash,
		Algorithm:    algorithm,
		SignerID:     actorID,
		CreatedAt:    s.now().UTC(),
	}
	if s.ttl > 0 {
		exp := rec.CreatedAt.Add(s.ttl)
		rec.ExpiresAt = &exp
	}

	keyID, err := s.provider.ActiveKeyID(ctx)
	if err == nil {
		rec.KeyID = keyID
		rec.Signature, err = s.provider.Sign(ctx, keyID, payloadBytes(rec))
	}
	if err != nil {
		return s.signDegraded(ctx, rec, criticality, err)
	}

	rec.State = StateValid
	if err := s.store.Create(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("persisting signature: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Signed.Inc()
	}
	s.logger.InfoContext(ctx, "signature created",
		"signature_id", rec.ID, "event_id", rec.EventID, "key_id", rec.KeyID)
	return rec, nil
}

// SignEvent is the ingest-side hook: the gateway calls it after committing
// a high or critical event. The produced record is retrievable through the
// resource signature listing.
func (s *Signer) SignEvent(ctx context.Context, tenantID, eventID, actorID uuid.UUID, action string, criticality audit.Criticality) error {
	_, err := s.Sign(ctx, tenantID, eventID, actorID, action, criticality)
	return err
}

// signDegraded handles provider failure. The record never claims a
// signature it does not have.
func (s *Signer) signDegraded(ctx context.Context, rec Record, criticality audit.Criticality, cause error) (Record, error) {
	if criticality == audit.CriticalityCritical {
		if s.metrics != nil {
			s.metrics.Failed.Inc()
		}
		s.logger.ErrorContext(ctx, "critical signing refused, provider unavailable",
			"event_id", rec.EventID, "error", cause)
		return Record{}, fmt.Errorf("signing event %s: %w", rec.EventID, sentinel.ErrSigningUnavailable)
	}

	rec.State = StatePending
	rec.Signature = nil
	rec.KeyID = ""
	if err := s.store.Create(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("persisting pending signature: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Pending.Inc()
	}
	s.logger.WarnContext(ctx, "signature pending, provider unavailable",
		"signature_id", rec.ID, "event_id", rec.EventID, "error", cause)
	return rec, nil
}

// Verify re-checks a signature against the stored event. The content hash
// is recomputed from the event, not trusted from the record, and the key
// is fetched by the recorded id so verification survives rotation. A
// mismatch returns ErrVerificationMismatch; revoked, pending and expired
// records report invalid without error.
func (s *Signer) Verify(ctx context.Context, tenantID, signatureID uuid.UUID) (VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.store.FindByID(ctx, tenantID, signatureID)
	if err != nil {
		return VerificationResult{}, err
	}

	now := s.now().UTC()
	result := VerificationResult{
		SignatureID: rec.ID,
		State:       rec.State,
		KeyID:       rec.KeyID,
		VerifiedAt:  now,
	}

	switch rec.State {
	case StateRevoked:
		result.Reason = "signature revoked"
		return result, nil
	case StatePending:
		result.Reason = "signature not yet produced"
		return result, nil
	case StateExpired:
		result.Reason = "signature expired"
		return result, nil
	}

	if rec.ExpiresAt != nil && now.After(*rec.ExpiresAt) {
		rec.State = StateExpired
		if err := s.store.Update(ctx, rec); err != nil {
			return VerificationResult{}, fmt.Errorf("expiring signature: %w", err)
		}
		result.State = StateExpired
		result.Reason = "signature expired"
		return result, nil
	}

	event, err := s.events.FindByID(ctx, tenantID, rec.EventID)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("loading event %s: %w", rec.EventID, err)
	}
	if event.ComputeContentHash() != rec.ContentHash {
		if s.metrics != nil {
			s.metrics.Mismatches.Inc()
		}
		result.Reason = "content hash mismatch"
		return result, fmt.Errorf("signature %s: %w", rec.ID, sentinel.ErrVerificationMismatch)
	}

	ok, err := s.provider.Verify(ctx, rec.KeyID, payloadBytes(rec), rec.Signature)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("verifying with key %q: %w", rec.KeyID, err)
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.Mismatches.Inc()
		}
		result.Reason = "signature does not match key"
		return result, fmt.Errorf("signature %s: %w", rec.ID, sentinel.ErrVerificationMismatch)
	}

	rec.State = StateVerified
	rec.LastVerifiedAt = &now
	if err := s.store.Update(ctx, rec); err != nil {
		return VerificationResult{}, fmt.Errorf("recording verification: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Verified.Inc()
	}
	result.Valid = true
	result.State = StateVerified
	return result, nil
}

// Revoke marks a signature untrusted. The record and its history are
// preserved as evidence; revoking twice is an invalid transition.
func (s *Signer) Revoke(ctx context.Context, tenantID, signatureID uuid.UUID, reason string) (Record, error) {
	rec, err := s.store.FindByID(ctx, tenantID, signatureID)
	if err != nil {
		return Record{}, err
	}
	if rec.State == StateRevoked {
		return Record{}, fmt.Errorf("signature %s already revoked: %w", rec.ID, sentinel.ErrInvalidState)
	}

	now := s.now().UTC()
	rec.State = StateRevoked
	rec.RevokedAt = &now
	rec.RevocationReason = reason
	if err := s.store.Update(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("revoking signature: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Revoked.Inc()
	}
	s.logger.WarnContext(ctx, "signature revoked",
		"signature_id", rec.ID, "event_id", rec.EventID, "reason", reason)
	return rec, nil
}

// ByResource returns the signature records attesting a resource.
func (s *Signer) ByResource(ctx context.Context, tenantID uuid.UUID, resourceType, resourceID string, limit int) ([]Record, error) {
	return s.store.ListByResource(ctx, tenantID, resourceType, resourceID, limit)
}

// SweepPending resolves pending records now that the provider is back.
// Returns the number resolved; stops early on provider failure so the
// next sweep retries the remainder.
func (s *Signer) SweepPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listing pending signatures: %w", err)
	}

	resolved := 0
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		keyID, err := s.provider.ActiveKeyID(ctx)
		if err != nil {
			return resolved, fmt.Errorf("key provider still unavailable: %w", err)
		}
		rec.KeyID = keyID
		sig, err := s.provider.Sign(ctx, keyID, payloadBytes(rec))
		if err != nil {
			return resolved, fmt.Errorf("signing pending record %s: %w", rec.ID, err)
		}
		rec.Signature = sig
		rec.State = StateValid
		if err := s.store.Update(ctx, rec); err != nil {
			return resolved, fmt.Errorf("resolving pending record %s: %w", rec.ID, err)
		}
		resolved++
		if s.metrics != nil {
			s.metrics.Swept.Inc()
		}
		s.logger.InfoContext(ctx, "pending signature resolved",
			"signature_id", rec.ID, "key_id", keyID)
	}
	return resolved, nil
}
