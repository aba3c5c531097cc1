package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"custos/internal/audit"
	"custos/internal/signature"
	"custos/pkg/sentinel"
)

// Submitter records receipt lifecycle transitions on the audit trail.
// Satisfied by the ingest gateway.
type Submitter interface {
	Submit(ctx context.Context, input audit.Input) (uuid.UUID, error)
}

// ReceiptSigner produces the optional signed receipt at acknowledgement.
// Satisfied by the non-repudiation signer.
type ReceiptSigner interface {
	Sign(ctx context.Context, tenantID, eventID, actorID uuid.UUID, action string, criticality audit.Criticality) (signature.Record, error)
}

// Tracker manages confirmation lifecycles. Audit logging and signed
// receipts are optional collaborators; with neither configured the
// tracker still enforces the state machine.
type Tracker struct {
	store     Store
	submitter Submitter
	signer    ReceiptSigner
	logger    *slog.Logger
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(l *slog.Logger) Option       { return func(t *Tracker) { t.logger = l } }
func WithSubmitter(s Submitter) Option       { return func(t *Tracker) { t.submitter = s } }
func WithReceiptSigner(s ReceiptSigner) Option { return func(t *Tracker) { t.signer = s } }
func WithTTL(d time.Duration) Option         { return func(t *Tracker) { t.ttl = d } }

// New creates a Tracker. Confirmations expire 72h after dispatch unless
// overridden.
func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		logger: slog.Default(),
		ttl:    72 * time.Hour,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dispatch records that a communication went out. The content hash is
// fixed here; the acknowledgement later attests this exact content.
func (t *Tracker) Dispatch(ctx context.Context, tenantID uuid.UUID, communicationRef string, senderID, recipientID uuid.UUID, content []byte) (Confirmation, error) {
	if communicationRef == "" {
		return Confirmation{}, fmt.Errorf("communication ref is required: %w", sentinel.ErrValidation)
	}
	if len(content) == 0 {
		return Confirmation{}, fmt.Errorf("content is required: %w", sentinel.ErrValidation)
	}

	now := t.now().UTC()
	expires := now.Add(t.ttl)
	conf := Confirmation{
		ID:               uuid.New(),
		TenantID:         tenantID,
		CommunicationRef: communicationRef,
		SenderID:         senderID,
		RecipientID:      recipientID,
		ContentHash:      hashHex(content),
		State:            StatePending,
		SentAt:           now,
		ExpiresAt:        &expires,
	}
	if err := t.store.Create(ctx, conf); err != nil {
		return Confirmation{}, fmt.Errorf("persisting confirmation: %w", err)
	}

	t.audit(ctx, conf, "receipt.dispatched", audit.CriticalityRoutine)
	t.logger.InfoContext(ctx, "receipt dispatched",
		"receipt_id", conf.ID, "communication_ref", communicationRef, "recipient_id", recipientID)
	return conf, nil
}

// MarkReceived records delivery. Only pending confirmations can be
// received; an expired confirmation is finalized as such on the way out.
func (t *Tracker) MarkReceived(ctx context.Context, tenantID, id uuid.UUID) (Confirmation, error) {
	conf, err := t.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return Confirmation{}, err
	}
	if conf, expired, err := t.expireIfOverdue(ctx, conf); expired || err != nil {
		if err != nil {
			return Confirmation{}, err
		}
		return Confirmation{}, fmt.Errorf("receipt %s expired: %w", conf.ID, sentinel.ErrInvalidState)
	}
	if conf.State != StatePending {
		return Confirmation{}, fmt.Errorf("receipt %s is %s: %w", conf.ID, conf.State, sentinel.ErrInvalidState)
	}

	now := t.now().UTC()
	conf.State = StateReceived
	conf.ReceivedAt = &now
	if err := t.store.Update(ctx, conf); err != nil {
		return Confirmation{}, fmt.Errorf("marking received: %w", err)
	}
	return conf, nil
}

// Acknowledge finalizes the confirmation. Receipt of the communication is
// implied when the recipient acknowledges directly from pending. When a
// submitter and signer are configured the acknowledgement is committed to
// the audit trail and signed, binding the recipient to the content hash.
func (t *Tracker) Acknowledge(ctx context.Context, tenantID, id uuid.UUID) (Confirmation, error) {
	conf, err := t.store.FindByID(ctx, tenantID, id)
	if err != nil {
		return Confirmation{}, err
	}
	if conf, expired, err := t.expireIfOverdue(ctx, conf); expired || err != nil {
		if err != nil {
			return Confirmation{}, err
		}
		return Confirmation{}, fmt.Errorf("receipt %s expired: %w", conf.ID, sentinel.ErrInvalidState)
	}
	if conf.State != StatePending && conf.State != StateReceived {
		return Confirmation{}, fmt.Errorf("receipt %s is %s: %w", conf.ID, conf.State, sentinel.ErrInvalidState)
	}

	now := t.now().UTC()
	if conf.ReceivedAt == nil {
		conf.ReceivedAt = &now
	}
	conf.State = StateAcknowledged
	conf.AcknowledgedAt = &now
	conf.ReceiptHash = hashHex([]byte(conf.CommunicationRef + "|" +
		conf.RecipientID.String() + "|" + conf.ContentHash + "|" +
		now.Format(time.RFC3339Nano)))

	if t.submitter != nil && t.signer != nil {
		sigID, err := t.signedReceipt(ctx, conf)
		if err != nil {
			// Fail closed: an acknowledgement that promised a signed
			// receipt must not finalize unsigned.
			return Confirmation{}, fmt.Errorf("signing receipt %s: %w", conf.ID, err)
		}
		conf.SignatureID = &sigID
	}

	if err := t.store.Update(ctx, conf); err != nil {
		return Confirmation{}, fmt.Errorf("acknowledging receipt: %w", err)
	}
	t.logger.InfoContext(ctx, "receipt acknowledged",
		"receipt_id", conf.ID, "recipient_id", conf.RecipientID, "signed", conf.SignatureID != nil)
	return conf, nil
}

// signedReceipt commits the acknowledgement as an audit event and signs
// it in the recipient's name.
func (t *Tracker) signedReceipt(ctx context.Context, conf Confirmation) (uuid.UUID, error) {
	recipient := conf.RecipientID
	eventID, err := t.submitter.Submit(ctx, audit.Input{
		TenantID:     conf.TenantID,
		ActorID:      &recipient,
		Category:     audit.CategoryDataAccess,
		Action:       "receipt.acknowledged",
		ResourceType: "receipt_confirmation",
		ResourceID:   conf.ID.String(),
		Outcome:      audit.OutcomeSuccess,
		Criticality:  audit.CriticalityHigh,
		Metadata: map[string]string{
			"communication_ref": conf.CommunicationRef,
			"content_hash":      conf.ContentHash,
			"receipt_hash":      conf.ReceiptHash,
		},
		IdempotencyKey: "receipt-ack-" + conf.ID.String(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := t.signer.Sign(ctx, conf.TenantID, eventID, recipient, "receipt.acknowledged", audit.CriticalityHigh)
	if err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Find returns one confirmation scoped to the tenant.
func (t *Tracker) Find(ctx context.Context, tenantID, id uuid.UUID) (Confirmation, error) {
	return t.store.FindByID(ctx, tenantID, id)
}

// History returns confirmations for a communication reference.
func (t *Tracker) History(ctx context.Context, tenantID uuid.UUID, communicationRef string, limit int) ([]Confirmation, error) {
	return t.store.ListByRef(ctx, tenantID, communicationRef, limit)
}

// ExpireOverdue finalizes confirmations whose expiry has passed. Returns
// the number expired.
func (t *Tracker) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := t.store.ListOverdue(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("listing overdue receipts: %w", err)
	}
	expired := 0
	for _, conf := range overdue {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		if _, done, err := t.expireIfOverdue(ctx, conf); err != nil {
			return expired, err
		} else if done {
			expired++
		}
	}
	return expired, nil
}

// expireIfOverdue transitions a non-terminal confirmation past its expiry
// and reports whether it did.
func (t *Tracker) expireIfOverdue(ctx context.Context, conf Confirmation) (Confirmation, bool, error) {
	if conf.State.Terminal() || conf.ExpiresAt == nil || t.now().UTC().Before(*conf.ExpiresAt) {
		return conf, false, nil
	}
	conf.State = StateExpired
	if err := t.store.Update(ctx, conf); err != nil {
		return conf, false, fmt.Errorf("expiring receipt %s: %w", conf.ID, err)
	}
	t.audit(ctx, conf, "receipt.expired", audit.CriticalityRoutine)
	return conf, true, nil
}

// audit records a lifecycle transition on the trail, best-effort.
func (t *Tracker) audit(ctx context.Context, conf Confirmation, action string, criticality audit.Criticality) {
	if t.submitter == nil {
		return
	}
	sender := conf.SenderID
	_, err := t.submitter.Submit(ctx, audit.Input{
		TenantID:     conf.TenantID,
		ActorID:      &sender,
		Category:     audit.CategorySystemEvent,
		Action:       action,
		ResourceType: "receipt_confirmation",
		ResourceID:   conf.ID.String(),
		Outcome:      audit.OutcomeSuccess,
		Criticality:  criticality,
		Metadata: map[string]string{
			"communication_ref": conf.CommunicationRef,
			"recipient_id":      conf.RecipientID.String(),
		},
	})
	if err != nil {
		t.logger.WarnContext(ctx, "receipt audit trail write failed",
			"receipt_id", conf.ID, "action", action, "error", err)
	}
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
