package signature_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custos/internal/audit"
	auditmem "custos/internal/audit/store/memory"
	"custos/internal/signature"
	"custos/internal/signature/keyprovider"
	sigmem "custos/internal/signature/store/memory"
	"custos/pkg/sentinel"
)

// swappableProvider lets a test flip the key provider between working and
// failing without rebuilding the signer.
type swappableProvider struct {
	inner keyprovider.Provider
}

func (p *swappableProvider) ActiveKeyID(ctx context.Context) (string, error) {
	return p.inner.ActiveKeyID(ctx)
}

func (p *swappableProvider) Sign(ctx context.Context, keyID string, payload []byte) ([]byte, error) {
	return p.inner.Sign(ctx, keyID, payload)
}

func (p *swappableProvider) Verify(ctx context.Context, keyID string, payload, sig []byte) (bool, error) {
	return p.inner.Verify(ctx, keyID, payload, sig)
}

func (p *swappableProvider) Rotate(ctx context.Context) (string, error) {
	return p.inner.Rotate(ctx)
}

type SignerSuite struct {
	suite.Suite

	ctx      context.Context
	tenantID uuid.UUID
	actorID  uuid.UUID
	events   *auditmem.Store
	sigs     *sigmem.Store
	local    *keyprovider.Local
	provider *swappableProvider
	signer   *signature.Signer
}

func TestSignerSuite(t *testing.T) {
	suite.Run(t, new(SignerSuite))
}

func (s *SignerSuite) SetupTest() {
	s.ctx = context.Background()
	s.tenantID = uuid.New()
	s.actorID = uuid.New()
	s.events = auditmem.New()
	s.sigs = sigmem.New()

	local, err := keyprovider.NewLocal()
	s.Require().NoError(err)
	s.local = local
	s.provider = &swappableProvider{inner: local}
	s.signer = signature.New(s.sigs, s.events, s.provider)
}

func (s *SignerSuite) seedEvent() audit.Event {
	event := audit.Event{
		ID:           uuid.New(),
		TenantID:     s.tenantID,
		Timestamp:    time.Now().UTC(),
		ActorID:      &s.actorID,
		Category:     audit.CategoryConfigChange,
		Action:       "tenant.retention.update",
		ResourceType: "retention_policy",
		ResourceID:   "default",
		Outcome:      audit.OutcomeSuccess,
		Criticality:  audit.CriticalityCritical,
	}
	event.ContentHash = event.ComputeContentHash()
	_, err := s.events.Append(s.ctx, event)
	s.Require().NoError(err)
	return event
}

func (s *SignerSuite) TestSignCritical() {
	event := s.seedEvent()

	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityCritical)
	s.Require().NoError(err)

	s.Equal(signature.StateValid, rec.State)
	s.NotEmpty(rec.Signature)
	s.NotEmpty(rec.KeyID)
	s.Equal("ed25519", rec.Algorithm)
	s.Equal(event.ContentHash, rec.ContentHash)
	s.Equal(event.ID, rec.EventID)
}

func (s *SignerSuite) TestSignRoutineRejected() {
	event := s.seedEvent()

	_, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityRoutine)
	s.Require().ErrorIs(err, sentinel.ErrValidation)
}

func (s *SignerSuite) TestSignUnknownEvent() {
	_, err := s.signer.Sign(s.ctx, s.tenantID, uuid.New(), s.actorID, "x", audit.CriticalityCritical)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *SignerSuite) TestCriticalFailsClosedWhenProviderDown() {
	event := s.seedEvent()
	s.provider.inner = keyprovider.Failing{}

	_, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityCritical)
	s.Require().ErrorIs(err, sentinel.ErrSigningUnavailable)

	// Nothing must claim the action was non-repudiated.
	recs, err := s.sigs.FindByEvent(s.ctx, s.tenantID, event.ID)
	s.Require().NoError(err)
	s.Empty(recs)
}

func (s *SignerSuite) TestHighPendingThenSwept() {
	event := s.seedEvent()
	s.provider.inner = keyprovider.Failing{}

	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityHigh)
	s.Require().NoError(err)
	s.Equal(signature.StatePending, rec.State)
	s.Empty(rec.Signature)

	// Pending records report invalid without error.
	result, err := s.signer.Verify(s.ctx, s.tenantID, rec.ID)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.Equal(signature.StatePending, result.State)

	// Provider recovers; the sweep resolves the backlog.
	s.provider.inner = s.local
	resolved, err := s.signer.SweepPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(1, resolved)

	result, err = s.signer.Verify(s.ctx, s.tenantID, rec.ID)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Equal(signature.StateVerified, result.State)
}

func (s *SignerSuite) TestSweepStopsWhileProviderDown() {
	event := s.seedEvent()
	s.provider.inner = keyprovider.Failing{}

	_, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityHigh)
	s.Require().NoError(err)

	resolved, err := s.signer.SweepPending(s.ctx, 10)
	s.Require().ErrorIs(err, sentinel.ErrSigningUnavailable)
	s.Zero(resolved)
}

func (s *SignerSuite) TestVerifySurvivesKeyRotation() {
	event := s.seedEvent()
	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityCritical)
	s.Require().NoError(err)

	newKey, err := s.local.Rotate(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(rec.KeyID, newKey)

	result, err := s.signer.Verify(s.ctx, s.tenantID, rec.ID)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Equal(rec.KeyID, result.KeyID)
}

func (s *SignerSuite) TestVerifyMismatch() {
	event := s.seedEvent()
	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityCritical)
	s.Require().NoError(err)

	// Tamper with the signature bytes; the stored event is immutable so a
	// mismatch can only come from the record side.
	rec.Signature[0] ^= 0xff
	s.Require().NoError(s.sigs.Update(s.ctx, rec))

	result, err := s.signer.Verify(s.ctx, s.tenantID, rec.ID)
	s.Require().ErrorIs(err, sentinel.ErrVerificationMismatch)
	s.False(result.Valid)
}

func (s *SignerSuite) TestVerifyUnknownIsNotFound() {
	_, err := s.signer.Verify(s.ctx, s.tenantID, uuid.New())
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	s.Require().NotErrorIs(err, sentinel.ErrVerificationMismatch)
}

func (s *SignerSuite) TestVerifyExpired() {
	event := s.seedEvent()
	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityHigh)
	s.Require().NoError(err)

	past := time.Now().UTC().Add(-time.Hour)
	rec.ExpiresAt = &past
	s.Require().NoError(s.sigs.Update(s.ctx, rec))

	result, err := s.signer.Verify(s.ctx, s.tenantID, rec.ID)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.Equal(signature.StateExpired, result.State)
}

func (s *SignerSuite) TestRevoke() {
	event := s.seedEvent()
	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityCritical)
	s.Require().NoError(err)

	revoked, err := s.signer.Revoke(s.ctx, s.tenantID, rec.ID, "credential compromise")
	s.Require().NoError(err)
	s.Equal(signature.StateRevoked, revoked.State)
	s.NotNil(revoked.RevokedAt)
	s.Equal("credential compromise", revoked.RevocationReason)

	// History is preserved, not deleted.
	stored, err := s.sigs.FindByID(s.ctx, s.tenantID, rec.ID)
	s.Require().NoError(err)
	s.Equal(rec.Signature, stored.Signature)

	result, err := s.signer.Verify(s.ctx, s.tenantID, rec.ID)
	s.Require().NoError(err)
	s.False(result.Valid)
	s.Equal(signature.StateRevoked, result.State)

	_, err = s.signer.Revoke(s.ctx, s.tenantID, rec.ID, "again")
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *SignerSuite) TestTenantScoping() {
	event := s.seedEvent()
	rec, err := s.signer.Sign(s.ctx, s.tenantID, event.ID, s.actorID, event.Action, audit.CriticalityCritical)
	s.Require().NoError(err)

	_, err = s.signer.Verify(s.ctx, uuid.New(), rec.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
