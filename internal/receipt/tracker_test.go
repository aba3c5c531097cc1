package receipt_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custos/internal/audit/gateway"
	auditmem "custos/internal/audit/store/memory"
	"custos/internal/receipt"
	receiptmem "custos/internal/receipt/store/memory"
	"custos/internal/signature"
	"custos/internal/signature/keyprovider"
	sigmem "custos/internal/signature/store/memory"
	"custos/pkg/sentinel"
)

type TrackerSuite struct {
	suite.Suite

	ctx         context.Context
	tenantID    uuid.UUID
	senderID    uuid.UUID
	recipientID uuid.UUID
	events      *auditmem.Store
	receipts    *receiptmem.Store
	signer      *signature.Signer
	tracker     *receipt.Tracker
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) SetupTest() {
	s.ctx = context.Background()
	s.tenantID = uuid.New()
	s.senderID = uuid.New()
	s.recipientID = uuid.New()
	s.events = auditmem.New()
	s.receipts = receiptmem.New()

	provider, err := keyprovider.NewLocal()
	s.Require().NoError(err)
	gw := gateway.New(s.events)
	s.signer = signature.New(sigmem.New(), s.events, provider)
	s.tracker = receipt.New(s.receipts,
		receipt.WithSubmitter(gw),
		receipt.WithReceiptSigner(s.signer),
	)
}

func (s *TrackerSuite) dispatch() receipt.Confirmation {
	conf, err := s.tracker.Dispatch(s.ctx, s.tenantID, "notice-2026-014", s.senderID, s.recipientID,
		[]byte("your data retention period changes on 2026-10-01"))
	s.Require().NoError(err)
	return conf
}

func (s *TrackerSuite) TestDispatch() {
	conf := s.dispatch()

	s.Equal(receipt.StatePending, conf.State)
	s.Len(conf.ContentHash, 64)
	s.Empty(conf.ReceiptHash)
	s.NotNil(conf.ExpiresAt)
	s.True(conf.ExpiresAt.After(conf.SentAt))
}

func (s *TrackerSuite) TestDispatchValidation() {
	_, err := s.tracker.Dispatch(s.ctx, s.tenantID, "", s.senderID, s.recipientID, []byte("x"))
	s.Require().ErrorIs(err, sentinel.ErrValidation)

	_, err = s.tracker.Dispatch(s.ctx, s.tenantID, "ref", s.senderID, s.recipientID, nil)
	s.Require().ErrorIs(err, sentinel.ErrValidation)
}

func (s *TrackerSuite) TestReceiveThenAcknowledge() {
	conf := s.dispatch()

	conf, err := s.tracker.MarkReceived(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)
	s.Equal(receipt.StateReceived, conf.State)
	s.NotNil(conf.ReceivedAt)

	conf, err = s.tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)
	s.Equal(receipt.StateAcknowledged, conf.State)
	s.NotNil(conf.AcknowledgedAt)
	s.Len(conf.ReceiptHash, 64)
}

func (s *TrackerSuite) TestAcknowledgeFromPendingImpliesReceipt() {
	conf := s.dispatch()

	conf, err := s.tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)
	s.Equal(receipt.StateAcknowledged, conf.State)
	s.NotNil(conf.ReceivedAt)
}

func (s *TrackerSuite) TestSignedReceipt() {
	conf := s.dispatch()

	conf, err := s.tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)
	s.Require().NotNil(conf.SignatureID)

	// The signed receipt verifies against the acknowledgement event.
	result, err := s.signer.Verify(s.ctx, s.tenantID, *conf.SignatureID)
	s.Require().NoError(err)
	s.True(result.Valid)
}

func (s *TrackerSuite) TestAcknowledgeFailsClosedWhenTrailUnavailable() {
	conf := s.dispatch()
	s.events.SetFailing(true)

	_, err := s.tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().Error(err)

	stored, err := s.receipts.FindByID(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)
	s.Equal(receipt.StatePending, stored.State)
}

func (s *TrackerSuite) TestTerminalStatesAreFinal() {
	conf := s.dispatch()

	_, err := s.tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)

	_, err = s.tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)

	_, err = s.tracker.MarkReceived(s.ctx, s.tenantID, conf.ID)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *TrackerSuite) TestLateAcknowledgementRejected() {
	tracker := receipt.New(s.receipts, receipt.WithTTL(-time.Minute))
	conf, err := tracker.Dispatch(s.ctx, s.tenantID, "notice-late", s.senderID, s.recipientID, []byte("x"))
	s.Require().NoError(err)

	_, err = tracker.Acknowledge(s.ctx, s.tenantID, conf.ID)
	s.Require().ErrorIs(err, sentinel.ErrInvalidState)

	stored, err := s.receipts.FindByID(s.ctx, s.tenantID, conf.ID)
	s.Require().NoError(err)
	s.Equal(receipt.StateExpired, stored.State)
}

func (s *TrackerSuite) TestExpireOverdue() {
	tracker := receipt.New(s.receipts, receipt.WithTTL(-time.Minute))
	for i := 0; i < 3; i++ {
		_, err := tracker.Dispatch(s.ctx, s.tenantID, "notice-sweep", s.senderID, s.recipientID, []byte("x"))
		s.Require().NoError(err)
	}
	s.dispatch() // not overdue

	expired, err := s.tracker.ExpireOverdue(s.ctx, 10)
	s.Require().NoError(err)
	s.Equal(3, expired)
}

func (s *TrackerSuite) TestHistory() {
	conf := s.dispatch()
	s.dispatch()

	history, err := s.tracker.History(s.ctx, s.tenantID, conf.CommunicationRef, 10)
	s.Require().NoError(err)
	s.Len(history, 2)

	history, err = s.tracker.History(s.ctx, uuid.New(), conf.CommunicationRef, 10)
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *TrackerSuite) TestTenantScoping() {
	conf := s.dispatch()

	_, err := s.tracker.Find(s.ctx, uuid.New(), conf.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}
