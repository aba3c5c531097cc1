package session_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custos/internal/audit"
	"custos/internal/audit/gateway"
	auditmem "custos/internal/audit/store/memory"
	"custos/internal/session"
	"custos/pkg/sentinel"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

type BridgeSuite struct {
	suite.Suite

	ctx       context.Context
	tenantID  uuid.UUID
	actorID   uuid.UUID
	sessionID string
	events    *auditmem.Store
	timeline  *session.MemoryTimeline
	bridge    *session.Bridge
}

func TestBridgeSuite(t *testing.T) {
	suite.Run(t, new(BridgeSuite))
}

func (s *BridgeSuite) SetupTest() {
	s.ctx = context.Background()
	s.tenantID = uuid.New()
	s.actorID = uuid.New()
	s.sessionID = uuid.NewString()
	s.events = auditmem.New()
	s.timeline = session.NewMemoryTimeline()
	s.bridge = session.New(s.timeline, gateway.New(s.events))
}

func (s *BridgeSuite) log(eventType session.EventType, action string) session.Event {
	event, err := s.bridge.LogSessionEvent(s.ctx, s.tenantID, s.sessionID, eventType, action,
		audit.OutcomeSuccess, session.Input{ActorID: &s.actorID, IP: "203.0.113.7", UserAgent: chromeUA})
	s.Require().NoError(err)
	return event
}

func (s *BridgeSuite) TestRoutineEventStaysOnTimeline() {
	event := s.log(session.EventTypeNavigation, "page.view")

	s.Nil(event.AuditEventID)

	timeline, err := s.bridge.SessionTimeline(s.ctx, s.tenantID, s.sessionID, 10)
	s.Require().NoError(err)
	s.Require().Len(timeline, 1)

	// Nothing reached the main trail.
	committed, err := s.events.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(err)
	s.Empty(committed)
}

func (s *BridgeSuite) TestPrivilegedEventForwards() {
	event := s.log(session.EventTypeConfigChange, "settings.retention.update")

	s.Require().NotNil(event.AuditEventID)

	committed, err := s.events.FindByID(s.ctx, s.tenantID, *event.AuditEventID)
	s.Require().NoError(err)
	s.Equal(audit.CategorySession, committed.Category)
	s.Equal(s.sessionID, committed.SessionID)
	s.Equal("settings.retention.update", committed.Action)
	s.Equal(string(session.EventTypeConfigChange), committed.Metadata["session_event_type"])
}

func (s *BridgeSuite) TestForwardFailureFailsTheCall() {
	s.events.SetFailing(true)

	_, err := s.bridge.LogSessionEvent(s.ctx, s.tenantID, s.sessionID,
		session.EventTypePrivilegeUse, "role.assume", audit.OutcomeSuccess,
		session.Input{ActorID: &s.actorID})
	s.Require().Error(err)

	// No half-written session record either.
	timeline, err := s.bridge.SessionTimeline(s.ctx, s.tenantID, s.sessionID, 10)
	s.Require().NoError(err)
	s.Empty(timeline)
}

func (s *BridgeSuite) TestTimelinePreservesCommitOrder() {
	for i := 0; i < 5; i++ {
		s.log(session.EventTypeDataView, fmt.Sprintf("record.view.%d", i))
	}

	timeline, err := s.bridge.SessionTimeline(s.ctx, s.tenantID, s.sessionID, 10)
	s.Require().NoError(err)
	s.Require().Len(timeline, 5)
	for i, event := range timeline {
		s.Equal(fmt.Sprintf("record.view.%d", i), event.Action)
	}
}

func (s *BridgeSuite) TestClientContextParsed() {
	event := s.log(session.EventTypeNavigation, "page.view")

	s.Equal("Chrome", event.Client.Browser)
	s.Equal("Windows 10", event.Client.OS)
	s.False(event.Client.Mobile)
	s.False(event.Client.Bot)
}

func (s *BridgeSuite) TestValidation() {
	_, err := s.bridge.LogSessionEvent(s.ctx, s.tenantID, "", session.EventTypeNavigation,
		"page.view", audit.OutcomeSuccess, session.Input{})
	s.Require().ErrorIs(err, sentinel.ErrValidation)

	_, err = s.bridge.LogSessionEvent(s.ctx, s.tenantID, s.sessionID, "typo",
		"page.view", audit.OutcomeSuccess, session.Input{})
	s.Require().ErrorIs(err, sentinel.ErrValidation)

	_, err = s.bridge.LogSessionEvent(s.ctx, s.tenantID, s.sessionID, session.EventTypeNavigation,
		"", audit.OutcomeSuccess, session.Input{})
	s.Require().ErrorIs(err, sentinel.ErrValidation)
}

func (s *BridgeSuite) TestTimelinesAreSessionScoped() {
	s.log(session.EventTypeNavigation, "page.view")

	other, err := s.bridge.SessionTimeline(s.ctx, s.tenantID, uuid.NewString(), 10)
	s.Require().NoError(err)
	s.Empty(other)

	crossTenant, err := s.bridge.SessionTimeline(s.ctx, uuid.New(), s.sessionID, 10)
	s.Require().NoError(err)
	s.Empty(crossTenant)
}
