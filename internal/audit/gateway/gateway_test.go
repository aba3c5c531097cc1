package gateway_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custos/internal/audit"
	"custos/internal/audit/gateway"
	auditmem "custos/internal/audit/store/memory"
	"custos/pkg/sentinel"
)

// recordingReporter captures failure escalations.
type recordingReporter struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingReporter) ReportFailure(_ context.Context, _ uuid.UUID, kind, _, _ string, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind)
}

func (r *recordingReporter) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// recordingMirror captures mirrored events.
type recordingMirror struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *recordingMirror) Mirror(_ context.Context, event audit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// recordingSigner captures signing requests from the gateway.
type recordingSigner struct {
	mu    sync.Mutex
	calls []audit.Criticality
	fail  bool
}

func (r *recordingSigner) SignEvent(_ context.Context, _, _, _ uuid.UUID, _ string, criticality audit.Criticality) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return sentinel.ErrSigningUnavailable
	}
	r.calls = append(r.calls, criticality)
	return nil
}

func (r *recordingSigner) criticalities() []audit.Criticality {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Criticality(nil), r.calls...)
}

type GatewaySuite struct {
	suite.Suite

	ctx      context.Context
	tenantID uuid.UUID
	actorID  uuid.UUID
	store    *auditmem.Store
	reporter *recordingReporter
	mirror   *recordingMirror
	gw       *gateway.Gateway
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	s.ctx = context.Background()
	s.tenantID = uuid.New()
	s.actorID = uuid.New()
	s.store = auditmem.New()
	s.reporter = &recordingReporter{}
	s.mirror = &recordingMirror{}
	s.gw = gateway.New(s.store,
		gateway.WithFailureReporter(s.reporter),
		gateway.WithMirror(s.mirror),
		gateway.WithMaxRetries(0),
	)
}

func (s *GatewaySuite) input(action string) audit.Input {
	return audit.Input{
		TenantID: s.tenantID,
		ActorID:  &s.actorID,
		Category: audit.CategoryDataAccess,
		Action:   action,
		Outcome:  audit.OutcomeSuccess,
	}
}

func (s *GatewaySuite) TestSubmitCommitsChainedEvents() {
	firstID, err := s.gw.Submit(s.ctx, s.input("record.view"))
	s.Require().NoError(err)
	secondID, err := s.gw.Submit(s.ctx, s.input("record.export"))
	s.Require().NoError(err)

	first, err := s.store.FindByID(s.ctx, s.tenantID, firstID)
	s.Require().NoError(err)
	second, err := s.store.FindByID(s.ctx, s.tenantID, secondID)
	s.Require().NoError(err)

	// Genesis link is empty; each subsequent event links the prior head.
	s.Empty(first.PrevHash)
	s.Equal(first.ComputeContentHash(), first.ContentHash)
	s.Equal(audit.ChainHash(first.PrevHash, first.ContentHash), second.PrevHash)
	s.False(second.Timestamp.Before(first.Timestamp))
}

func (s *GatewaySuite) TestValidationRejectsBeforeAnyWrite() {
	cases := []audit.Input{
		{}, // everything missing
		{TenantID: s.tenantID, Category: "typo", Action: "x", Outcome: audit.OutcomeSuccess},
		{TenantID: s.tenantID, Category: audit.CategoryDataAccess, Action: "x", Outcome: "maybe"},
		{TenantID: s.tenantID, Category: audit.CategoryDataAccess, Action: "x",
			Outcome: audit.OutcomeSuccess, Criticality: "urgent"},
		{TenantID: s.tenantID, Category: audit.CategoryDataAccess, Action: "x",
			Outcome: audit.OutcomeSuccess, IP: "not-an-ip"},
	}
	for _, input := range cases {
		_, err := s.gw.Submit(s.ctx, input)
		s.Require().ErrorIs(err, sentinel.ErrValidation)
	}

	events, err := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(err)
	s.Empty(events)
}

func (s *GatewaySuite) TestIdempotentReplayDoesNotAdvanceChain() {
	input := s.input("consent.grant")
	input.IdempotencyKey = "consent-grant-42"

	firstID, err := s.gw.Submit(s.ctx, input)
	s.Require().NoError(err)
	replayID, err := s.gw.Submit(s.ctx, input)
	s.Require().NoError(err)
	s.Equal(firstID, replayID)

	// The next fresh event must link the original commit, not the replay.
	nextID, err := s.gw.Submit(s.ctx, s.input("record.view"))
	s.Require().NoError(err)

	first, err := s.store.FindByID(s.ctx, s.tenantID, firstID)
	s.Require().NoError(err)
	next, err := s.store.FindByID(s.ctx, s.tenantID, nextID)
	s.Require().NoError(err)
	s.Equal(audit.ChainHash(first.PrevHash, first.ContentHash), next.PrevHash)

	events, err := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *GatewaySuite) TestConcurrentSubmitsFormOneValidChain() {
	const n = 1000
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := s.gw.Submit(s.ctx, s.input(fmt.Sprintf("record.view.%d", i)))
			s.NoError(err)
		}(i)
	}
	wg.Wait()

	events, err := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: n})
	s.Require().NoError(err)
	s.Require().Len(events, n)

	s.Empty(events[0].PrevHash)
	for i, event := range events {
		s.Equal(event.ComputeContentHash(), event.ContentHash)
		if i > 0 {
			prev := events[i-1]
			s.Equal(audit.ChainHash(prev.PrevHash, prev.ContentHash), event.PrevHash)
			s.False(event.Timestamp.Before(prev.Timestamp))
		}
	}
}

func (s *GatewaySuite) TestTenantChainsAreIndependent() {
	otherTenant := uuid.New()
	firstID, err := s.gw.Submit(s.ctx, s.input("record.view"))
	s.Require().NoError(err)

	input := s.input("record.view")
	input.TenantID = otherTenant
	otherID, err := s.gw.Submit(s.ctx, input)
	s.Require().NoError(err)

	other, err := s.store.FindByID(s.ctx, otherTenant, otherID)
	s.Require().NoError(err)
	s.Empty(other.PrevHash, "a tenant's first event is its own genesis")
	s.NotEqual(firstID, otherID)
}

func (s *GatewaySuite) TestStoreFailureIsExplicitAndEscalated() {
	s.store.SetFailing(true)

	_, err := s.gw.Submit(s.ctx, s.input("record.view"))
	s.Require().ErrorIs(err, sentinel.ErrStoreUnavailable)
	s.Equal([]string{"write_failure"}, s.reporter.kinds())
}

func (s *GatewaySuite) TestSystemEventsBufferDuringOutageAndFlush() {
	// Commit one event first so the chain head is cached before the outage.
	_, err := s.gw.Submit(s.ctx, s.input("record.view"))
	s.Require().NoError(err)

	s.store.SetFailing(true)

	input := audit.Input{
		TenantID: s.tenantID,
		Category: audit.CategorySystemEvent,
		Action:   "audit.store.unavailable",
		Outcome:  audit.OutcomeFailure,
	}
	bufferedID, err := s.gw.Submit(s.ctx, input)
	s.Require().NoError(err, "the outage record itself must be accepted")
	s.NotEqual(uuid.Nil, bufferedID)
	s.Equal(1, s.gw.BufferedCount())

	// Ordinary events are still refused while the store is down.
	_, err = s.gw.Submit(s.ctx, s.input("record.export"))
	s.Require().ErrorIs(err, sentinel.ErrStoreUnavailable)

	s.store.SetFailing(false)
	recovered, err := s.gw.FlushBuffered(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, recovered)
	s.Equal(0, s.gw.BufferedCount())

	flushed, err := s.store.FindByID(s.ctx, s.tenantID, bufferedID)
	s.Require().NoError(err)
	s.Equal("audit.store.unavailable", flushed.Action)
}

func (s *GatewaySuite) TestCircuitBreakerRefusesWhileOpen() {
	gw := gateway.New(s.store,
		gateway.WithMaxRetries(0),
		gateway.WithCircuitBreaker(gateway.NewCircuitBreaker(1, time.Hour)),
	)

	s.store.SetFailing(true)
	_, err := gw.Submit(s.ctx, s.input("record.view"))
	s.Require().ErrorIs(err, sentinel.ErrStoreUnavailable)

	// The store recovers, but the breaker stays open for its cooldown and
	// refuses up front.
	s.store.SetFailing(false)
	_, err = gw.Submit(s.ctx, s.input("record.view"))
	s.Require().ErrorIs(err, sentinel.ErrStoreUnavailable)

	events, listErr := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(listErr)
	s.Empty(events)
}

func (s *GatewaySuite) TestMirrorSeesFreshCommitsOnly() {
	input := s.input("record.view")
	input.IdempotencyKey = "view-once"

	_, err := s.gw.Submit(s.ctx, input)
	s.Require().NoError(err)
	_, err = s.gw.Submit(s.ctx, input)
	s.Require().NoError(err)

	s.Equal(1, s.mirror.count(), "an idempotent replay is not re-mirrored")
}

func (s *GatewaySuite) TestHighAndCriticalSubmissionsAreSigned() {
	signer := &recordingSigner{}
	gw := gateway.New(s.store,
		gateway.WithMaxRetries(0),
		gateway.WithSigner(signer),
	)

	_, err := gw.Submit(s.ctx, s.input("record.view"))
	s.Require().NoError(err)

	high := s.input("record.export")
	high.Criticality = audit.CriticalityHigh
	_, err = gw.Submit(s.ctx, high)
	s.Require().NoError(err)

	critical := s.input("record.purge")
	critical.Criticality = audit.CriticalityCritical
	_, err = gw.Submit(s.ctx, critical)
	s.Require().NoError(err)

	s.Equal([]audit.Criticality{audit.CriticalityHigh, audit.CriticalityCritical},
		signer.criticalities(), "routine events are never signed")
}

func (s *GatewaySuite) TestSigningFailureFailsTheCallerButKeepsTheEvent() {
	signer := &recordingSigner{fail: true}
	gw := gateway.New(s.store,
		gateway.WithMaxRetries(0),
		gateway.WithSigner(signer),
	)

	critical := s.input("record.purge")
	critical.Criticality = audit.CriticalityCritical
	_, err := gw.Submit(s.ctx, critical)
	s.Require().ErrorIs(err, sentinel.ErrSigningUnavailable)

	// The commit itself is never rolled back: the trail records that the
	// action was attempted even when its signature could not be produced.
	events, listErr := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(listErr)
	s.Require().Len(events, 1)
	s.Equal("record.purge", events[0].Action)
}

func (s *GatewaySuite) TestIdempotentReplayIsNotReSigned() {
	signer := &recordingSigner{}
	gw := gateway.New(s.store,
		gateway.WithMaxRetries(0),
		gateway.WithSigner(signer),
	)

	critical := s.input("record.purge")
	critical.Criticality = audit.CriticalityCritical
	critical.IdempotencyKey = "purge-once"

	_, err := gw.Submit(s.ctx, critical)
	s.Require().NoError(err)
	_, err = gw.Submit(s.ctx, critical)
	s.Require().NoError(err)

	s.Len(signer.criticalities(), 1)
}

func (s *GatewaySuite) TestFlushedEventsRejoinTheChain() {
	_, err := s.gw.Submit(s.ctx, s.input("record.view"))
	s.Require().NoError(err)

	s.store.SetFailing(true)
	_, err = s.gw.Submit(s.ctx, audit.Input{
		TenantID: s.tenantID,
		Category: audit.CategorySystemEvent,
		Action:   "audit.store.unavailable",
		Outcome:  audit.OutcomeFailure,
	})
	s.Require().NoError(err)

	s.store.SetFailing(false)
	recovered, err := s.gw.FlushBuffered(s.ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, recovered)

	_, err = s.gw.Submit(s.ctx, s.input("record.export"))
	s.Require().NoError(err)

	// The flushed event must link onto the pre-outage head, and the next
	// ordinary event onto the flushed one: one unbroken chain end to end.
	events, err := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Empty(events[0].PrevHash)
	for i, event := range events {
		s.Equal(event.ComputeContentHash(), event.ContentHash)
		if i > 0 {
			prev := events[i-1]
			s.Equal(audit.ChainHash(prev.PrevHash, prev.ContentHash), event.PrevHash)
			s.False(event.Timestamp.Before(prev.Timestamp))
		}
	}
}
