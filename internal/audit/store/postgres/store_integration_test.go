//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/suite"

	"custos/internal/audit"
	"custos/internal/audit/store/postgres"
	"custos/pkg/testutil/containers"
)

type StoreIntegrationSuite struct {
	suite.Suite

	ctx       context.Context
	container *containers.PostgresContainer
	store     *postgres.Store
	tenantID  uuid.UUID
}

func TestStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, &StoreIntegrationSuite{
		container: containers.NewPostgresContainer(t, "../../../../migrations"),
	})
}

func (s *StoreIntegrationSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = postgres.New(s.container.DB)
	s.tenantID = uuid.New()
	s.Require().NoError(s.container.Truncate(s.ctx, "audit_events"))
}

func (s *StoreIntegrationSuite) event(action string) audit.Event {
	actorID := uuid.New()
	event := audit.Event{
		ID:        uuid.New(),
		TenantID:  s.tenantID,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		ActorID:   &actorID,
		Category:  audit.CategoryDataAccess,
		Action:    action,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]string{"origin": "integration"},
		Before:    []byte(`{"status":"active"}`),
		After:     []byte(`{"status":"archived"}`),
	}
	event.ContentHash = event.ComputeContentHash()
	return event
}

func (s *StoreIntegrationSuite) TestAppendAndReadBack() {
	event := s.event("record.archive")
	id, err := s.store.Append(s.ctx, event)
	s.Require().NoError(err)
	s.Equal(event.ID, id)

	got, err := s.store.FindByID(s.ctx, s.tenantID, event.ID)
	s.Require().NoError(err)
	s.Equal(event.Action, got.Action)
	s.Equal(event.ContentHash, got.ContentHash)
	s.Equal(event.Metadata, got.Metadata)
	s.JSONEq(string(event.Before), string(got.Before))
	s.Require().NotNil(got.ActorID)
	s.Equal(*event.ActorID, *got.ActorID)

	// Rehash from the persisted row: the roundtrip must not perturb any
	// hashed field.
	s.Equal(event.ContentHash, got.ComputeContentHash())
}

func (s *StoreIntegrationSuite) TestUpdateRejectedByTrigger() {
	event := s.event("record.view")
	_, err := s.store.Append(s.ctx, event)
	s.Require().NoError(err)

	_, err = s.container.DB.ExecContext(s.ctx,
		`UPDATE audit_events SET action = 'record.rewritten' WHERE id = $1`, event.ID)
	s.Require().Error(err)

	var pqErr *pq.Error
	s.Require().True(errors.As(err, &pqErr))
	s.Equal("P0001", string(pqErr.Code))

	got, err := s.store.FindByID(s.ctx, s.tenantID, event.ID)
	s.Require().NoError(err)
	s.Equal("record.view", got.Action)
}

func (s *StoreIntegrationSuite) TestDeleteRejectedByTrigger() {
	event := s.event("record.view")
	_, err := s.store.Append(s.ctx, event)
	s.Require().NoError(err)

	_, err = s.container.DB.ExecContext(s.ctx,
		`DELETE FROM audit_events WHERE id = $1`, event.ID)
	s.Require().Error(err)

	var pqErr *pq.Error
	s.Require().True(errors.As(err, &pqErr))
	s.Equal("P0001", string(pqErr.Code))
}

func (s *StoreIntegrationSuite) TestIdempotencyCollapsesReplay() {
	event := s.event("consent.grant")
	event.IdempotencyKey = "consent-grant-7"
	_, err := s.store.Append(s.ctx, event)
	s.Require().NoError(err)

	replay := s.event("consent.grant")
	replay.IdempotencyKey = "consent-grant-7"
	priorID, err := s.store.Append(s.ctx, replay)
	s.Require().NoError(err)
	s.Equal(event.ID, priorID, "replay must surface the original id")

	events, err := s.store.List(s.ctx, s.tenantID, audit.Query{Limit: 10})
	s.Require().NoError(err)
	s.Len(events, 1)

	// The same key under another tenant is a distinct logical action.
	foreign := s.event("consent.grant")
	foreign.TenantID = uuid.New()
	foreign.IdempotencyKey = "consent-grant-7"
	id, err := s.store.Append(s.ctx, foreign)
	s.Require().NoError(err)
	s.Equal(foreign.ID, id)
}

func (s *StoreIntegrationSuite) TestChainHeadAdvances() {
	head, lastTS, err := s.store.ChainHead(s.ctx, s.tenantID)
	s.Require().NoError(err)
	s.Empty(head)
	s.True(lastTS.IsZero())

	first := s.event("record.view")
	_, err = s.store.Append(s.ctx, first)
	s.Require().NoError(err)

	head, lastTS, err = s.store.ChainHead(s.ctx, s.tenantID)
	s.Require().NoError(err)
	s.Equal(audit.ChainHash(first.PrevHash, first.ContentHash), head)
	s.True(first.Timestamp.Equal(lastTS))

	second := s.event("record.export")
	second.Timestamp = first.Timestamp.Add(time.Millisecond)
	second.PrevHash = head
	second.ContentHash = second.ComputeContentHash()
	_, err = s.store.Append(s.ctx, second)
	s.Require().NoError(err)

	head, _, err = s.store.ChainHead(s.ctx, s.tenantID)
	s.Require().NoError(err)
	s.Equal(audit.ChainHash(second.PrevHash, second.ContentHash), head)
}

func (s *StoreIntegrationSuite) TestListFilters() {
	actorID := uuid.New()
	for i, action := range []string{"login", "login", "record.view"} {
		event := s.event(action)
		event.Timestamp = event.Timestamp.Add(time.Duration(i) * time.Millisecond)
		if action == "login" {
			event.Category = audit.CategoryAuthentication
			event.Outcome = audit.OutcomeFailure
			event.ActorID = &actorID
			event.IP = "198.51.100.9"
		}
		event.ContentHash = event.ComputeContentHash()
		_, err := s.store.Append(s.ctx, event)
		s.Require().NoError(err)
	}

	failures, err := s.store.List(s.ctx, s.tenantID, audit.Query{
		Category: audit.CategoryAuthentication,
		Outcome:  audit.OutcomeFailure,
		ActorID:  &actorID,
		IP:       "198.51.100.9",
		Limit:    10,
	})
	s.Require().NoError(err)
	s.Len(failures, 2)

	none, err := s.store.List(s.ctx, uuid.New(), audit.Query{Limit: 10})
	s.Require().NoError(err)
	s.Empty(none)
}

func (s *StoreIntegrationSuite) TestStats() {
	for i := 0; i < 3; i++ {
		_, err := s.store.Append(s.ctx, s.event("record.view"))
		s.Require().NoError(err)
	}

	stats, err := s.store.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), stats.TotalEvents)
	s.Equal(int64(3), stats.EventsLastMin)
	s.Positive(stats.StorageBytes)
}
