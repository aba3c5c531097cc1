package httptransport_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"custos/internal/alert"
	"custos/internal/audit"
	"custos/internal/audit/gateway"
	auditmem "custos/internal/audit/store/memory"
	"custos/internal/capacity"
	capmem "custos/internal/capacity/store/memory"
	"custos/internal/platform/middleware"
	"custos/internal/receipt"
	recmem "custos/internal/receipt/store/memory"
	"custos/internal/reduction"
	redmem "custos/internal/reduction/store/memory"
	"custos/internal/session"
	"custos/internal/signature"
	"custos/internal/signature/keyprovider"
	sigmem "custos/internal/signature/store/memory"
	httptransport "custos/internal/transport/http"
)

// HandlerSuite wires the full service graph over in-memory stores and
// exercises it through the real router, auth middleware included.
type HandlerSuite struct {
	suite.Suite

	server    *httptest.Server
	validator *middleware.HMACValidator
	events    *auditmem.Store
	signer    *signature.Signer
	monitor   *capacity.Monitor

	tenantID uuid.UUID
	actorID  uuid.UUID
	token    string
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	s.events = auditmem.New()

	provider, err := keyprovider.NewLocal()
	s.Require().NoError(err)
	s.signer = signature.New(sigmem.New(), s.events, provider, signature.WithLogger(log))

	gw := gateway.New(s.events,
		gateway.WithLogger(log),
		gateway.WithSigner(s.signer))

	s.monitor = capacity.NewMonitor(capmem.New(), s.events, gw,
		alert.NewSlogNotifier(log), log, nil, capacity.Config{CapacityBytes: 1 << 30})

	engine := reduction.New(s.events, redmem.New(), reduction.DefaultDefinitions(),
		reduction.WithLogger(log))

	tracker := receipt.New(recmem.New(),
		receipt.WithLogger(log),
		receipt.WithSubmitter(gw),
		receipt.WithReceiptSigner(s.signer))

	bridge := session.New(session.NewMemoryTimeline(), gw, session.WithLogger(log))

	s.validator = middleware.NewHMACValidator("test-secret")
	handler := httptransport.New(log, s.validator, gw, s.events, bridge, s.monitor,
		s.signer, engine, tracker)
	s.server = httptest.NewServer(handler.Routes())

	s.tenantID = uuid.New()
	s.actorID = uuid.New()
	s.token = s.issueToken(s.tenantID, s.actorID)
}

func (s *HandlerSuite) TearDownTest() {
	s.server.Close()
}

func (s *HandlerSuite) issueToken(tenantID, actorID uuid.UUID) string {
	token, err := s.validator.IssueToken(middleware.Claims{
		TenantID:   tenantID,
		ActorID:    actorID,
		ActorEmail: "auditor@example.com",
		ActorRole:  "compliance_officer",
		SessionID:  "sess-01",
	}, time.Hour)
	s.Require().NoError(err)
	return token
}

// do sends a request with the given bearer token and decodes the JSON
// response into a generic map.
func (s *HandlerSuite) do(method, path, token string, body any) (int, map[string]any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	if len(raw) > 0 {
		s.Require().NoError(json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

func (s *HandlerSuite) submitEvent(action string) uuid.UUID {
	status, body := s.do(http.MethodPost, "/v1/audit/events", s.token, map[string]any{
		"category": "data_access",
		"action":   action,
		"outcome":  "success",
	})
	s.Require().Equal(http.StatusCreated, status)
	eventID, err := uuid.Parse(body["event_id"].(string))
	s.Require().NoError(err)
	return eventID
}

func (s *HandlerSuite) TestHealthIsPublic() {
	resp, err := s.server.Client().Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerSuite) TestMissingTokenRejected() {
	status, body := s.do(http.MethodGet, "/v1/audit/events", "", nil)
	s.Equal(http.StatusUnauthorized, status)
	s.Equal("unauthorized", body["error"])
}

func (s *HandlerSuite) TestGarbageTokenRejected() {
	status, _ := s.do(http.MethodGet, "/v1/audit/events", "not-a-jwt", nil)
	s.Equal(http.StatusUnauthorized, status)
}

func (s *HandlerSuite) TestSubmitAndQueryRoundtrip() {
	eventID := s.submitEvent("record.export")

	status, body := s.do(http.MethodGet, "/v1/audit/events/"+eventID.String(), s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("record.export", body["action"])
	s.Equal(s.tenantID.String(), body["tenant_id"])
	s.Equal(s.actorID.String(), body["actor_id"])
	s.NotEmpty(body["content_hash"])

	status, body = s.do(http.MethodGet, "/v1/audit/events?action=record.export", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(float64(1), body["count"])
}

func (s *HandlerSuite) TestInvalidEventRejected() {
	status, _ := s.do(http.MethodPost, "/v1/audit/events", s.token, map[string]any{
		"category": "not-a-category",
		"action":   "x",
		"outcome":  "success",
	})
	s.Equal(http.StatusBadRequest, status)
}

func (s *HandlerSuite) TestCrossTenantLookupIsNotFound() {
	eventID := s.submitEvent("record.export")

	foreign := s.issueToken(uuid.New(), uuid.New())
	status, _ := s.do(http.MethodGet, "/v1/audit/events/"+eventID.String(), foreign, nil)
	s.Equal(http.StatusNotFound, status)

	status, body := s.do(http.MethodGet, "/v1/audit/events", foreign, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(float64(0), body["count"])
}

func (s *HandlerSuite) TestSessionEventAndTimeline() {
	status, body := s.do(http.MethodPost, "/v1/audit/session-events", s.token, map[string]any{
		"session_id": "sess-01",
		"type":       "navigation",
		"action":     "page.view",
		"outcome":    "success",
		"path":       "/records/42",
	})
	s.Require().Equal(http.StatusCreated, status)
	s.Equal("page.view", body["action"])

	status, body = s.do(http.MethodGet, "/v1/audit/sessions/sess-01/events", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(float64(1), body["count"])
}

func (s *HandlerSuite) TestSessionIDFallsBackToToken() {
	// No session_id in the body: the sid claim fills it.
	status, body := s.do(http.MethodPost, "/v1/audit/session-events", s.token, map[string]any{
		"type":    "heartbeat",
		"action":  "session.alive",
		"outcome": "success",
	})
	s.Require().Equal(http.StatusCreated, status)
	s.Equal("sess-01", body["session_id"])
}

func (s *HandlerSuite) TestReceiptLifecycle() {
	status, body := s.do(http.MethodPost, "/v1/audit/receipts", s.token, map[string]any{
		"communication_ref": "notice-2026-081",
		"recipient_id":      uuid.NewString(),
		"content":           "Your records were amended.",
	})
	s.Require().Equal(http.StatusCreated, status)
	s.Equal("pending", body["state"])
	receiptID := body["id"].(string)

	status, body = s.do(http.MethodPost, "/v1/audit/receipts/"+receiptID+"/ack", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("acknowledged", body["state"])
	s.NotEmpty(body["receipt_hash"])
	// The tracker has a signer wired, so acknowledgement carried a signed
	// receipt.
	s.NotEmpty(body["signature_id"])

	status, body = s.do(http.MethodGet, "/v1/audit/receipts/"+receiptID, s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal("acknowledged", body["state"])

	// Acknowledged is final.
	status, _ = s.do(http.MethodPost, "/v1/audit/receipts/"+receiptID+"/ack", s.token, nil)
	s.Equal(http.StatusConflict, status)
}

func (s *HandlerSuite) TestSignatureVerifyRevoke() {
	eventID := s.submitEvent("consent.withdraw")

	// Signing happens server-side at commit time; seed one record directly.
	rec, err := s.signer.Sign(context.Background(), s.tenantID, eventID, s.actorID,
		"consent.withdraw", audit.CriticalityCritical)
	s.Require().NoError(err)

	status, body := s.do(http.MethodPost,
		"/v1/audit/signatures/"+rec.ID.String()+"/verify", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(true, body["valid"])
	s.Equal("verified", body["state"])
	s.Equal(rec.KeyID, body["key_id"])

	status, body = s.do(http.MethodPost,
		"/v1/audit/signatures/"+rec.ID.String()+"/revoke", s.token,
		map[string]any{"reason": "key compromise drill"})
	s.Require().Equal(http.StatusOK, status)
	s.Equal("revoked", body["state"])

	// A revoked signature still verifies to a definitive "not valid".
	status, body = s.do(http.MethodPost,
		"/v1/audit/signatures/"+rec.ID.String()+"/verify", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(false, body["valid"])

	// Revoking twice is a state conflict.
	status, _ = s.do(http.MethodPost,
		"/v1/audit/signatures/"+rec.ID.String()+"/revoke", s.token,
		map[string]any{"reason": "again"})
	s.Equal(http.StatusConflict, status)
}

func (s *HandlerSuite) TestResourceSignatures() {
	eventID := s.submitEvent("record.amend")
	_, err := s.signer.Sign(context.Background(), s.tenantID, eventID, s.actorID,
		"record.amend", audit.CriticalityHigh)
	s.Require().NoError(err)

	status, body := s.do(http.MethodGet,
		"/v1/audit/resources/audit_event/"+eventID.String()+"/signatures", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(float64(1), body["count"])
	first := body["signatures"].([]any)[0].(map[string]any)
	s.Nil(first["signature"]) // raw bytes never leave the service
	s.Equal(eventID.String(), first["event_id"])
}

func (s *HandlerSuite) TestReportRequestAndPoll() {
	s.submitEvent("record.export")

	status, body := s.do(http.MethodPost, "/v1/audit/reports", s.token, map[string]any{
		"from": time.Now().Add(-time.Hour).Format(time.RFC3339),
		"to":   time.Now().Add(time.Hour).Format(time.RFC3339),
	})
	s.Require().Equal(http.StatusAccepted, status)
	s.Equal("pending", body["status"])
	reportID := body["id"].(string)

	s.Require().Eventually(func() bool {
		status, body = s.do(http.MethodGet, "/v1/audit/reports/"+reportID, s.token, nil)
		return status == http.StatusOK && body["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)

	stats := body["stats"].(map[string]any)
	s.Equal(float64(1), stats["total_events"])
}

func (s *HandlerSuite) TestPatternTriageUnknownIsNotFound() {
	status, _ := s.do(http.MethodPost,
		"/v1/audit/patterns/"+uuid.NewString()+"/ack", s.token, nil)
	s.Equal(http.StatusNotFound, status)
}

func (s *HandlerSuite) TestCapacityEndpoints() {
	status, _ := s.do(http.MethodPost,
		"/v1/audit/failures/"+uuid.NewString()+"/resolve", s.token, nil)
	s.Equal(http.StatusNotFound, status)

	// Samples are deployment-level: one taken by the monitor is visible to
	// every authenticated tenant.
	_, err := s.monitor.Sample(context.Background())
	s.Require().NoError(err)

	status, body := s.do(http.MethodGet, "/v1/audit/capacity", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(float64(1), body["count"])
}

func (s *HandlerSuite) TestDeploymentFailureListedAndResolvable() {
	// Infrastructure failures carry no tenant; they surface in every
	// tenant's failure listing and any operator can resolve them.
	s.monitor.ReportFailure(context.Background(), uuid.Nil,
		"write_failure", "critical", "primary store rejecting writes", nil)

	status, body := s.do(http.MethodGet, "/v1/audit/failures", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Require().Equal(float64(1), body["count"])
	failure := body["failures"].([]any)[0].(map[string]any)
	s.Equal("write_failure", failure["kind"])

	status, body = s.do(http.MethodPost,
		"/v1/audit/failures/"+failure["id"].(string)+"/resolve", s.token,
		map[string]any{"notes": "storage failover completed"})
	s.Require().Equal(http.StatusOK, status)
	s.Equal(true, body["resolved"])
}

func (s *HandlerSuite) TestCriticalEventSignedAtIngest() {
	status, body := s.do(http.MethodPost, "/v1/audit/events", s.token, map[string]any{
		"category":    "data_access",
		"action":      "record.purge",
		"outcome":     "success",
		"criticality": "critical",
	})
	s.Require().Equal(http.StatusCreated, status)
	eventID := body["event_id"].(string)

	status, body = s.do(http.MethodGet,
		"/v1/audit/resources/audit_event/"+eventID+"/signatures", s.token, nil)
	s.Require().Equal(http.StatusOK, status)
	s.Equal(float64(1), body["count"])
}

func (s *HandlerSuite) TestRequestIDEchoed() {
	req, err := http.NewRequest(http.MethodGet, s.server.URL+"/healthz", nil)
	s.Require().NoError(err)
	req.Header.Set("X-Request-ID", "req-12345")

	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal("req-12345", resp.Header.Get("X-Request-ID"))
}
