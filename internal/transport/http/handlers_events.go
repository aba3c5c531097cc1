package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custos/internal/audit"
	"custos/pkg/requestcontext"
)

// submitEventRequest is the producer contract minus the fields the server
// owns: tenant comes from the token, client context from the request.
type submitEventRequest struct {
	Category     audit.Category    `json:"category"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Outcome      audit.Outcome     `json:"outcome"`
	Before       json.RawMessage   `json:"before,omitempty"`
	After        json.RawMessage   `json:"after,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ReasonCode   string            `json:"reason_code,omitempty"`
	Criticality  audit.Criticality `json:"criticality,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

func (h *Handler) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req submitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	actorID := requestcontext.ActorID(ctx)
	input := audit.Input{
		TenantID:       requestcontext.TenantID(ctx),
		ActorID:        &actorID,
		ActorEmail:     requestcontext.ActorEmail(ctx),
		ActorRole:      requestcontext.ActorRole(ctx),
		Category:       req.Category,
		Action:         req.Action,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Outcome:        req.Outcome,
		IP:             requestcontext.ClientIP(ctx),
		UserAgent:      requestcontext.UserAgent(ctx),
		SessionID:      requestcontext.SessionID(ctx),
		RequestPath:    r.Header.Get("X-Origin-Path"),
		Before:         req.Before,
		After:          req.After,
		Metadata:       req.Metadata,
		ReasonCode:     req.ReasonCode,
		Criticality:    req.Criticality,
		IdempotencyKey: req.IdempotencyKey,
	}

	eventID, err := h.ingest.Submit(ctx, input)
	if err != nil {
		h.logger.WarnContext(ctx, "event submission failed",
			"request_id", requestcontext.RequestID(ctx), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": eventID.String()})
}

func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	query, err := parseQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	events, err := h.query.List(ctx, requestcontext.TenantID(ctx), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	eventID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid event id"))
		return
	}

	event, err := h.query.FindByID(ctx, requestcontext.TenantID(ctx), eventID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// parseQuery maps the indexed query dimensions from URL parameters.
func parseQuery(r *http.Request) (audit.Query, error) {
	q := r.URL.Query()
	query := audit.Query{
		ResourceType: q.Get("resource_type"),
		ResourceID:   q.Get("resource_id"),
		Category:     audit.Category(q.Get("category")),
		Outcome:      audit.Outcome(q.Get("outcome")),
		IP:           q.Get("ip"),
		SessionID:    q.Get("session_id"),
		Action:       q.Get("action"),
		Limit:        intParam(q.Get("limit"), 100),
		Offset:       intParam(q.Get("offset"), 0),
	}
	if raw := q.Get("actor_id"); raw != "" {
		actorID, err := uuid.Parse(raw)
		if err != nil {
			return audit.Query{}, err
		}
		query.ActorID = &actorID
	}
	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, err
		}
		query.From = from
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Query{}, err
		}
		query.To = to
	}
	return query, nil
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
