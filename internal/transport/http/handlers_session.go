package httptransport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"custos/internal/audit"
	"custos/internal/session"
	"custos/pkg/requestcontext"
)

type sessionEventRequest struct {
	SessionID string            `json:"session_id"`
	Type      session.EventType `json:"type"`
	Action    string            `json:"action"`
	Outcome   audit.Outcome     `json:"outcome"`
	Duration  int64             `json:"duration_ms,omitempty"`
	Path      string            `json:"path,omitempty"`
}

func (h *Handler) handleLogSessionEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req sessionEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = requestcontext.SessionID(ctx)
	}
	actorID := requestcontext.ActorID(ctx)

	event, err := h.sessions.LogSessionEvent(ctx, requestcontext.TenantID(ctx), sessionID,
		req.Type, req.Action, req.Outcome, session.Input{
			ActorID:   &actorID,
			IP:        requestcontext.ClientIP(ctx),
			UserAgent: requestcontext.UserAgent(ctx),
			Path:      req.Path,
			Duration:  time.Duration(req.Duration) * time.Millisecond,
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) handleSessionTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	events, err := h.sessions.SessionTimeline(ctx, requestcontext.TenantID(ctx),
		chi.URLParam(r, "sid"), intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []session.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
