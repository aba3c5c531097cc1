package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custos/internal/audit"
	"custos/internal/reduction"
	"custos/pkg/requestcontext"
)

type requestReportRequest struct {
	From    time.Time   `json:"from"`
	To      time.Time   `json:"to"`
	Filters audit.Query `json:"filters"`
}

func (h *Handler) handleRequestReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req requestReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	requestedBy := requestcontext.ActorID(ctx)
	report, err := h.reports.RunReport(ctx, requestcontext.TenantID(ctx),
		req.Filters, req.From, req.To, &requestedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}

func (h *Handler) handleGetReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	reportID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid report id"))
		return
	}

	report, err := h.reports.Report(ctx, requestcontext.TenantID(ctx), reportID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleListPatterns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	patterns, err := h.reports.Patterns(ctx, requestcontext.TenantID(ctx), includeResolved,
		intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if patterns == nil {
		patterns = []reduction.Pattern{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"patterns": patterns, "count": len(patterns)})
}

func (h *Handler) handleAckPattern(w http.ResponseWriter, r *http.Request) {
	h.patternTriage(w, r, h.reports.AcknowledgePattern)
}

func (h *Handler) handleResolvePattern(w http.ResponseWriter, r *http.Request) {
	h.patternTriage(w, r, h.reports.ResolvePattern)
}

func (h *Handler) patternTriage(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, tenantID, id uuid.UUID) error) {
	ctx := r.Context()

	patternID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid pattern id"))
		return
	}
	if err := op(ctx, requestcontext.TenantID(ctx), patternID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
