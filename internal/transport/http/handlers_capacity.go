package httptransport

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custos/internal/capacity"
	"custos/pkg/requestcontext"
)

func (h *Handler) handleListSamples(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	to := time.Now().UTC()
	if raw := q.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid to timestamp"))
			return
		}
		to = parsed
	}
	from := to.Add(-24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid from timestamp"))
			return
		}
		from = parsed
	}

	samples, err := h.capacity.Samples(ctx, from, to,
		intParam(q.Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if samples == nil {
		samples = []capacity.Sample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples, "count": len(samples)})
}

func (h *Handler) handleListFailures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	includeResolved := r.URL.Query().Get("include_resolved") == "true"
	failures, err := h.capacity.Failures(ctx, requestcontext.TenantID(ctx), includeResolved,
		intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if failures == nil {
		failures = []capacity.FailureResponse{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures, "count": len(failures)})
}

type resolveFailureRequest struct {
	Notes string `json:"notes,omitempty"`
}

func (h *Handler) handleResolveFailure(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	failureID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid failure id"))
		return
	}
	var req resolveFailureRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
			return
		}
	}

	resolved, err := h.capacity.Resolve(ctx, requestcontext.TenantID(ctx), failureID, req.Notes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
