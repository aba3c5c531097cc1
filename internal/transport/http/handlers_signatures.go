package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custos/internal/signature"
	"custos/pkg/requestcontext"
	"custos/pkg/sentinel"
)

func (h *Handler) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signatureID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid signature id"))
		return
	}

	result, err := h.signatures.Verify(ctx, requestcontext.TenantID(ctx), signatureID)
	if err != nil && !errors.Is(err, sentinel.ErrVerificationMismatch) {
		writeError(w, err)
		return
	}
	// A mismatch is a meaningful verification outcome, not a transport
	// failure: the caller gets the result with Valid false.
	writeJSON(w, http.StatusOK, result)
}

type revokeSignatureRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRevokeSignature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	signatureID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid signature id"))
		return
	}
	var req revokeSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}
	if req.Reason == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("reason is required"))
		return
	}

	rec, err := h.signatures.Revoke(ctx, requestcontext.TenantID(ctx), signatureID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	h.logger.WarnContext(ctx, "signature revoked via api",
		"request_id", requestcontext.RequestID(ctx),
		"signature_id", rec.ID, "actor_id", requestcontext.ActorID(ctx))
	writeJSON(w, http.StatusOK, signatureResponse(rec))
}

func (h *Handler) handleResourceSignatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	records, err := h.signatures.ByResource(ctx, requestcontext.TenantID(ctx),
		chi.URLParam(r, "type"), chi.URLParam(r, "id"),
		intParam(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, signatureResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"signatures": out, "count": len(out)})
}

// signatureResponse exposes the attestation without the raw signature
// bytes; verification happens server-side against the key provider.
func signatureResponse(rec signature.Record) map[string]any {
	return map[string]any{
		"id":            rec.ID,
		"event_id":      rec.EventID,
		"resource_type": rec.ResourceType,
		"resource_id":   rec.ResourceID,
		"action":        rec.Action,
		"criticality":   rec.Criticality,
		"content_hash":  rec.ContentHash,
		"algorithm":     rec.Algorithm,
		"key_id":        rec.KeyID,
		"signer_id":     rec.SignerID,
		"state":         rec.State,
		"created_at":    rec.CreatedAt,
	}
}
