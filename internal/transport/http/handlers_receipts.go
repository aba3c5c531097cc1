package httptransport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"custos/pkg/requestcontext"
)

type dispatchReceiptRequest struct {
	CommunicationRef string    `json:"communication_ref"`
	RecipientID      uuid.UUID `json:"recipient_id"`
	Content          string    `json:"content"`
}

func (h *Handler) handleDispatchReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req dispatchReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid request body"))
		return
	}

	conf, err := h.receipts.Dispatch(ctx, requestcontext.TenantID(ctx),
		req.CommunicationRef, requestcontext.ActorID(ctx), req.RecipientID,
		[]byte(req.Content))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conf)
}

func (h *Handler) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	receiptID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid receipt id"))
		return
	}

	conf, err := h.receipts.Find(ctx, requestcontext.TenantID(ctx), receiptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}

func (h *Handler) handleAckReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	receiptID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid receipt id"))
		return
	}

	conf, err := h.receipts.Acknowledge(ctx, requestcontext.TenantID(ctx), receiptID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conf)
}
