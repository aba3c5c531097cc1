package httptransport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custos/internal/platform/middleware"
)

// Routes wires the full HTTP surface. Everything under /v1 requires a
// bearer token; /metrics and /healthz stay open for the platform.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.ClientMetadata)
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/audit", func(r chi.Router) {
		r.Use(middleware.RequireAuth(h.validator, h.logger))

		r.Post("/events", h.handleSubmitEvent)
		r.Get("/events", h.handleListEvents)
		r.Get("/events/{id}", h.handleGetEvent)

		r.Post("/session-events", h.handleLogSessionEvent)
		r.Get("/sessions/{sid}/events", h.handleSessionTimeline)

		r.Get("/capacity", h.handleListSamples)
		r.Get("/failures", h.handleListFailures)
		r.Post("/failures/{id}/resolve", h.handleResolveFailure)

		r.Post("/signatures/{id}/verify", h.handleVerifySignature)
		r.Post("/signatures/{id}/revoke", h.handleRevokeSignature)
		r.Get("/resources/{type}/{id}/signatures", h.handleResourceSignatures)

		r.Post("/reports", h.handleRequestReport)
		r.Get("/reports/{id}", h.handleGetReport)
		r.Get("/patterns", h.handleListPatterns)
		r.Post("/patterns/{id}/ack", h.handleAckPattern)
		r.Post("/patterns/{id}/resolve", h.handleResolvePattern)

		r.Post("/receipts", h.handleDispatchReceipt)
		r.Get("/receipts/{id}", h.handleGetReceipt)
		r.Post("/receipts/{id}/ack", h.handleAckReceipt)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
