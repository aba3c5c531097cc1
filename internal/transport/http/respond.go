package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"custos/pkg/sentinel"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates the sentinel taxonomy into HTTP statuses. Client
// errors carry the message; server errors get a generic envelope so
// internals never leak.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sentinel.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, sentinel.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, sentinel.ErrInvalidState), errors.Is(err, sentinel.ErrImmutable):
		writeJSON(w, http.StatusConflict, errorBody(err.Error()))
	case errors.Is(err, sentinel.ErrVerificationMismatch):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody("verification mismatch"))
	case errors.Is(err, sentinel.ErrStoreUnavailable), errors.Is(err, sentinel.ErrSigningUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody("service temporarily unavailable"))
	case errors.Is(err, sentinel.ErrReportTimeout):
		writeJSON(w, http.StatusGatewayTimeout, errorBody("report generation timed out"))
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody("internal server error"))
	}
}

func errorBody(message string) map[string]string {
	return map[string]string{"error": message}
}
