package httpserver

import (
	"net/http"
	"time"
)

// New builds the HTTP server for the audit API. The write timeout leaves
// headroom for large event-list pages and report polling; slow-header
// clients are cut off early.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
