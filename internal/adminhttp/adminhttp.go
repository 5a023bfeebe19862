// Package adminhttp serves the proxy's own operator-facing status surface:
// a liveness probe, the Prometheus scrape endpoint, and a small JSON
// debug view of open sessions. None of this is part of the intercepted
// Majsoul traffic — it binds a separate, local-only port.
//
// Grounded on the teacher's cmd/api/main.go gorilla/mux router (route
// registration shape, /health handler) with the teacher's escrow/federation
// routes dropped and a Prometheus promhttp.Handler mounted in their place.
package adminhttp

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/majsoul/liqiproxy/internal/metrics"
)

// Server is the admin HTTP surface. It is independent of the MITM proxy
// listener and is safe to bind on loopback only.
type Server struct {
	router  *mux.Router
	version string
}

// New builds the router. version is the proxy's own build version, reported
// by /healthz; it is not the client's liqiVersion.
func New(version string) *Server {
	s := &Server{router: mux.NewRouter(), version: version}

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/sessions", s.handleDebugSessions).Methods(http.MethodGet)

	return s
}

// Handler returns the server's http.Handler for use with http.Server or
// httptest.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleDebugSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"active_sessions": metrics.ActiveSessionCount(),
	})
}
