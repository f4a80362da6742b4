// Package status serves the operational HTTP surface of the daemon:
// health, live-call listing and Prometheus metrics.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/b24link/b24link/internal/call"
)

// CallLister provides the live-call snapshot for /calls.
type CallLister interface {
	Snapshot() []call.CallSummary
}

// LinkChecker reports the PBX link state for /healthz.
type LinkChecker interface {
	Connected() bool
}

// Server is the status HTTP handler.
type Server struct {
	router *chi.Mux
	calls  CallLister
	link   LinkChecker
	logger *slog.Logger
}

// NewServer mounts the status routes. The collector is registered on a
// private registry so the daemon's metrics are the only ones exposed.
func NewServer(calls CallLister, link LinkChecker, collector prometheus.Collector, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		calls:  calls,
		link:   link,
		logger: logger,
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/calls", s.handleCalls)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{"status": "ok", "ami_connected": true}
	if s.link != nil && !s.link.Connected() {
		// Degraded, not dead: the AMI client keeps reconnecting.
		body["status"] = "degraded"
		body["ami_connected"] = false
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	snapshot := s.calls.Snapshot()
	if snapshot == nil {
		snapshot = []call.CallSummary{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"count": len(snapshot),
		"calls": snapshot,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("status response write failed", "error", err)
	}
}
