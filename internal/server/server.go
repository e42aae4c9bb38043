// Package server exposes the client-facing HTTP API: record scans and
// actions, inspect and close sessions, verify chain integrity, compile
// reports, and pull chain/graph exports. Errors are RFC 7807 problem
// documents mapped from the core taxonomy.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agenttrail/internal/metrics"
	"agenttrail/internal/registry"
	"agenttrail/internal/report"
	"agenttrail/internal/store"
)

// Config wires the server's collaborators. Registry, Compiler and
// Store are required; Metrics, Gatherer and TraceMiddleware are
// optional.
type Config struct {
	Registry *registry.Registry
	Compiler *report.Compiler
	Store    store.Store

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	// TraceMiddleware, if set, wraps the API routes (not /metrics or
	// /healthz) with request tracing.
	TraceMiddleware func(http.Handler) http.Handler
}

// Server carries the handler dependencies.
type Server struct {
	registry *registry.Registry
	compiler *report.Compiler
	store    store.Store
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	tracing  func(http.Handler) http.Handler
}

// New builds the server.
func New(cfg Config) *Server {
	return &Server{
		registry: cfg.Registry,
		compiler: cfg.Compiler,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		gatherer: cfg.Gatherer,
		tracing:  cfg.TraceMiddleware,
	}
}

// Handler returns the fully routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/sessions/{id}/scans", s.recordScan)
	mux.HandleFunc("POST /v1/sessions/{id}/actions", s.recordAction)
	mux.HandleFunc("GET /v1/sessions", s.listSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", s.getSession)
	mux.HandleFunc("POST /v1/sessions/{id}/close", s.closeSession)
	mux.HandleFunc("GET /v1/sessions/{id}/verify", s.verifySession)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.listEvents)
	mux.HandleFunc("POST /v1/sessions/{id}/reports", s.generateReport)
	mux.HandleFunc("GET /v1/sessions/{id}/export/chain", s.exportChain)
	mux.HandleFunc("GET /v1/sessions/{id}/export/graph", s.exportGraph)
	mux.HandleFunc("GET /v1/reports", s.listReports)
	mux.HandleFunc("GET /v1/reports/{id}", s.getReport)

	var api http.Handler = mux
	if s.tracing != nil {
		api = s.tracing(api)
	}
	api = s.instrument(api)
	api = logRequests(api)

	root := http.NewServeMux()
	root.Handle("/v1/", api)
	root.HandleFunc("GET /healthz", s.health)
	if s.gatherer != nil {
		root.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return root
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
