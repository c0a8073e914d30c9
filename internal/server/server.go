// Package server provides the HTTP API of the monitoring daemon.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/HerbHall/vigil/internal/pipeline"
	"github.com/HerbHall/vigil/internal/version"
	"github.com/HerbHall/vigil/pkg/check"
)

// PluginSource lists registered plugin definitions.
// Defined here (consumer-side) rather than importing the concrete registry.
type PluginSource interface {
	All() iter.Seq[check.Definition]
}

// ResultSource serves the latest cycle report of each host.
type ResultSource interface {
	Get(host string) (*pipeline.CycleReport, bool)
	All() []*pipeline.CycleReport
}

// InventorySource serves stored service inventories.
type InventorySource interface {
	Load(ctx context.Context, host string) ([]check.DiscoveredService, error)
	Hosts(ctx context.Context) ([]string, error)
}

// RulesReloader re-reads the rule file.
type RulesReloader interface {
	Reload() error
}

// HostChecker runs an immediate cycle for the named host. It returns an
// error wrapping pipeline.ErrUnknownHost for hosts that are not monitored.
type HostChecker func(ctx context.Context, host string) (*pipeline.CycleReport, error)

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options wires the server to the monitoring core. Nil sources disable
// their routes.
type Options struct {
	Plugins   PluginSource
	Results   ResultSource
	Inventory InventorySource
	Rules     RulesReloader
	Check     HostChecker
	Ready     ReadinessChecker
	// Auth guards /api/ routes; nil disables authentication.
	Auth        Middleware
	ExtraRoutes []SimpleRouteRegistrar
}

// Server is the monitoring daemon's HTTP server.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a new Server with middleware and routes.
func New(cfg Config, opts Options, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		opts:   opts,
		logger: logger,
		mux:    mux,
	}

	s.registerRoutes()
	for _, r := range opts.ExtraRoutes {
		r.RegisterRoutes(mux)
	}

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/healthz", "/readyz", "/metrics"}),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
	}
	if cfg.RateLimitRPS > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst, cfg.TrustProxy))
	}
	if opts.Auth != nil {
		middlewares = append(middlewares, opts.Auth)
	}

	handler := Chain(mux, middlewares...)

	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: WebSocket streams are long-lived.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.opts.Plugins != nil {
		s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
	}
	if s.opts.Results != nil {
		s.mux.HandleFunc("GET /api/v1/results", s.handleResults)
		s.mux.HandleFunc("GET /api/v1/results/{host}", s.handleHostResults)
	}
	if s.opts.Inventory != nil {
		s.mux.HandleFunc("GET /api/v1/inventory", s.handleInventoryHosts)
		s.mux.HandleFunc("GET /api/v1/inventory/{host}", s.handleInventory)
	}
	if s.opts.Rules != nil {
		s.mux.HandleFunc("POST /api/v1/rules/reload", s.handleRulesReload)
	}
	if s.opts.Check != nil {
		s.mux.HandleFunc("POST /api/v1/hosts/{host}/check", s.handleCheckNow)
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
}

// handleHealth returns detailed health information (versioned API endpoint).
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "vigil",
		Version: version.Map(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
