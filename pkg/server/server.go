// Package server wires the HTTP API: job registry CRUD, manual triggers,
// run history, log snapshots and the live log stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketlens/core/internal/config"
	"github.com/marketlens/core/pkg/broadcast"
	"github.com/marketlens/core/pkg/handlers/health"
	"github.com/marketlens/core/pkg/handlers/jobs"
	"github.com/marketlens/core/pkg/handlers/runs"
	"github.com/marketlens/core/pkg/handlers/scripts"
	"github.com/marketlens/core/pkg/handlers/stats"
	"github.com/marketlens/core/pkg/ledger"
	"github.com/marketlens/core/pkg/logger"
	"github.com/marketlens/core/pkg/middleware"
	"github.com/marketlens/core/pkg/registry"
	"github.com/marketlens/core/pkg/scheduler"
	scriptstore "github.com/marketlens/core/pkg/scripts"
)

// Deps are the already-constructed collaborators the server exposes.
type Deps struct {
	Pool      *pgxpool.Pool
	Registry  *registry.Registry
	Ledger    *ledger.Ledger
	Scheduler *scheduler.Scheduler
	Streams   *broadcast.Broadcaster
	Scripts   *scriptstore.Store
}

// Server represents the API server
type Server struct {
	router   *http.ServeMux
	addr     string
	logger   *logger.Logger
	auth     func(http.HandlerFunc) http.HandlerFunc
	handlers struct {
		health  *health.Handler
		jobs    *jobs.Handler
		runs    *runs.Handler
		scripts *scripts.Handler
		stats   *stats.Handler
	}
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	server := &Server{
		router: http.NewServeMux(),
		addr:   fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		logger: log,
		auth:   middleware.APIKeyAuth(cfg.Server.APIKey, cfg.Server.AllowInsecure, log),
	}

	server.handlers.health = health.NewHandler(deps.Pool, deps.Scheduler, log)
	server.handlers.jobs = jobs.NewHandler(deps.Registry, deps.Ledger, deps.Scheduler, log)
	server.handlers.runs = runs.NewHandler(deps.Ledger, deps.Streams, deps.Scheduler, log)
	server.handlers.scripts = scripts.NewHandler(deps.Scripts, log)
	server.handlers.stats = stats.NewHandler(deps.Registry, deps.Ledger, deps.Scheduler, log)

	server.setupRoutes()
	return server
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	// Health check endpoint, unauthenticated for load balancer probes
	s.router.HandleFunc("GET /health", middleware.CORS(s.handlers.health.HealthCheck))

	// Job registry endpoints
	s.handle("GET /api/jobs", s.handlers.jobs.List)
	s.handle("POST /api/jobs", s.handlers.jobs.Upsert)
	s.handle("GET /api/jobs/{id}", s.handlers.jobs.Get)
	s.handle("PATCH /api/jobs/{id}", s.handlers.jobs.SetActive)
	s.handle("DELETE /api/jobs/{id}", s.handlers.jobs.Delete)
	s.handle("POST /api/jobs/{id}/run", s.handlers.jobs.Trigger)
	s.handle("GET /api/jobs/{id}/runs", s.handlers.jobs.Runs)

	// Run history and live log endpoints
	s.handle("GET /api/runs", s.handlers.runs.List)
	s.handle("GET /api/runs/{id}", s.handlers.runs.Get)
	s.handle("GET /api/runs/{id}/log", s.handlers.runs.Log)
	s.handle("GET /api/runs/{id}/stream", s.handlers.runs.Stream)
	s.handle("POST /api/runs/{id}/cancel", s.handlers.runs.Cancel)

	// Script inventory endpoints
	s.handle("GET /api/scripts", s.handlers.scripts.List)
	s.handle("POST /api/scripts", s.handlers.scripts.Upload)
	s.handle("GET /api/scripts/{name}", s.handlers.scripts.Get)

	// Dashboard endpoint
	s.handle("GET /api/stats", s.handlers.stats.Summary)
}

// handle registers an authenticated, CORS-wrapped route. The bare path
// is also registered for OPTIONS so preflights skip the API key check.
func (s *Server) handle(pattern string, handler http.HandlerFunc) {
	s.router.HandleFunc(pattern, middleware.CORS(s.auth(handler)))
}

// Run serves until the context is cancelled, then drains in-flight
// requests. WriteTimeout stays zero because the log stream endpoint
// holds its response open for the life of a run.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("action", "server_start").
			Str("addr", s.addr).
			Msg("Starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed on %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.logger.Info().
		Str("action", "server_shutdown").
		Msg("Draining API server")

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
