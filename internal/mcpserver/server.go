package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/server"

	"github.com/marketlens/core/pkg/logger"
)

// Server exposes the job tools over the streamable HTTP MCP transport.
type Server struct {
	router chi.Router
	addr   string
	logger *logger.Logger
}

// New creates and configures the MCP server.
func New(cfg *Config, log *logger.Logger) *Server {
	proxy := NewProxy(cfg)
	tools := BuildTools(proxy)

	mcpSrv := server.NewMCPServer(
		"marketlens-jobs",
		"1.0.0",
		server.WithInstructions("Market data loader job control: list jobs, inspect run history and logs, and trigger loads."),
	)
	mcpSrv.AddTools(tools...)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	router.Mount("/mcp", server.NewStreamableHTTPServer(mcpSrv,
		server.WithEndpointPath("/"),
	))

	log.Info().
		Str("action", "mcp_tools_mounted").
		Int("tools", len(tools)).
		Msg("Mounted MCP tool endpoint at /mcp")

	return &Server{
		router: router,
		addr:   cfg.Addr(),
		logger: log,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until the context is cancelled.
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
			Msg("Starting MCP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("mcp server failed on %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("mcp server shutdown: %w", err)
	}
	return nil
}
