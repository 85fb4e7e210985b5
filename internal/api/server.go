// Package api runs the HTTP/WebSocket surface: session creation, the
// per-session WebSocket endpoint, health, and Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"portfolio-analyzer/internal/config"
	"portfolio-analyzer/internal/observability"
	"portfolio-analyzer/internal/portfolio"
	"portfolio-analyzer/internal/session"
)

// Server serves the client-facing endpoints and owns the HTTP listener.
type Server struct {
	cfg      config.Config
	repo     *portfolio.Repository
	starter  session.Starter
	registry *session.Registry
	obs      *observability.Metrics
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes.
func NewServer(
	cfg config.Config,
	repo *portfolio.Repository,
	starter session.Starter,
	registry *session.Registry,
	obs *observability.Metrics,
	logger *slog.Logger,
) *Server {
	s := &Server{
		cfg:      cfg,
		repo:     repo,
		starter:  starter,
		registry: registry,
		obs:      obs,
		logger:   logger.With("component", "api-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("GET /api/session/{session_id}", s.handleGetSession)
	mux.HandleFunc("GET /ws/{session_id}", s.handleWebSocket)
	mux.Handle("GET /metrics", obs.Handler())

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully. WebSocket connections are
// hijacked and not covered by Shutdown; the caller closes them through the
// session registry.
func (s *Server) Stop() error {
	s.logger.Info("stopping server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
