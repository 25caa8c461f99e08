// Package server wires the HTTP routes and runs the listener.
package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/middleware"
)

// Server wraps the HTTP server with graceful shutdown.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	deps        Deps
	logger      *slog.Logger
	rateLimiter *middleware.RateLimiter
}

// New creates a new Server.
func New(cfg *config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	rl := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           NewRouter(cfg, deps, rl),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(deps.Logger.Handler(), slog.LevelWarn),
	}
	if cfg.Server.TLS.Enabled() {
		srv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return &Server{
		httpServer:  srv,
		cfg:         cfg,
		deps:        deps,
		logger:      deps.Logger,
		rateLimiter: rl,
	}
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server (TLS if configured, plaintext otherwise).
func (s *Server) ListenAndServe() error {
	if s.cfg.Server.TLS.Enabled() {
		s.logger.Info("chat-runner listening", "addr", s.httpServer.Addr, "tls", true)
		return s.httpServer.ListenAndServeTLS(
			s.cfg.Server.TLS.CertFile,
			s.cfg.Server.TLS.KeyFile,
		)
	}
	s.logger.Info("chat-runner listening", "addr", s.httpServer.Addr, "tls", false)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
// Order: wait for running turns, stop HTTP, release background resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down", "active_turns", s.deps.Sessions.ActiveTurns())
	if err := s.deps.Sessions.Drain(ctx); err != nil {
		s.logger.Warn("drain incomplete", "error", err, "active_turns", s.deps.Sessions.ActiveTurns())
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	s.rateLimiter.Stop()
	if s.deps.Store != nil {
		if err := s.deps.Store.Close(); err != nil {
			s.logger.Warn("close store", "error", err)
		}
	}
	return nil
}
