package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ginkida/chat-runner/internal/auth"
	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/handler"
	mw "github.com/ginkida/chat-runner/internal/middleware"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
	"github.com/ginkida/chat-runner/internal/tools"
)

// Deps are the long-lived components the routes serve.
type Deps struct {
	Sessions *session.Manager
	Toolbox  *tools.Toolbox
	Store    store.Store // nil disables save and restore
	Lookup   session.CharacterLookup
	Logger   *slog.Logger
}

// NewRouter creates the chi router with all routes registered.
func NewRouter(cfg *config.Config, deps Deps, rateLimiter *mw.RateLimiter) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	// Global middleware (order matters)
	r.Use(mw.RequestID)                          // 1. assign request ID
	r.Use(mw.StructuredLogger(logger))           // 2. structured access log
	r.Use(chimw.Recoverer)                       // 3. panic recovery
	r.Use(mw.BodyLimit(cfg.Server.MaxBodyBytes)) // 4. body size limit

	turnTimeout := time.Duration(cfg.Server.TurnTimeoutSecs) * time.Second

	healthH := handler.NewHealthHandler(deps.Sessions, deps.Toolbox)
	sessionH := handler.NewSessionHandler(deps.Sessions, deps.Lookup)
	turnH := handler.NewTurnHandler(deps.Sessions, deps.Toolbox, turnTimeout)
	transferH := handler.NewTransferHandler(deps.Sessions, deps.Store)

	// Health endpoint (no auth)
	r.Get("/health", healthH.Handle)

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.HMACMiddleware(cfg.Auth.HMACSecret)) // 5. HMAC auth
		r.Use(mw.ClientID)                               // 6. client ID (after HMAC validates)
		r.Use(rateLimiter.Middleware())                  // 7. rate limit per client

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(60 * time.Second))
			r.Post("/sessions", sessionH.Create)
			r.Get("/sessions", sessionH.List)
			r.Get("/sessions/{id}", sessionH.Get)
			r.Delete("/sessions/{id}", sessionH.Delete)
			r.Post("/sessions/{id}/reset", sessionH.Reset)

			r.Get("/sessions/{id}/export", transferH.Export)
			r.Post("/sessions/{id}/import", transferH.Import)
			r.Post("/sessions/{id}/save", transferH.Save)
			r.Post("/sessions/{id}/restore", transferH.Restore)
			r.Get("/saved", transferH.Saved)
		})

		// Turns bound their own duration; streamed turns stay open while
		// fragments flow.
		r.Post("/sessions/{id}/turns", turnH.Run)
		r.Post("/turns", turnH.Batch)
	})

	return r
}
