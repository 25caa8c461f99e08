package handler

import (
	"net/http"

	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/tools"
)

// HealthHandler serves the health check endpoint.
type HealthHandler struct {
	sessions *session.Manager
	toolbox  *tools.Toolbox
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(sessions *session.Manager, toolbox *tools.Toolbox) *HealthHandler {
	return &HealthHandler{sessions: sessions, toolbox: toolbox}
}

// Handle responds with server health status.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":       "ok",
		"sessions":     h.sessions.Count(),
		"active_turns": h.sessions.ActiveTurns(),
	}
	if h.toolbox != nil {
		resp["tools"] = h.toolbox.Names()
	}
	writeJSON(w, http.StatusOK, resp)
}
