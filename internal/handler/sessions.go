package handler

import (
	"net/http"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/middleware"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
)

// SessionHandler manages session lifecycle.
type SessionHandler struct {
	sessions *session.Manager
	lookup   session.CharacterLookup
}

// NewSessionHandler creates a session handler. lookup describes
// characters for persona sessions and may be nil.
func NewSessionHandler(sessions *session.Manager, lookup session.CharacterLookup) *SessionHandler {
	return &SessionHandler{sessions: sessions, lookup: lookup}
}

// createRequest is the JSON body for POST /v1/sessions.
type createRequest struct {
	ID             string      `json:"id,omitempty"`
	Title          string      `json:"title,omitempty"`
	Model          string      `json:"model,omitempty"`
	System         string      `json:"system,omitempty"`
	Character      string      `json:"character,omitempty"`
	Command        string      `json:"command,omitempty"`
	Params         *llm.Params `json:"params,omitempty"`
	Persist        *bool       `json:"persist,omitempty"`
	RecentMessages *int        `json:"recent_messages,omitempty"`
}

// Create handles POST /v1/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, statusOrBadRequest(err), map[string]any{"error": err.Error()})
		return
	}
	if req.ID != "" {
		if err := store.ValidateKey(req.ID); err != nil {
			badRequest(w, "invalid id: must be 1-128 letters, digits, '.', '_' or '-'")
			return
		}
	}
	if req.RecentMessages != nil && *req.RecentMessages < 0 {
		badRequest(w, "recent_messages must not be negative")
		return
	}

	opts := []session.Option{session.WithOwner(middleware.GetClientID(r.Context()))}
	if req.Title != "" {
		opts = append(opts, session.WithTitle(req.Title))
	}
	if req.Model != "" {
		opts = append(opts, session.WithModel(req.Model))
	}
	switch {
	case req.Character != "":
		opts = append(opts, session.WithSystemPrompt(
			session.BuildSystem(r.Context(), h.lookup, req.Character, req.Command, req.System)))
	case req.System != "":
		opts = append(opts, session.WithSystemPrompt(req.System))
	}
	if req.Params != nil {
		opts = append(opts, session.WithParams(*req.Params))
	}
	if req.Persist != nil {
		opts = append(opts, session.WithPersist(*req.Persist))
	}
	if req.RecentMessages != nil {
		opts = append(opts, session.WithRecentMessages(*req.RecentMessages))
	}

	sess, err := h.sessions.Create(req.ID, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// List handles GET /v1/sessions.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	client := middleware.GetClientID(r.Context())
	out := []session.Info{}
	for _, info := range h.sessions.List() {
		if info.Owner == "" || info.Owner == client {
			out = append(out, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// Get handles GET /v1/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := ownedSession(h.sessions, r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// Delete handles DELETE /v1/sessions/{id}.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sess, err := ownedSession(h.sessions, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.Delete(sess.Key()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
}

// Reset handles POST /v1/sessions/{id}/reset.
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	sess, err := ownedSession(h.sessions, r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.sessions.Reset(sess.Key()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

// statusOrBadRequest keeps 413 for oversized bodies and reports every
// other decode failure as 400.
func statusOrBadRequest(err error) int {
	if code := statusFor(err); code == http.StatusRequestEntityTooLarge {
		return code
	}
	return http.StatusBadRequest
}
