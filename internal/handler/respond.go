package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/middleware"
	"github.com/ginkida/chat-runner/internal/provider"
	"github.com/ginkida/chat-runner/internal/resilience"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
	"github.com/ginkida/chat-runner/internal/tools"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps err to a status code and writes it as {"error": ...}.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": msg})
}

func statusFor(err error) int {
	var (
		tooLarge  *http.MaxBytesError
		callErr   *tools.CallError
		transport *llm.TransportError
	)
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case session.IsNotFound(err), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case session.IsExists(err):
		return http.StatusConflict
	case session.IsMalformed(err),
		errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, tools.ErrNoTools),
		errors.Is(err, tools.ErrTooManyTools),
		errors.Is(err, tools.ErrNoDescription),
		errors.Is(err, llm.ErrUnsupportedVocabulary),
		errors.Is(err, provider.ErrNoProvider):
		return http.StatusBadRequest
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.As(err, &callErr), errors.As(err, &transport):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ownedSession returns the session named in the URL when the calling
// client may use it. Sessions owned by another client look absent.
func ownedSession(m *session.Manager, r *http.Request) (*session.Session, error) {
	id := chi.URLParam(r, "id")
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !ownedBy(sess, r) {
		return nil, &session.ErrSessionNotFound{Key: id}
	}
	return sess, nil
}

func ownedBy(sess *session.Session, r *http.Request) bool {
	owner := sess.Owner()
	return owner == "" || owner == middleware.GetClientID(r.Context())
}
