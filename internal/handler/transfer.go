package handler

import (
	"bytes"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ginkida/chat-runner/internal/middleware"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
)

var errStorageDisabled = errors.New("session storage is disabled")

var contentTypes = map[string]string{
	"json": "application/json",
	"yaml": "application/yaml",
	"csv":  "text/csv; charset=utf-8",
}

// TransferHandler moves sessions in and out of the server: as documents
// in the request or response, or through the configured store.
type TransferHandler struct {
	sessions *session.Manager
	store    store.Store
}

// NewTransferHandler creates a transfer handler. st may be nil, which
// disables save, restore and the saved listing.
func NewTransferHandler(sessions *session.Manager, st store.Store) *TransferHandler {
	return &TransferHandler{sessions: sessions, store: st}
}

// Export handles GET /v1/sessions/{id}/export?format=json|yaml|csv.
func (h *TransferHandler) Export(w http.ResponseWriter, r *http.Request) {
	sess, err := ownedSession(h.sessions, r)
	if err != nil {
		writeError(w, err)
		return
	}
	codec, err := store.NewCodec(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	var buf bytes.Buffer
	if err := codec.Encode(&buf, sess.Snapshot()); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypes[codec.Extension()])
	w.Header().Set("Content-Disposition", `attachment; filename="`+sess.Key()+"."+codec.Extension()+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Import handles POST /v1/sessions/{id}/import?format=json|yaml|csv. The
// document replaces the session's state, creating the session if needed.
func (h *TransferHandler) Import(w http.ResponseWriter, r *http.Request) {
	codec, err := store.NewCodec(r.URL.Query().Get("format"))
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	if err := store.ValidateKey(id); err != nil {
		writeError(w, err)
		return
	}
	if err := h.claimable(r, id); err != nil {
		writeError(w, err)
		return
	}

	snap, err := codec.Decode(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	h.restore(w, r, id, snap)
}

// Save handles POST /v1/sessions/{id}/save.
func (h *TransferHandler) Save(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": errStorageDisabled.Error()})
		return
	}
	sess, err := ownedSession(h.sessions, r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap := sess.Snapshot()
	if err := h.store.Save(r.Context(), sess.Key(), snap); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "saved", "messages": len(snap.Messages)})
}

// Restore handles POST /v1/sessions/{id}/restore, loading the session
// saved under the same key.
func (h *TransferHandler) Restore(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": errStorageDisabled.Error()})
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.claimable(r, id); err != nil {
		writeError(w, err)
		return
	}
	snap, err := h.store.Load(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.restore(w, r, id, snap)
}

// Saved handles GET /v1/saved.
func (h *TransferHandler) Saved(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": errStorageDisabled.Error()})
		return
	}
	keys, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": keys})
}

// claimable fails when id is a live session owned by another client.
func (h *TransferHandler) claimable(r *http.Request, id string) error {
	sess, err := h.sessions.Get(id)
	if err != nil {
		return nil
	}
	if !ownedBy(sess, r) {
		return &session.ErrSessionNotFound{Key: id}
	}
	return nil
}

func (h *TransferHandler) restore(w http.ResponseWriter, r *http.Request, id string, snap *session.Snapshot) {
	sess, err := h.sessions.Restore(id, snap, session.WithOwner(middleware.GetClientID(r.Context())))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}
