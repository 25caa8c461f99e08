package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/sse"
	"github.com/ginkida/chat-runner/internal/tools"
)

// maxBatch caps the number of turns in one batch request.
const maxBatch = 32

// TurnHandler runs exchanges on existing sessions.
type TurnHandler struct {
	sessions *session.Manager
	toolbox  *tools.Toolbox
	timeout  time.Duration
}

// NewTurnHandler creates a turn handler. Non-streamed turns are bounded by
// timeout; zero means no bound.
func NewTurnHandler(sessions *session.Manager, toolbox *tools.Toolbox, timeout time.Duration) *TurnHandler {
	if toolbox == nil {
		toolbox = tools.NewToolbox()
	}
	return &TurnHandler{sessions: sessions, toolbox: toolbox, timeout: timeout}
}

// turnRequest is the JSON body for POST /v1/sessions/{id}/turns.
type turnRequest struct {
	Input          string      `json:"input"`
	System         *string     `json:"system,omitempty"`
	Params         *llm.Params `json:"params,omitempty"`
	Persist        *bool       `json:"persist,omitempty"`
	RecentMessages *int        `json:"recent_messages,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
	Stream         bool        `json:"stream,omitempty"`
}

// options validates the request and turns it into turn options.
func (h *TurnHandler) options(req *turnRequest) ([]session.TurnOption, error) {
	if req.Input == "" {
		return nil, errors.New("input is required")
	}
	var opts []session.TurnOption
	if req.System != nil {
		opts = append(opts, session.WithSystem(*req.System))
	}
	if req.Params != nil {
		opts = append(opts, session.WithTurnParams(*req.Params))
	}
	if req.Persist != nil {
		opts = append(opts, session.WithTurnPersist(*req.Persist))
	}
	if req.RecentMessages != nil {
		opts = append(opts, session.WithTurnRecent(*req.RecentMessages))
	}
	if len(req.Tools) > 0 {
		ts, err := h.toolbox.Resolve(req.Tools)
		if err != nil {
			return nil, err
		}
		opts = append(opts, session.WithTools(ts...))
	}
	return opts, nil
}

type turnResponse struct {
	*session.TurnResult
	Messages int            `json:"messages"`
	Totals   session.Totals `json:"totals"`
}

// Run handles POST /v1/sessions/{id}/turns.
func (h *TurnHandler) Run(w http.ResponseWriter, r *http.Request) {
	sess, err := ownedSession(h.sessions, r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req turnRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, statusOrBadRequest(err), map[string]any{"error": err.Error()})
		return
	}
	opts, err := h.options(&req)
	if err != nil {
		writeJSON(w, statusOrBadRequest(err), map[string]any{"error": err.Error()})
		return
	}

	if req.Stream {
		h.stream(w, r, sess, req.Input, opts)
		return
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	res, err := h.sessions.RunTurn(ctx, sess.Key(), req.Input, opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, turnResponse{TurnResult: res, Messages: sess.Len(), Totals: sess.Totals()})
}

// stream relays a turn as server-sent events. Errors after the stream has
// started arrive as an error event; a client that disconnects abandons
// the turn.
func (h *TurnHandler) stream(w http.ResponseWriter, r *http.Request, sess *session.Session, input string, opts []session.TurnOption) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ts, err := h.sessions.StreamTurn(ctx, sess.Key(), input, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	events := make(chan sse.Event)
	go func() {
		defer close(events)
		defer ts.Close()

		send := func(e sse.Event) bool {
			select {
			case events <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		started := time.Now()
		if name, idx := ts.Tool(); name != "" {
			if !send(sse.Event{Type: sse.EventTool, Data: sse.ToolData{Tool: name, Index: idx}}) {
				return
			}
		}
		for {
			frag, err := ts.Next()
			if errors.Is(err, io.EOF) {
				res := ts.Result()
				send(sse.Event{Type: sse.EventDone, Data: sse.DoneData{
					Response:     res.Response,
					FinishReason: string(res.FinishReason),
					Messages:     sess.Len(),
					DurationMs:   time.Since(started).Milliseconds(),
				}})
				return
			}
			if err != nil {
				send(sse.Event{Type: sse.EventError, Data: sse.ErrorData{Message: err.Error(), Status: statusFor(err)}})
				return
			}
			if !send(sse.Event{Type: sse.EventFragment, Data: frag}) {
				return
			}
		}
	}()

	sse.Stream(w, r, events)
}

// batchRequest is the JSON body for POST /v1/turns.
type batchRequest struct {
	Turns []batchTurn `json:"turns"`
}

type batchTurn struct {
	Session string `json:"session"`
	turnRequest
}

type batchResult struct {
	Session string              `json:"session"`
	Result  *session.TurnResult `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
	Status  int                 `json:"status"`
}

// Batch handles POST /v1/turns: several non-streamed turns, possibly on
// different sessions, run concurrently. Results come back in request
// order; turns on the same session run one after another.
func (h *TurnHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, statusOrBadRequest(err), map[string]any{"error": err.Error()})
		return
	}
	if len(req.Turns) == 0 {
		badRequest(w, "turns is required")
		return
	}
	if len(req.Turns) > maxBatch {
		badRequest(w, "too many turns in one batch")
		return
	}

	results := make([]batchResult, len(req.Turns))
	var (
		reqs  []session.TurnRequest
		index []int
	)
	for i, t := range req.Turns {
		results[i].Session = t.Session
		if t.Stream {
			results[i].Error, results[i].Status = "streaming is not available in a batch", http.StatusBadRequest
			continue
		}
		sess, err := h.sessions.Get(t.Session)
		if err == nil && !ownedBy(sess, r) {
			err = &session.ErrSessionNotFound{Key: t.Session}
		}
		if err != nil {
			results[i].Error, results[i].Status = err.Error(), statusFor(err)
			continue
		}
		opts, err := h.options(&t.turnRequest)
		if err != nil {
			results[i].Error, results[i].Status = err.Error(), statusOrBadRequest(err)
			continue
		}
		reqs = append(reqs, session.TurnRequest{Key: sess.Key(), Input: t.Input, Options: opts})
		index = append(index, i)
	}

	ctx := r.Context()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	for j, out := range h.sessions.RunMany(ctx, reqs) {
		i := index[j]
		if out.Err != nil {
			results[i].Error, results[i].Status = out.Err.Error(), statusFor(out.Err)
			continue
		}
		results[i].Result, results[i].Status = out.Result, http.StatusOK
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
