// Package sse writes Server-Sent Events to HTTP clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event types sent while a turn streams.
const (
	EventTool     = "tool"     // a tool was selected and called
	EventFragment = "fragment" // new reply text
	EventDone     = "done"     // the turn was stored
	EventError    = "error"    // the turn failed and was not stored
)

// Event represents a Server-Sent Event.
type Event struct {
	Type string
	Data any // JSON-serializable payload
}

// ToolData is the payload for tool events.
type ToolData struct {
	Tool  string `json:"tool"`
	Index int    `json:"index"`
}

// DoneData is the payload for done events.
type DoneData struct {
	Response     string `json:"response"`
	FinishReason string `json:"finish_reason,omitempty"`
	Messages     int    `json:"messages"`
	DurationMs   int64  `json:"duration_ms"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

const heartbeatInterval = 30 * time.Second

// Stream writes events from a channel until it is closed or the client
// disconnects. Comment lines are sent as heartbeats while idle.
func Stream(w http.ResponseWriter, r *http.Request, events <-chan Event) {
	stream(w, r, events, heartbeatInterval)
}

func stream(w http.ResponseWriter, r *http.Request, events <-chan Event, every time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	// Keep SSE connection exempt from server WriteTimeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(every)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := write(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func write(w http.ResponseWriter, event Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		event.Type = EventError
		data, _ = json.Marshal(ErrorData{Message: "marshal failed: " + err.Error()})
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// WriteEvent writes a single event and flushes it.
func WriteEvent(w http.ResponseWriter, eventType string, data any) error {
	if err := write(w, Event{Type: eventType, Data: data}); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
