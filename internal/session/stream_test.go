package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/provider/openai"
)

func drain(ts *TurnStream) error {
	for {
		if _, err := ts.Next(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func TestStreamTurnFragments(t *testing.T) {
	c := &fakeClient{deltas: []string{"Hel", "lo", ", ", "world"}}
	m, _ := newTestManager(c)

	ts, err := m.StreamTurn(context.Background(), "s", "hi")
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()

	var prev string
	var deltas []string
	for {
		f, err := ts.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if f.Response != prev+f.Delta {
			t.Errorf("response %q is not previous %q plus delta %q", f.Response, prev, f.Delta)
		}
		prev = f.Response
		deltas = append(deltas, f.Delta)
	}
	if strings.Join(deltas, "") != "Hello, world" {
		t.Errorf("deltas = %v", deltas)
	}
	if _, err := ts.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next after EOF = %v", err)
	}

	res := ts.Result()
	if res == nil || res.Response != "Hello, world" || res.Usage != nil {
		t.Fatalf("result = %+v", res)
	}
	sess, _ := m.Get("s")
	msgs := sess.Messages()
	if len(msgs) != 2 || msgs[1].Content != "Hello, world" || msgs[1].Usage != nil {
		t.Errorf("log = %+v", msgs)
	}
	if tot := sess.Totals(); !tot.LowerBound {
		t.Errorf("streamed turn must set the lower-bound flag: %+v", tot)
	}
}

func TestStreamTurnAbandon(t *testing.T) {
	c := &fakeClient{deltas: []string{"a", "b", "c"}, gate: make(chan struct{}, 1)}
	m, rec := newTestManager(c)
	m.RunTurn(context.Background(), "ab", "first")
	sess, _ := m.Get("ab")
	before := sess.Len()

	ts, err := m.StreamTurn(context.Background(), "ab", "second")
	if err != nil {
		t.Fatal(err)
	}
	c.gate <- struct{}{}
	f, err := ts.Next()
	if err != nil || f.Delta != "a" {
		t.Fatalf("first fragment = %+v, %v", f, err)
	}
	if err := ts.Close(); err != nil {
		t.Fatal(err)
	}

	if sess.Len() != before {
		t.Errorf("abandoned turn changed log length from %d to %d", before, sess.Len())
	}
	if ts.Result() != nil {
		t.Error("abandoned turn has a result")
	}
	if _, err := ts.Next(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Next after Close = %v", err)
	}
	if rec.Count(observability.EventTurnAbandon) != 1 {
		t.Error("expected a turn.abandon event")
	}
	if tot := sess.Totals(); !tot.LowerBound {
		t.Errorf("abandoned generation must mark totals as a lower bound: %+v", tot)
	}

	// the session lock was released
	if _, err := m.RunTurn(context.Background(), "ab", "third"); err != nil {
		t.Fatal(err)
	}
	if sess.Len() != before+2 || m.ActiveTurns() != 0 {
		t.Errorf("len = %d, active = %d", sess.Len(), m.ActiveTurns())
	}
}

func TestStreamTurnCancelledContext(t *testing.T) {
	c := &fakeClient{deltas: []string{"a", "b"}, gate: make(chan struct{})}
	m, _ := newTestManager(c)
	ctx, cancel := context.WithCancel(context.Background())

	ts, err := m.StreamTurn(ctx, "cx", "hi")
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()
	cancel()
	if _, err := ts.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	sess, _ := m.Get("cx")
	if sess.Len() != 0 {
		t.Error("cancelled turn was stored")
	}
}

func TestStreamTurnStartFailure(t *testing.T) {
	boom := &llm.TransportError{Op: "stream", StatusCode: 401}
	c := &fakeClient{genErr: boom}
	m, _ := newTestManager(c)

	if _, err := m.StreamTurn(context.Background(), "sf", "hi"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	// lock released after a failed start
	c.genErr = nil
	if _, err := m.RunTurn(context.Background(), "sf", "hi"); err != nil {
		t.Fatal(err)
	}
}

func TestStreamTurnDeletedSession(t *testing.T) {
	m, _ := newTestManager(&fakeClient{})
	m.GetOrCreate("del")
	m.Delete("del")
	if _, err := m.StreamTurn(context.Background(), "del", "hi"); !IsNotFound(err) {
		t.Fatalf("err = %v", err)
	}
}

func TestStreamTurnEndsWithoutDone(t *testing.T) {
	c := &fakeClient{deltas: []string{"The answer is"}, truncate: true}
	m, rec := newTestManager(c)

	ts, err := m.StreamTurn(context.Background(), "cut", "hi")
	if err != nil {
		t.Fatal(err)
	}
	defer ts.Close()
	if err := drain(ts); !errors.Is(err, llm.ErrTruncatedStream) {
		t.Fatalf("err = %v", err)
	}
	if ts.Result() != nil {
		t.Error("truncated turn has a result")
	}
	sess, _ := m.Get("cut")
	if sess.Len() != 0 {
		t.Errorf("truncated turn was stored: %+v", sess.Messages())
	}
	if rec.Count(observability.EventTurnError) != 1 {
		t.Error("expected a turn.error event")
	}
}

// sseSession streams the given data lines from an OpenAI-shaped endpoint.
func sseSession(t *testing.T, lines ...string) *Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, l := range lines {
			fmt.Fprintf(w, "data: %s\n\n", l)
		}
	}))
	t.Cleanup(srv.Close)
	c, err := openai.New("sk-test", "gpt-3.5-turbo", openai.WithBaseURL(srv.URL), openai.WithMaxRetries(0), openai.WithRetryDelay(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(c)
}

func TestStreamTurnTransportFailuresAreNotStored(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  error
	}{
		{
			name: "undecodable event",
			lines: []string{
				`{"choices":[{"delta":{"content":"Hel"}}]}`,
				`{not json`,
				`{"choices":[{"delta":{"content":"!"}}]}`,
				`[DONE]`,
			},
			want: llm.ErrMalformedChunk,
		},
		{
			name:  "connection closed before [DONE]",
			lines: []string{`{"choices":[{"delta":{"content":"The answer is"}}]}`},
			want:  llm.ErrTruncatedStream,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sseSession(t, tt.lines...)
			ts, err := m.StreamTurn(context.Background(), "s", "hi")
			if err != nil {
				t.Fatal(err)
			}
			defer ts.Close()

			err = drain(ts)
			if !errors.Is(err, tt.want) || !llm.IsTransport(err) {
				t.Fatalf("err = %v, want transport error wrapping %v", err, tt.want)
			}
			sess, _ := m.Get("s")
			if sess.Len() != 0 {
				t.Errorf("log = %+v", sess.Messages())
			}
		})
	}
}
