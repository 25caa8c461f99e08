package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ginkida/chat-runner/internal/auth"
)

func newRemote(t *testing.T, h http.HandlerFunc) *RemoteTool {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	rt, err := NewRemoteTool(RemoteToolConfig{
		Name:        "weather",
		Description: "Current weather for a city",
		URL:         srv.URL + "/tools/weather",
		HMACSecret:  "secret",
		HTTPClient:  srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}
	rt.retry.BaseDelay = time.Millisecond
	rt.retry.MaxDelay = time.Millisecond
	return rt
}

func TestRemoteToolCall(t *testing.T) {
	rt := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := auth.Verify("secret", r.Header.Get(auth.HeaderSignature), r.Header.Get(auth.HeaderTimestamp), body, time.Now()); err != nil {
			t.Errorf("signature: %v", err)
		}
		var req map[string]string
		json.Unmarshal(body, &req)
		if req["tool"] != "weather" || req["input"] != "weather in Oslo?" {
			t.Errorf("payload = %v", req)
		}
		w.Write([]byte(`{"context":"Oslo: 4C, rain","metadata":{"city":"Oslo"}}`))
	})

	out, err := rt.Call(context.Background(), "weather in Oslo?")
	if err != nil {
		t.Fatal(err)
	}
	if out.Context != "Oslo: 4C, rain" || out.Metadata["city"] != "Oslo" {
		t.Errorf("out = %+v", out)
	}
}

func TestRemoteToolRetriesServerErrors(t *testing.T) {
	calls := 0
	rt := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"context":"ok"}`))
	})
	out, err := rt.Call(context.Background(), "x")
	if err != nil || out.Context != "ok" || calls != 2 {
		t.Errorf("out=%+v err=%v calls=%d", out, err, calls)
	}
}

func TestRemoteToolClientErrorIsFinal(t *testing.T) {
	calls := 0
	rt := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "nope", http.StatusBadRequest)
	})
	_, err := Invoke(context.Background(), rt, "x")
	var ce *CallError
	if !errors.As(err, &ce) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestRemoteToolReportedError(t *testing.T) {
	rt := newRemote(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"city not found"}`))
	})
	if _, err := rt.Call(context.Background(), "x"); err == nil || err.Error() != "city not found" {
		t.Errorf("err = %v", err)
	}
}

func TestNewRemoteToolValidation(t *testing.T) {
	if _, err := NewRemoteTool(RemoteToolConfig{Name: "1bad", URL: "https://example.com"}); err == nil {
		t.Error("expected invalid name error")
	}
	if _, err := NewRemoteTool(RemoteToolConfig{Name: "ok", URL: "/relative"}); err == nil {
		t.Error("expected relative URL error")
	}
}
