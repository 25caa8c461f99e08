package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ginkida/chat-runner/internal/auth"
	"github.com/ginkida/chat-runner/internal/netutil"
	"github.com/ginkida/chat-runner/internal/resilience"
)

// RemoteTool forwards the user message to an HTTP endpoint and uses the
// returned text as context.
type RemoteTool struct {
	name        string
	description string
	url         string
	hmacSecret  string
	httpClient  *http.Client
	retry       resilience.RetryConfig
}

// RemoteToolConfig holds configuration for creating a RemoteTool.
type RemoteToolConfig struct {
	Name        string
	Description string
	URL         string
	HMACSecret  string
	TimeoutSec  int

	// HTTPClient overrides the default client, which refuses private
	// addresses.
	HTTPClient *http.Client
}

// remoteStatusError marks a non-2xx answer from a tool endpoint.
type remoteStatusError struct {
	code int
	body string
}

func (e *remoteStatusError) Error() string {
	return fmt.Sprintf("tool endpoint returned %d: %s", e.code, e.body)
}

// NewRemoteTool validates the endpoint and builds the tool.
func NewRemoteTool(cfg RemoteToolConfig) (*RemoteTool, error) {
	if !validToolName.MatchString(cfg.Name) {
		return nil, fmt.Errorf("invalid tool name %q: must match [a-zA-Z][a-zA-Z0-9_]*", cfg.Name)
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid tool URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("tool URL must be absolute http(s), got %q", cfg.URL)
	}

	timeout := 30 * time.Second
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout, Transport: netutil.SafeTransport()}
	}

	return &RemoteTool{
		name:        cfg.Name,
		description: cfg.Description,
		url:         u.String(),
		hmacSecret:  cfg.HMACSecret,
		httpClient:  hc,
		retry: resilience.RetryConfig{
			MaxRetries:  3,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			IsRetryable: isRemoteRetryable,
		},
	}, nil
}

func (t *RemoteTool) Name() string        { return t.name }
func (t *RemoteTool) Description() string { return t.description }

func (t *RemoteTool) Call(ctx context.Context, input string) (*Output, error) {
	body, err := json.Marshal(map[string]string{"tool": t.name, "input": input})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var out *Output
	err = resilience.RetryWithBackoff(ctx, t.retry, func() error {
		o, callErr := t.post(ctx, body)
		if callErr == nil {
			out = o
		}
		return callErr
	})
	return out, err
}

func (t *RemoteTool) post(ctx context.Context, body []byte) (*Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request error: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.hmacSecret != "" {
		sig, ts := auth.SignRequest(t.hmacSecret, body)
		req.Header.Set(auth.HeaderSignature, sig)
		req.Header.Set(auth.HeaderTimestamp, ts)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 200*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &remoteStatusError{code: resp.StatusCode, body: string(respBody)}
	}

	var parsed struct {
		Context  string         `json:"context"`
		Metadata map[string]any `json:"metadata"`
		Error    string         `json:"error"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if parsed.Error != "" {
		return nil, errors.New(parsed.Error)
	}
	return &Output{Context: parsed.Context, Metadata: parsed.Metadata}, nil
}

func isRemoteRetryable(err error) bool {
	var se *remoteStatusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}
