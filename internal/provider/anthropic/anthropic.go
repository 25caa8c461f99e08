// Package anthropic implements llm.Client for the Anthropic Messages API.
//
// The API has no way to bias individual tokens, so requests carrying an
// output vocabulary are rejected with llm.ErrUnsupportedVocabulary.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/resilience"
)

// DefaultBaseURL is the public Anthropic endpoint.
const DefaultBaseURL = "https://api.anthropic.com/v1"

const (
	apiVersion = "2023-06-01"
	// The Messages API requires max_tokens on every request.
	defaultMaxTokens = 1024
	maxTemperature   = 1.0
)

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.cb = cb }
}

type Client struct {
	apiKey, model string
	baseURL       string
	maxRetries    int
	retryDelay    time.Duration
	httpClient    *http.Client
	cb            *resilience.CircuitBreaker
}

func New(apiKey, model string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		maxRetries: 3,
		retryDelay: time.Second,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	body, err := c.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	var result *llm.Response
	err = c.withResilience(ctx, func() error {
		r, e := c.doComplete(ctx, body)
		if e == nil {
			result = r
		}
		return e
	})
	return result, err
}

func (c *Client) Stream(ctx context.Context, req *llm.Request) (*llm.StreamResponse, error) {
	body, err := c.buildBody(req, true)
	if err != nil {
		return nil, err
	}
	var result *llm.StreamResponse
	err = c.withResilience(ctx, func() error {
		r, e := c.doStream(ctx, body)
		if e == nil {
			result = r
		}
		return e
	})
	return result, err
}

func (c *Client) withResilience(ctx context.Context, fn func() error) error {
	retry := func() error {
		return resilience.RetryWithBackoff(ctx, resilience.RetryConfig{
			MaxRetries:  c.maxRetries,
			BaseDelay:   c.retryDelay,
			MaxDelay:    30 * time.Second,
			IsRetryable: resilience.IsRetryable,
		}, fn)
	}
	if c.cb != nil {
		return c.cb.Execute(retry)
	}
	return retry()
}

func (c *Client) buildBody(req *llm.Request, stream bool) (map[string]any, error) {
	if len(req.Vocabulary) > 0 {
		return nil, &llm.TransportError{
			Op:  "build request",
			Err: fmt.Errorf("%w: the Messages API cannot bias tokens", llm.ErrUnsupportedVocabulary),
		}
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	system, turns := splitSystem(req.Messages)
	body := map[string]any{"model": model, "messages": turns}
	if system != "" {
		body["system"] = system
	}
	if stream {
		body["stream"] = true
	}

	p := req.Params
	body["max_tokens"] = defaultMaxTokens
	if p.MaxTokens > 0 {
		body["max_tokens"] = p.MaxTokens
	}
	if p.Temperature != nil {
		body["temperature"] = min(*p.Temperature, maxTemperature)
	}
	if p.TopP != nil {
		body["top_p"] = *p.TopP
	}
	if len(p.Stop) > 0 {
		body["stop_sequences"] = p.Stop
	}
	return body, nil
}

// splitSystem lifts system messages into the top-level system field and
// folds the rest into strictly alternating turns that open with the user.
func splitSystem(msgs []llm.Message) (string, []map[string]string) {
	var system []string
	turns := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := string(m.Role)
		if n := len(turns); n > 0 && turns[n-1]["role"] == role {
			turns[n-1]["content"] += "\n\n" + m.Content
			continue
		}
		if len(turns) == 0 && m.Role == llm.RoleAssistant {
			turns = append(turns, map[string]string{"role": string(llm.RoleUser), "content": "Continue."})
		}
		turns = append(turns, map[string]string{"role": role, "content": m.Content})
	}
	return strings.Join(system, "\n\n"), turns
}

func (c *Client) post(ctx context.Context, body map[string]any, op string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.TransportError{Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return nil, &llm.TransportError{Op: op, StatusCode: resp.StatusCode, Body: "body read failed: " + readErr.Error()}
		}
		return nil, &llm.TransportError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

func (c *Client) doComplete(ctx context.Context, body map[string]any) (*llm.Response, error) {
	resp, err := c.post(ctx, body, "complete")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var mr message
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&mr); err != nil {
		return nil, &llm.TransportError{Op: "complete", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(mr.Content) == 0 {
		return nil, &llm.TransportError{Op: "complete", Err: llm.ErrEmptyResponse}
	}

	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &llm.Response{
		Text:         text.String(),
		FinishReason: stopReason(mr.StopReason),
		Usage: llm.Usage{
			PromptTokens:     mr.Usage.InputTokens,
			CompletionTokens: mr.Usage.OutputTokens,
			TotalTokens:      mr.Usage.InputTokens + mr.Usage.OutputTokens,
		},
	}, nil
}

func (c *Client) doStream(ctx context.Context, body map[string]any) (*llm.StreamResponse, error) {
	resp, err := c.post(ctx, body, "stream")
	if err != nil {
		return nil, err
	}

	chunks := make(chan llm.ResponseChunk, 10)
	done := make(chan struct{})

	go func() {
		defer close(chunks)
		defer close(done)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024) // 1MB max line
		var finish llm.FinishReason

		for scanner.Scan() {
			d := extractData(scanner.Text())
			if d == "" {
				continue
			}
			var ev event
			if err := json.Unmarshal([]byte(d), &ev); err != nil {
				trySend(ctx, chunks, malformed(err))
				return
			}
			switch ev.Type {
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					if !trySend(ctx, chunks, llm.ResponseChunk{Text: ev.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if ev.Delta.StopReason != "" {
					finish = stopReason(ev.Delta.StopReason)
				}
			case "message_stop":
				if finish == "" {
					finish = llm.FinishReasonStop
				}
				trySend(ctx, chunks, llm.ResponseChunk{Done: true, FinishReason: finish})
				return
			case "error":
				trySend(ctx, chunks, llm.ResponseChunk{Error: &llm.TransportError{
					Op:  "stream",
					Err: fmt.Errorf("%s: %s", ev.Error.Type, ev.Error.Message),
				}})
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			trySend(ctx, chunks, llm.ResponseChunk{Error: &llm.TransportError{Op: "stream", Err: fmt.Errorf("stream read: %w", err)}})
			return
		}
		if ctx.Err() != nil {
			return
		}
		// closed without message_stop
		trySend(ctx, chunks, llm.ResponseChunk{Error: &llm.TransportError{Op: "stream", Err: llm.ErrTruncatedStream}})
	}()

	return &llm.StreamResponse{Chunks: chunks, Done: done}, nil
}

// --- wire types ---

type message struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type event struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func stopReason(s string) llm.FinishReason {
	switch s {
	case "":
		return ""
	case "max_tokens":
		return llm.FinishReasonMaxTokens
	default:
		return llm.FinishReasonStop
	}
}

func extractData(line string) string {
	if strings.HasPrefix(line, "data: ") {
		return strings.TrimPrefix(line, "data: ")
	}
	if strings.HasPrefix(line, "data:") {
		return strings.TrimPrefix(line, "data:")
	}
	return ""
}

func malformed(err error) llm.ResponseChunk {
	return llm.ResponseChunk{Error: &llm.TransportError{Op: "stream", Err: fmt.Errorf("%w: %v", llm.ErrMalformedChunk, err)}}
}

func trySend(ctx context.Context, ch chan<- llm.ResponseChunk, chunk llm.ResponseChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
