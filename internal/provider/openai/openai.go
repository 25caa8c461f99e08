// Package openai implements llm.Client for the OpenAI Chat Completions API.
package openai

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

// DefaultBaseURL is the public OpenAI endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Option configures a Client.
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

func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.cb = cb }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTokenIDs replaces the token-string to token-id table used to turn a
// vocabulary constraint into a logit bias.
func WithTokenIDs(ids map[string]int) Option {
	return func(c *Client) { c.tokenIDs = ids }
}

// Client implements llm.Client for OpenAI.
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	maxRetries int
	retryDelay time.Duration
	httpClient *http.Client
	cb         *resilience.CircuitBreaker
	tokenIDs   map[string]int
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
		baseURL:    DefaultBaseURL,
		model:      model,
		maxRetries: 3,
		retryDelay: time.Second,
		tokenIDs:   digitTokens,
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Model() string { return c.model }

// Complete performs a non-streamed chat completion.
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

// Stream performs a streamed chat completion. Cancelling ctx stops the
// reader goroutine and closes the chunk channel.
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

// buildBody renders a request into the Chat Completions JSON shape.
func (c *Client) buildBody(req *llm.Request, stream bool) (map[string]any, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": string(m.Role), "content": m.Content})
	}

	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if stream {
		body["stream"] = true
	}

	p := req.Params
	if p.MaxTokens > 0 {
		if isReasoningModel(model) {
			body["max_completion_tokens"] = p.MaxTokens
		} else {
			body["max_tokens"] = p.MaxTokens
		}
	}
	// Reasoning models (o1, o3) do not support sampling parameters.
	if !isReasoningModel(model) {
		if p.Temperature != nil {
			body["temperature"] = *p.Temperature
		}
		if p.TopP != nil {
			body["top_p"] = *p.TopP
		}
	}
	if p.PresencePenalty != nil {
		body["presence_penalty"] = *p.PresencePenalty
	}
	if p.FrequencyPenalty != nil {
		body["frequency_penalty"] = *p.FrequencyPenalty
	}
	if len(p.Stop) > 0 {
		body["stop"] = p.Stop
	}

	if len(req.Vocabulary) > 0 {
		bias, err := logitBias(req.Vocabulary, c.tokenIDs)
		if err != nil {
			return nil, err
		}
		body["logit_bias"] = bias
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, body map[string]any, op string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if op == "stream" {
		req.Header.Set("Accept", "text/event-stream")
	}

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

	var cr chatCompletion
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&cr); err != nil {
		return nil, &llm.TransportError{Op: "complete", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(cr.Choices) == 0 {
		return nil, &llm.TransportError{Op: "complete", Err: llm.ErrEmptyResponse}
	}

	ch := cr.Choices[0]
	return &llm.Response{
		Text:         ch.Message.Content,
		FinishReason: finishReason(ch.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     cr.Usage.PromptTokens,
			CompletionTokens: cr.Usage.CompletionTokens,
			TotalTokens:      cr.Usage.TotalTokens,
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
			if d == "[DONE]" {
				if finish == "" {
					finish = llm.FinishReasonStop
				}
				trySend(ctx, chunks, llm.ResponseChunk{Done: true, FinishReason: finish})
				return
			}
			var ev chatChunk
			if err := json.Unmarshal([]byte(d), &ev); err != nil {
				trySend(ctx, chunks, malformed(err))
				return
			}
			if len(ev.Choices) == 0 {
				continue
			}
			ch := ev.Choices[0]
			if ch.FinishReason != "" {
				finish = finishReason(ch.FinishReason)
			}
			if ch.Delta.Content != "" {
				if !trySend(ctx, chunks, llm.ResponseChunk{Text: ch.Delta.Content}) {
					return
				}
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
		// closed without [DONE]
		trySend(ctx, chunks, llm.ResponseChunk{Error: &llm.TransportError{Op: "stream", Err: llm.ErrTruncatedStream}})
	}()

	return &llm.StreamResponse{Chunks: chunks, Done: done}, nil
}

// --- wire types ---

type chatCompletion struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// --- helpers ---

func finishReason(s string) llm.FinishReason {
	if s == "length" {
		return llm.FinishReasonMaxTokens
	}
	if s == "" {
		return ""
	}
	return llm.FinishReasonStop
}

// isReasoningModel returns true for OpenAI reasoning models (o1, o3 families)
// which use max_completion_tokens instead of max_tokens and don't support temperature.
func isReasoningModel(model string) bool {
	return model == "o1" || model == "o3" ||
		strings.HasPrefix(model, "o1-") || strings.HasPrefix(model, "o3-")
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
