// Package gemini implements llm.Client for the Gemini REST API (no SDK
// dependency). Output vocabulary constraints are not supported.
package gemini

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

// DefaultBaseURL is the public Gemini endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

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
	model, body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}
	var result *llm.Response
	err = c.withResilience(ctx, func() error {
		r, e := c.doComplete(ctx, model, body)
		if e == nil {
			result = r
		}
		return e
	})
	return result, err
}

func (c *Client) Stream(ctx context.Context, req *llm.Request) (*llm.StreamResponse, error) {
	model, body, err := c.buildBody(req)
	if err != nil {
		return nil, err
	}
	var result *llm.StreamResponse
	err = c.withResilience(ctx, func() error {
		r, e := c.doStream(ctx, model, body)
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

func (c *Client) buildBody(req *llm.Request) (string, map[string]any, error) {
	if len(req.Vocabulary) > 0 {
		return "", nil, &llm.TransportError{
			Op:  "build request",
			Err: fmt.Errorf("%w: Gemini cannot bias tokens", llm.ErrUnsupportedVocabulary),
		}
	}
	model := req.Model
	if model == "" {
		model = c.model
	}

	var system []string
	contents := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == llm.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": m.Content}},
		})
	}
	body := map[string]any{"contents": contents}
	if len(system) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}

	p := req.Params
	genCfg := map[string]any{}
	if p.Temperature != nil {
		genCfg["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		genCfg["topP"] = *p.TopP
	}
	if p.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = p.MaxTokens
	}
	if p.PresencePenalty != nil {
		genCfg["presencePenalty"] = *p.PresencePenalty
	}
	if p.FrequencyPenalty != nil {
		genCfg["frequencyPenalty"] = *p.FrequencyPenalty
	}
	if len(p.Stop) > 0 {
		genCfg["stopSequences"] = p.Stop
	}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}
	return model, body, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any, op string) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

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

func (c *Client) doComplete(ctx context.Context, model string, body map[string]any) (*llm.Response, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	resp, err := c.post(ctx, url, body, "complete")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&gr); err != nil {
		return nil, &llm.TransportError{Op: "complete", Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(gr.Candidates) == 0 {
		return nil, &llm.TransportError{Op: "complete", Err: llm.ErrEmptyResponse}
	}

	out := &llm.Response{
		Text:         gr.text(),
		FinishReason: finishReason(gr.Candidates[0].FinishReason),
	}
	if u := gr.UsageMetadata; u != nil {
		out.Usage = llm.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
		if out.Usage.TotalTokens == 0 {
			out.Usage.TotalTokens = u.PromptTokenCount + u.CandidatesTokenCount
		}
	}
	return out, nil
}

func (c *Client) doStream(ctx context.Context, model string, body map[string]any) (*llm.StreamResponse, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", c.baseURL, model)
	resp, err := c.post(ctx, url, body, "stream")
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
			var ev geminiResponse
			if err := json.Unmarshal([]byte(d), &ev); err != nil {
				trySend(ctx, chunks, malformed(err))
				return
			}
			if len(ev.Candidates) == 0 {
				continue
			}
			if text := ev.text(); text != "" {
				if !trySend(ctx, chunks, llm.ResponseChunk{Text: text}) {
					return
				}
			}
			if r := ev.Candidates[0].FinishReason; r != "" {
				finish = finishReason(r)
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
		// the last event of a complete reply carries finishReason
		if finish == "" {
			trySend(ctx, chunks, llm.ResponseChunk{Error: &llm.TransportError{Op: "stream", Err: llm.ErrTruncatedStream}})
			return
		}
		trySend(ctx, chunks, llm.ResponseChunk{Done: true, FinishReason: finish})
	}()

	return &llm.StreamResponse{Chunks: chunks, Done: done}, nil
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// text joins the parts of the first candidate.
func (r *geminiResponse) text() string {
	var b strings.Builder
	for _, p := range r.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func finishReason(s string) llm.FinishReason {
	switch s {
	case "":
		return ""
	case "MAX_TOKENS":
		return llm.FinishReasonMaxTokens
	default:
		return llm.FinishReasonStop
	}
}

func extractData(line string) string {
	if strings.HasPrefix(line, "data: ") {
		return strings.TrimPrefix(line, "data: ")
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
