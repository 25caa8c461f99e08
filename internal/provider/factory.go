// Package provider builds the llm.Client configured for this process.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/provider/anthropic"
	"github.com/ginkida/chat-runner/internal/provider/gemini"
	openaiProvider "github.com/ginkida/chat-runner/internal/provider/openai"
	"github.com/ginkida/chat-runner/internal/resilience"
)

// ErrNoProvider is returned for a model whose provider has no credential.
var ErrNoProvider = errors.New("no provider configured")

// Router sends each request to the provider serving its model. Sessions
// may each use a different model.
type Router struct {
	model   string
	clients map[string]llm.Client
}

// NewClient creates a client for every provider with a configured key.
// The default model's provider must be among them. Circuit breakers are
// shared per endpoint host.
func NewClient(cfg *config.Config) (llm.Client, error) {
	p := cfg.Providers
	model := cfg.Defaults.Model
	if p.KeyFor(model) == "" {
		return nil, fmt.Errorf("%s API key not configured for model %s", config.Provider(model), model)
	}

	r := &Router{model: model, clients: make(map[string]llm.Client)}
	if p.OpenAIKey != "" {
		base := openaiProvider.DefaultBaseURL
		if p.OpenAIBaseURL != "" {
			base = p.OpenAIBaseURL
		}
		c, err := openaiProvider.New(p.OpenAIKey, modelFor("openai", model, "gpt-3.5-turbo"),
			openaiProvider.WithBaseURL(base),
			openaiProvider.WithMaxRetries(p.MaxRetries),
			openaiProvider.WithCircuitBreaker(buildCircuitBreaker("openai", base, &cfg.CircuitBreaker)),
		)
		if err != nil {
			return nil, err
		}
		r.clients["openai"] = c
	}
	if p.AnthropicKey != "" {
		base := anthropic.DefaultBaseURL
		if p.AnthropicBaseURL != "" {
			base = p.AnthropicBaseURL
		}
		c, err := anthropic.New(p.AnthropicKey, modelFor("anthropic", model, "claude-3-5-haiku-latest"),
			anthropic.WithBaseURL(base),
			anthropic.WithMaxRetries(p.MaxRetries),
			anthropic.WithCircuitBreaker(buildCircuitBreaker("anthropic", base, &cfg.CircuitBreaker)),
		)
		if err != nil {
			return nil, err
		}
		r.clients["anthropic"] = c
	}
	if p.GeminiKey != "" {
		base := gemini.DefaultBaseURL
		if p.GeminiBaseURL != "" {
			base = p.GeminiBaseURL
		}
		c, err := gemini.New(p.GeminiKey, modelFor("gemini", model, "gemini-2.0-flash"),
			gemini.WithBaseURL(base),
			gemini.WithMaxRetries(p.MaxRetries),
			gemini.WithCircuitBreaker(buildCircuitBreaker("gemini", base, &cfg.CircuitBreaker)),
		)
		if err != nil {
			return nil, err
		}
		r.clients["gemini"] = c
	}
	return r, nil
}

// modelFor returns model when provider serves it, else fallback.
func modelFor(provider, model, fallback string) string {
	if config.Provider(model) == provider {
		return model
	}
	return fallback
}

func (r *Router) Model() string { return r.model }

func (r *Router) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, req)
}

func (r *Router) Stream(ctx context.Context, req *llm.Request) (*llm.StreamResponse, error) {
	c, err := r.route(req)
	if err != nil {
		return nil, err
	}
	return c.Stream(ctx, req)
}

func (r *Router) route(req *llm.Request) (llm.Client, error) {
	model := req.Model
	if model == "" {
		model = r.model
	}
	name := config.Provider(model)
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s key needed for model %s", ErrNoProvider, name, model)
	}
	return c, nil
}

func buildCircuitBreaker(provider, baseURL string, cbCfg *config.CircuitBreakerConfig) *resilience.CircuitBreaker {
	maxFailures := 5
	resetTimeout := 30 * time.Second
	if cbCfg != nil {
		if cbCfg.MaxFailures > 0 {
			maxFailures = cbCfg.MaxFailures
		}
		if cbCfg.ResetTimeoutSec > 0 {
			resetTimeout = time.Duration(cbCfg.ResetTimeoutSec) * time.Second
		}
	}
	return resilience.GetOrCreateCircuitBreaker(breakerName(provider, baseURL), maxFailures, resetTimeout)
}

func breakerName(provider, baseURL string) string {
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		return provider + ":" + strings.ToLower(u.Host)
	}
	return provider + ":" + baseURL
}
