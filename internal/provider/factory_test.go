package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/llm"
)

func TestNewClientRequiresDefaultProviderKey(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Defaults.Model = "claude-3-5-haiku-latest"
	cfg.Providers.OpenAIKey = "sk-test"
	if _, err := NewClient(cfg); err == nil {
		t.Fatal("expected an error without an Anthropic key")
	}
}

func TestRouterPicksProviderByModel(t *testing.T) {
	openaiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"from openai"},"finish_reason":"stop"}],"usage":{}}`)
	}))
	defer openaiSrv.Close()
	anthropicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":[{"type":"text","text":"from anthropic"}],"stop_reason":"end_turn","usage":{}}`)
	}))
	defer anthropicSrv.Close()

	cfg := config.DefaultConfig()
	cfg.Defaults.Model = "gpt-4o-mini"
	cfg.Providers.MaxRetries = 0
	cfg.Providers.OpenAIKey = "sk-test"
	cfg.Providers.OpenAIBaseURL = openaiSrv.URL
	cfg.Providers.AnthropicKey = "ak-test"
	cfg.Providers.AnthropicBaseURL = anthropicSrv.URL

	client, err := NewClient(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if client.Model() != "gpt-4o-mini" {
		t.Errorf("model = %q", client.Model())
	}

	tests := []struct {
		model string
		want  string
	}{
		{"", "from openai"},
		{"gpt-4o", "from openai"},
		{"claude-3-5-sonnet-latest", "from anthropic"},
	}
	for _, tt := range tests {
		resp, err := client.Complete(context.Background(), &llm.Request{
			Model:    tt.model,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		})
		if err != nil {
			t.Fatalf("%q: %v", tt.model, err)
		}
		if resp.Text != tt.want {
			t.Errorf("%q answered %q, want %q", tt.model, resp.Text, tt.want)
		}
	}

	_, err = client.Stream(context.Background(), &llm.Request{
		Model:    "gemini-2.0-flash",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestBreakerName(t *testing.T) {
	if got := breakerName("openai", "https://API.openai.com/v1"); got != "openai:api.openai.com" {
		t.Errorf("breakerName = %q", got)
	}
	if got := breakerName("gemini", "not a url"); got != "gemini:not a url" {
		t.Errorf("breakerName = %q", got)
	}
}
