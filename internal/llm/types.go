// Package llm defines the provider-neutral request and response types
// exchanged between the session engine and a chat-completion transport.
package llm

import (
	"context"
	"slices"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single role/content pair as sent on the wire.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Params holds generation parameters. Zero values mean "use the provider
// default" and are omitted from the request.
type Params struct {
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens        int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty" yaml:"stop,omitempty"`
}

// Merge returns a copy of p with every non-zero field of override applied.
// The result shares no memory with either argument.
func (p Params) Merge(override Params) Params {
	out := Params{MaxTokens: p.MaxTokens, Stop: slices.Clone(p.Stop)}
	if p.Temperature != nil {
		out.Temperature = Float(*p.Temperature)
	}
	if p.TopP != nil {
		out.TopP = Float(*p.TopP)
	}
	if p.PresencePenalty != nil {
		out.PresencePenalty = Float(*p.PresencePenalty)
	}
	if p.FrequencyPenalty != nil {
		out.FrequencyPenalty = Float(*p.FrequencyPenalty)
	}
	if override.Temperature != nil {
		out.Temperature = Float(*override.Temperature)
	}
	if override.TopP != nil {
		out.TopP = Float(*override.TopP)
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.PresencePenalty != nil {
		out.PresencePenalty = Float(*override.PresencePenalty)
	}
	if override.FrequencyPenalty != nil {
		out.FrequencyPenalty = Float(*override.FrequencyPenalty)
	}
	if len(override.Stop) > 0 {
		out.Stop = slices.Clone(override.Stop)
	}
	return out
}

// IsZero reports whether no parameter is set.
func (p Params) IsZero() bool {
	return p.Temperature == nil && p.TopP == nil && p.MaxTokens == 0 &&
		p.PresencePenalty == nil && p.FrequencyPenalty == nil && len(p.Stop) == 0
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Request is a single chat-completion call.
type Request struct {
	Model    string
	Messages []Message
	Params   Params

	// Vocabulary, when non-empty, restricts the output to exactly these
	// token strings. Providers that cannot express the constraint must
	// reject the request.
	Vocabulary []string
}

// FinishReason indicates why the model stopped generating.
type FinishReason string

const (
	FinishReasonStop      FinishReason = "stop"
	FinishReasonMaxTokens FinishReason = "length"
)

// Usage reports token counts for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a complete, non-streamed generation.
type Response struct {
	Text         string
	FinishReason FinishReason
	Usage        Usage
}

// Client is the transport to a chat-completion service.
type Client interface {
	// Complete issues a request and blocks until the full response is
	// available.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream issues a request and returns incremental fragments.
	// Cancelling ctx stops the producer.
	Stream(ctx context.Context, req *Request) (*StreamResponse, error)

	// Model returns the default model identifier.
	Model() string
}
