package session

import (
	"fmt"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
)

// TimeFormat is the timestamp layout of the portable form.
const TimeFormat = time.RFC3339Nano

// Message is one stored exchange half. Only user and assistant messages
// are ever stored; the system prompt lives on the session.
type Message struct {
	Role         llm.Role
	Content      string
	ReceivedAt   time.Time
	FinishReason llm.FinishReason
	// Usage is set on assistant messages whose call reported token counts.
	Usage *llm.Usage
}

// Log is the ordered message history of a session. Appends happen in
// user/assistant pairs. Not safe for concurrent use.
type Log struct {
	messages []Message
}

// AppendTurn stores one completed exchange.
func (l *Log) AppendTurn(user, assistant Message) {
	l.messages = append(l.messages, user, assistant)
}

func (l *Log) Len() int { return len(l.messages) }

// Messages returns a copy of the stored messages.
func (l *Log) Messages() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Last returns the most recent message.
func (l *Log) Last() (Message, bool) {
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}

func (l *Log) Clear() { l.messages = nil }

func (l *Log) replace(msgs []Message) { l.messages = msgs }

// Render builds the wire message list for one call: system prompt first,
// then the last recent stored messages (all when recent <= 0), then input.
func (l *Log) Render(system string, recent int, input string) []llm.Message {
	history := l.messages
	if recent > 0 && recent < len(history) {
		history = history[len(history)-recent:]
	}

	out := make([]llm.Message, 0, len(history)+2)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return append(out, llm.Message{Role: llm.RoleUser, Content: input})
}

// PortableMessage is the serializable form of a Message. Token counts are
// nil when unknown.
type PortableMessage struct {
	Role             string `json:"role" yaml:"role"`
	Content          string `json:"content" yaml:"content"`
	ReceivedAt       string `json:"received_at" yaml:"received_at"`
	FinishReason     string `json:"finish_reason,omitempty" yaml:"finish_reason,omitempty"`
	PromptTokens     *int   `json:"prompt_tokens,omitempty" yaml:"prompt_tokens,omitempty"`
	CompletionTokens *int   `json:"completion_tokens,omitempty" yaml:"completion_tokens,omitempty"`
	TotalTokens      *int   `json:"total_tokens,omitempty" yaml:"total_tokens,omitempty"`
}

// ToPortable converts messages to their serializable form.
func ToPortable(msgs []Message) []PortableMessage {
	out := make([]PortableMessage, len(msgs))
	for i, m := range msgs {
		p := PortableMessage{
			Role:         string(m.Role),
			Content:      m.Content,
			ReceivedAt:   m.ReceivedAt.UTC().Format(TimeFormat),
			FinishReason: string(m.FinishReason),
		}
		if m.Usage != nil {
			p.PromptTokens = intPtr(m.Usage.PromptTokens)
			p.CompletionTokens = intPtr(m.Usage.CompletionTokens)
			p.TotalTokens = intPtr(m.Usage.TotalTokens)
		}
		out[i] = p
	}
	return out
}

// FromPortable validates and converts serialized messages. Roles must
// alternate user, assistant starting with user and the log must end on an
// assistant message.
func FromPortable(ps []PortableMessage) ([]Message, error) {
	out := make([]Message, len(ps))
	for i, p := range ps {
		want := llm.RoleUser
		if i%2 == 1 {
			want = llm.RoleAssistant
		}
		if p.Role == "" {
			return nil, &ErrMalformedSession{Field: "role", Index: i, Reason: "missing"}
		}
		if llm.Role(p.Role) != want {
			return nil, &ErrMalformedSession{Field: "role", Index: i, Reason: fmt.Sprintf("got %q, want %q", p.Role, want)}
		}
		if p.ReceivedAt == "" {
			return nil, &ErrMalformedSession{Field: "received_at", Index: i, Reason: "missing"}
		}
		ts, err := time.Parse(TimeFormat, p.ReceivedAt)
		if err != nil {
			return nil, &ErrMalformedSession{Field: "received_at", Index: i, Reason: "not RFC 3339", Err: err}
		}

		m := Message{
			Role:         want,
			Content:      p.Content,
			ReceivedAt:   ts.UTC(),
			FinishReason: llm.FinishReason(p.FinishReason),
		}
		if p.PromptTokens != nil || p.CompletionTokens != nil || p.TotalTokens != nil {
			u := llm.Usage{}
			for _, f := range []struct {
				name string
				v    *int
				dst  *int
			}{
				{"prompt_tokens", p.PromptTokens, &u.PromptTokens},
				{"completion_tokens", p.CompletionTokens, &u.CompletionTokens},
				{"total_tokens", p.TotalTokens, &u.TotalTokens},
			} {
				if f.v == nil {
					continue
				}
				if *f.v < 0 {
					return nil, &ErrMalformedSession{Field: f.name, Index: i, Reason: "negative"}
				}
				*f.dst = *f.v
			}
			m.Usage = &u
		}
		out[i] = m
	}
	if len(out)%2 != 0 {
		return nil, &ErrMalformedSession{Field: "messages", Index: len(out) - 1, Reason: "log ends without an assistant reply"}
	}
	return out, nil
}

func intPtr(v int) *int { return &v }
