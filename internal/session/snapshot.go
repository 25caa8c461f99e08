package session

import (
	"fmt"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
)

// Snapshot is the portable form of a whole session. Credentials are never
// part of it. Fields a format cannot carry are left zero and filled from
// manager defaults on restore.
type Snapshot struct {
	ID             string            `json:"id" yaml:"id"`
	Title          string            `json:"title,omitempty" yaml:"title,omitempty"`
	Model          string            `json:"model,omitempty" yaml:"model,omitempty"`
	System         string            `json:"system,omitempty" yaml:"system,omitempty"`
	Params         llm.Params        `json:"params,omitempty" yaml:"params,omitempty"`
	Persist        *bool             `json:"persist,omitempty" yaml:"persist,omitempty"`
	RecentMessages int               `json:"recent_messages,omitempty" yaml:"recent_messages,omitempty"`
	CreatedAt      string            `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Totals         Totals            `json:"totals" yaml:"totals"`
	Messages       []PortableMessage `json:"messages" yaml:"messages"`
}

// Snapshot captures the session's current state.
func (s *Session) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	persist := s.persist
	return &Snapshot{
		ID:             s.key,
		Title:          s.title,
		Model:          s.model,
		System:         s.system,
		Params:         s.params.Merge(llm.Params{}),
		Persist:        &persist,
		RecentMessages: s.recent,
		CreatedAt:      s.createdAt.UTC().Format(TimeFormat),
		Totals:         s.tokens.Totals(),
		Messages:       ToPortable(s.log.messages),
	}
}

// restored is a validated snapshot ready to install.
type restored struct {
	createdAt time.Time
	messages  []Message
	opts      []Option
	totals    Totals
}

func (snap *Snapshot) validate() (*restored, error) {
	msgs, err := FromPortable(snap.Messages)
	if err != nil {
		return nil, err
	}
	r := &restored{messages: msgs, totals: snap.Totals}

	if snap.CreatedAt != "" {
		ts, err := time.Parse(TimeFormat, snap.CreatedAt)
		if err != nil {
			return nil, &ErrMalformedSession{Field: "created_at", Index: -1, Reason: "not RFC 3339", Err: err}
		}
		r.createdAt = ts.UTC()
	} else if len(msgs) > 0 {
		r.createdAt = msgs[0].ReceivedAt
	}

	if snap.Totals.Prompt < 0 || snap.Totals.Completion < 0 || snap.Totals.Total < 0 {
		return nil, &ErrMalformedSession{Field: "totals", Index: -1, Reason: fmt.Sprintf("negative count %+v", snap.Totals)}
	}
	if snap.RecentMessages < 0 {
		return nil, &ErrMalformedSession{Field: "recent_messages", Index: -1, Reason: "negative"}
	}

	if snap.Title != "" {
		r.opts = append(r.opts, WithTitle(snap.Title))
	}
	if snap.Model != "" {
		r.opts = append(r.opts, WithModel(snap.Model))
	}
	if snap.System != "" {
		r.opts = append(r.opts, WithSystemPrompt(snap.System))
	}
	if !snap.Params.IsZero() {
		r.opts = append(r.opts, WithParams(snap.Params))
	}
	if snap.Persist != nil {
		r.opts = append(r.opts, WithPersist(*snap.Persist))
	}
	if snap.RecentMessages > 0 {
		r.opts = append(r.opts, WithRecentMessages(snap.RecentMessages))
	}
	return r, nil
}
