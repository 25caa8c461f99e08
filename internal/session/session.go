// Package session owns conversations with a chat model: their message
// logs, token accounting, tool selection and the manager that keys them.
package session

import (
	"sync"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
)

// DefaultKey names the session used when a caller gives no key.
const DefaultKey = "default"

// DefaultSystemPrompt is used when neither the manager nor the caller
// supplies one.
const DefaultSystemPrompt = "You are a helpful assistant."

// Session is one conversation. Turns on a session are serialized; reads of
// its state may happen at any time.
type Session struct {
	key       string
	createdAt time.Time

	// turnMu is held for the whole of a turn so that exchanges on one
	// session are applied in order.
	turnMu sync.Mutex

	mu      sync.RWMutex
	title   string
	owner   string
	model   string
	system  string
	params  llm.Params
	persist bool
	recent  int
	log     Log
	tokens  Accountant
	updated time.Time
}

// Option configures a session at creation.
type Option func(*Session)

func WithTitle(title string) Option {
	return func(s *Session) { s.title = title }
}

// WithOwner records the client that created the session.
func WithOwner(owner string) Option {
	return func(s *Session) { s.owner = owner }
}

func WithModel(model string) Option {
	return func(s *Session) { s.model = model }
}

func WithSystemPrompt(system string) Option {
	return func(s *Session) { s.system = system }
}

// WithParams merges p over the manager defaults.
func WithParams(p llm.Params) Option {
	return func(s *Session) { s.params = s.params.Merge(p) }
}

func WithPersist(persist bool) Option {
	return func(s *Session) { s.persist = persist }
}

// WithRecentMessages limits how many stored messages are sent as history.
// Zero or less sends everything.
func WithRecentMessages(n int) Option {
	return func(s *Session) { s.recent = n }
}

func newSession(key string, d Defaults, now time.Time, opts ...Option) *Session {
	s := &Session{
		key:       key,
		createdAt: now,
		updated:   now,
		model:     d.Model,
		system:    d.System,
		params:    d.Params,
		persist:   d.Persist,
		recent:    d.RecentMessages,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.system == "" {
		s.system = DefaultSystemPrompt
	}
	return s
}

func (s *Session) Key() string          { return s.key }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.title
}

func (s *Session) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

func (s *Session) System() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.system
}

func (s *Session) Params() llm.Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params.Merge(llm.Params{})
}

func (s *Session) Persist() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persist
}

// Messages returns a copy of the message log.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Messages()
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.log.Len()
}

func (s *Session) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens.Totals()
}

// Info is a summary of a session for listings.
type Info struct {
	Key          string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	Owner        string    `json:"-"`
	Model        string    `json:"model"`
	Messages     int       `json:"messages"`
	Totals       Totals    `json:"totals"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		Key:          s.key,
		Title:        s.title,
		Owner:        s.owner,
		Model:        s.model,
		Messages:     s.log.Len(),
		Totals:       s.tokens.Totals(),
		CreatedAt:    s.createdAt,
		LastActiveAt: s.updated,
	}
}

// recordUsage adds one call's token counts to the session totals.
func (s *Session) recordUsage(u *llm.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u == nil {
		s.tokens.Record(Unknown, Unknown)
		return
	}
	s.tokens.Record(u.PromptTokens, u.CompletionTokens)
}

// commit stores a finished exchange when persist is set.
func (s *Session) commit(persist bool, user, assistant Message, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if persist {
		s.log.AppendTurn(user, assistant)
	}
	s.updated = now
}

// reset clears the log and totals, keeping configuration.
func (s *Session) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log.Clear()
	s.tokens.Reset()
	s.updated = now
}
