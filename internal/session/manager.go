package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
)

// Defaults seed every session the manager creates.
type Defaults struct {
	Model          string
	System         string
	Params         llm.Params
	Persist        bool
	RecentMessages int
}

// DefaultDefaults mirrors the stock configuration.
func DefaultDefaults() Defaults {
	return Defaults{
		Model:   "gpt-3.5-turbo",
		System:  DefaultSystemPrompt,
		Params:  llm.Params{Temperature: llm.Float(0.7)},
		Persist: true,
	}
}

// Manager owns every session keyed by name. At most one Session exists per
// key. Deleted keys are remembered so that turns on them fail instead of
// silently starting a new conversation.
type Manager struct {
	client        llm.Client
	defaults      Defaults
	observer      observability.Observer
	maxConcurrent int
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	deleted  map[string]struct{}

	active atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithDefaults(d Defaults) ManagerOption {
	return func(m *Manager) { m.defaults = d }
}

func WithObserver(o observability.Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithMaxConcurrent bounds how many turns RunMany runs at once. Zero means
// no bound.
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) { m.maxConcurrent = n }
}

// NewManager creates a manager that talks to the model through client.
func NewManager(client llm.Client, opts ...ManagerOption) *Manager {
	m := &Manager{
		client:   client,
		defaults: DefaultDefaults(),
		observer: observability.NoOpObserver{},
		now:      time.Now,
		sessions: make(map[string]*Session),
		deleted:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.defaults.Model == "" && client != nil {
		m.defaults.Model = client.Model()
	}
	return m
}

// Defaults returns the settings new sessions start from.
func (m *Manager) Defaults() Defaults { return m.defaults }

// NewKey returns a fresh, time-ordered session key.
func NewKey() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func normalizeKey(key string) string {
	if key == "" {
		return DefaultKey
	}
	return key
}

// GetOrCreate returns the session for key, creating it with opts when
// absent. Options are ignored for an existing session. Creating a
// previously deleted key revives it as a fresh session.
func (m *Manager) GetOrCreate(key string, opts ...Option) *Session {
	key = normalizeKey(key)

	m.mu.RLock()
	sess, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	if sess, ok = m.sessions[key]; ok {
		m.mu.Unlock()
		return sess
	}
	sess = newSession(key, m.defaults, m.now().UTC(), opts...)
	m.sessions[key] = sess
	delete(m.deleted, key)
	m.mu.Unlock()

	m.emit(context.Background(), observability.EventSessionCreate, observability.LevelInfo, map[string]any{
		"session": key,
		"model":   sess.Model(),
	})
	return sess
}

// Create adds a session under key, failing if one exists. An empty key
// gets a generated one.
func (m *Manager) Create(key string, opts ...Option) (*Session, error) {
	if key == "" {
		key = NewKey()
	}

	m.mu.Lock()
	if _, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return nil, &ErrSessionExists{Key: key}
	}
	sess := newSession(key, m.defaults, m.now().UTC(), opts...)
	m.sessions[key] = sess
	delete(m.deleted, key)
	m.mu.Unlock()

	m.emit(context.Background(), observability.EventSessionCreate, observability.LevelInfo, map[string]any{
		"session": key,
		"model":   sess.Model(),
	})
	return sess, nil
}

// Get returns an existing session.
func (m *Manager) Get(key string) (*Session, error) {
	key = normalizeKey(key)
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[key]
	if !ok {
		return nil, &ErrSessionNotFound{Key: key}
	}
	return sess, nil
}

// resolve finds the session a turn runs on: existing sessions are used,
// unknown keys are created, deleted keys fail.
func (m *Manager) resolve(key string) (*Session, error) {
	key = normalizeKey(key)

	m.mu.RLock()
	sess, ok := m.sessions[key]
	_, gone := m.deleted[key]
	m.mu.RUnlock()
	switch {
	case ok:
		return sess, nil
	case gone:
		return nil, &ErrSessionNotFound{Key: key}
	}

	m.mu.Lock()
	if sess, ok = m.sessions[key]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	if _, gone = m.deleted[key]; gone {
		m.mu.Unlock()
		return nil, &ErrSessionNotFound{Key: key}
	}
	sess = newSession(key, m.defaults, m.now().UTC())
	m.sessions[key] = sess
	m.mu.Unlock()

	m.emit(context.Background(), observability.EventSessionCreate, observability.LevelInfo, map[string]any{
		"session": key,
		"model":   sess.Model(),
	})
	return sess, nil
}

// Delete removes a session. A turn already running on it completes
// against the detached session.
func (m *Manager) Delete(key string) error {
	key = normalizeKey(key)

	m.mu.Lock()
	if _, ok := m.sessions[key]; !ok {
		m.mu.Unlock()
		return &ErrSessionNotFound{Key: key}
	}
	delete(m.sessions, key)
	m.deleted[key] = struct{}{}
	m.mu.Unlock()

	m.emit(context.Background(), observability.EventSessionDelete, observability.LevelInfo, map[string]any{"session": key})
	return nil
}

// Reset clears a session's log and totals, waiting for any running turn.
func (m *Manager) Reset(key string) error {
	sess, err := m.Get(key)
	if err != nil {
		return err
	}
	sess.turnMu.Lock()
	sess.reset(m.now().UTC())
	sess.turnMu.Unlock()

	m.emit(context.Background(), observability.EventSessionReset, observability.LevelInfo, map[string]any{"session": sess.Key()})
	return nil
}

// Restore installs a snapshot under key (the snapshot's own ID, or a new
// key, when empty). An existing session is replaced in place and keeps
// its owner; opts apply to a newly created one after the snapshot's own
// settings. Invalid snapshots install nothing.
func (m *Manager) Restore(key string, snap *Snapshot, opts ...Option) (*Session, error) {
	r, err := snap.validate()
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = snap.ID
	}
	if key == "" {
		key = NewKey()
	}

	created := r.createdAt
	if created.IsZero() {
		created = m.now().UTC()
	}
	fresh := newSession(key, m.defaults, created, append(r.opts, opts...)...)
	fresh.log.replace(r.messages)
	fresh.tokens.Restore(r.totals)
	if last, ok := fresh.log.Last(); ok {
		fresh.updated = last.ReceivedAt
	}

	m.mu.Lock()
	existing, ok := m.sessions[key]
	if !ok {
		m.sessions[key] = fresh
		delete(m.deleted, key)
	}
	m.mu.Unlock()

	sess := fresh
	if ok {
		existing.turnMu.Lock()
		existing.install(fresh)
		existing.turnMu.Unlock()
		sess = existing
	}

	m.emit(context.Background(), observability.EventSessionRestore, observability.LevelInfo, map[string]any{
		"session":  key,
		"messages": len(r.messages),
	})
	return sess, nil
}

// install copies the state of src into s.
func (s *Session) install(src *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.title = src.title
	s.model = src.model
	s.system = src.system
	s.params = src.params
	s.persist = src.persist
	s.recent = src.recent
	s.log = src.log
	s.tokens = src.tokens
	s.updated = src.updated
}

// List returns a summary of every session, sorted by key.
func (m *Manager) List() []Info {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	out := make([]Info, len(sessions))
	for i, s := range sessions {
		out[i] = s.Info()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the total number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ActiveTurns returns the number of turns in flight.
func (m *Manager) ActiveTurns() int {
	return int(m.active.Load())
}

// Drain waits for in-flight turns to finish or ctx to expire.
func (m *Manager) Drain(ctx context.Context) error {
	if m.ActiveTurns() == 0 {
		return nil
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.ActiveTurns() == 0 {
				return nil
			}
		}
	}
}

func (m *Manager) emit(ctx context.Context, t observability.EventType, lvl observability.Level, data map[string]any) {
	m.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     lvl,
		Timestamp: m.now(),
		Source:    "session",
		Data:      data,
	})
}
