package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/tools"
)

// TurnOption overrides session settings for a single turn.
type TurnOption func(*turnConfig)

type turnConfig struct {
	system  *string
	params  llm.Params
	persist *bool
	recent  *int
	tools   []tools.Tool
}

// WithSystem replaces the system prompt for this turn only.
func WithSystem(system string) TurnOption {
	return func(c *turnConfig) { c.system = &system }
}

// WithTurnParams merges p over the session parameters for this turn.
func WithTurnParams(p llm.Params) TurnOption {
	return func(c *turnConfig) { c.params = c.params.Merge(p) }
}

// WithTurnPersist decides whether this turn is stored.
func WithTurnPersist(persist bool) TurnOption {
	return func(c *turnConfig) { c.persist = &persist }
}

// WithTurnRecent limits the history sent for this turn.
func WithTurnRecent(n int) TurnOption {
	return func(c *turnConfig) { c.recent = &n }
}

// WithTools offers up to tools.MaxTools tools, numbered in the given order.
func WithTools(ts ...tools.Tool) TurnOption {
	return func(c *turnConfig) { c.tools = append(c.tools, ts...) }
}

// TurnResult is what a caller gets back for one exchange.
type TurnResult struct {
	Session      string           `json:"session"`
	Response     string           `json:"response"`
	Tool         string           `json:"tool,omitempty"`
	ToolIndex    int              `json:"tool_index"`
	Context      map[string]any   `json:"context,omitempty"`
	FinishReason llm.FinishReason `json:"finish_reason,omitempty"`
	// Usage covers the generation call. Nil for streamed turns.
	Usage *llm.Usage `json:"usage,omitempty"`
}

// plan is a turn ready to send: settings resolved and, when a tool was
// chosen, its context folded in.
type plan struct {
	sess      *Session
	input     string
	wireInput string
	system    string
	model     string
	params    llm.Params
	persist   bool
	recent    int
	started   time.Time
	result    TurnResult
}

func (p *plan) request() *llm.Request {
	p.sess.mu.RLock()
	msgs := p.sess.log.Render(p.system, p.recent, p.wireInput)
	p.sess.mu.RUnlock()
	return &llm.Request{Model: p.model, Messages: msgs, Params: p.params}
}

func newTurnConfig(opts []TurnOption) (*turnConfig, error) {
	cfg := &turnConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.tools) > 0 {
		if err := tools.Validate(cfg.tools); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// prepare resolves settings and runs tool selection. The caller holds
// sess.turnMu.
func (m *Manager) prepare(ctx context.Context, sess *Session, input string, cfg *turnConfig) (*plan, error) {
	sess.mu.RLock()
	p := &plan{
		sess:      sess,
		input:     input,
		wireInput: input,
		system:    sess.system,
		model:     sess.model,
		params:    sess.params.Merge(cfg.params),
		persist:   sess.persist,
		recent:    sess.recent,
		started:   m.now().UTC(),
		result:    TurnResult{Session: sess.key},
	}
	sess.mu.RUnlock()

	if cfg.system != nil {
		p.system = *cfg.system
	}
	if cfg.persist != nil {
		p.persist = *cfg.persist
	}
	if cfg.recent != nil {
		p.recent = *cfg.recent
	}

	m.emit(ctx, observability.EventTurnStart, observability.LevelVerbose, map[string]any{
		"session": sess.key,
		"tools":   len(cfg.tools),
		"persist": p.persist,
	})

	if len(cfg.tools) > 0 {
		if err := m.selectTool(ctx, p, cfg.tools); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// finish stores the exchange and builds the result.
func (m *Manager) finish(ctx context.Context, p *plan, text string, reason llm.FinishReason, usage *llm.Usage) *TurnResult {
	now := m.now().UTC()
	p.sess.recordUsage(usage)
	p.sess.commit(p.persist,
		Message{Role: llm.RoleUser, Content: p.input, ReceivedAt: p.started},
		Message{Role: llm.RoleAssistant, Content: text, ReceivedAt: now, FinishReason: reason, Usage: usage},
		now,
	)

	res := p.result
	res.Response = text
	res.FinishReason = reason
	res.Usage = usage

	m.emit(ctx, observability.EventTurnComplete, observability.LevelInfo, map[string]any{
		"session":     p.sess.key,
		"tool":        res.Tool,
		"persisted":   p.persist,
		"duration_ms": now.Sub(p.started).Milliseconds(),
	})
	return &res
}

func (m *Manager) fail(ctx context.Context, key string, err error) {
	m.emit(ctx, observability.EventTurnError, observability.LevelError, map[string]any{
		"session": key,
		"error":   err.Error(),
	})
}

// RunTurn sends input on the session for key and waits for the full
// reply. Unknown keys are created with the manager defaults; deleted keys
// return ErrSessionNotFound. Nothing is stored if any call fails.
func (m *Manager) RunTurn(ctx context.Context, key, input string, opts ...TurnOption) (*TurnResult, error) {
	cfg, err := newTurnConfig(opts)
	if err != nil {
		return nil, err
	}
	sess, err := m.resolve(key)
	if err != nil {
		return nil, err
	}

	sess.turnMu.Lock()
	defer sess.turnMu.Unlock()
	m.active.Add(1)
	defer m.active.Add(-1)

	p, err := m.prepare(ctx, sess, input, cfg)
	if err != nil {
		m.fail(ctx, sess.key, err)
		return nil, err
	}

	resp, err := m.client.Complete(ctx, p.request())
	if err != nil {
		err = fmt.Errorf("generation call: %w", err)
		m.fail(ctx, sess.key, err)
		return nil, err
	}
	usage := resp.Usage
	return m.finish(ctx, p, resp.Text, resp.FinishReason, &usage), nil
}
