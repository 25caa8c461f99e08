package session

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
)

// Fragment is one step of a streamed reply: the new text and everything
// received so far.
type Fragment struct {
	Delta    string `json:"delta"`
	Response string `json:"response"`
}

// TurnStream delivers a reply incrementally. The turn is stored only once
// Next has returned io.EOF; closing earlier abandons it and discards the
// partial text. Close must always be called. Not safe for concurrent use.
type TurnStream struct {
	m      *Manager
	ctx    context.Context
	cancel context.CancelFunc
	plan   *plan
	stream *llm.StreamResponse
	asm    llm.Assembler

	result  *TurnResult
	err     error
	closed  bool
	release sync.Once
}

// StreamTurn starts a turn whose reply is read through the returned
// stream. Tool selection, when tools are offered, completes before
// StreamTurn returns. The session stays locked for other turns until the
// stream finishes or is closed.
func (m *Manager) StreamTurn(ctx context.Context, key, input string, opts ...TurnOption) (*TurnStream, error) {
	cfg, err := newTurnConfig(opts)
	if err != nil {
		return nil, err
	}
	sess, err := m.resolve(key)
	if err != nil {
		return nil, err
	}

	sess.turnMu.Lock()
	m.active.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	unlock := func() {
		cancel()
		m.active.Add(-1)
		sess.turnMu.Unlock()
	}

	p, err := m.prepare(ctx, sess, input, cfg)
	if err != nil {
		m.fail(ctx, sess.key, err)
		unlock()
		return nil, err
	}
	sr, err := m.client.Stream(ctx, p.request())
	if err != nil {
		err = fmt.Errorf("generation call: %w", err)
		m.fail(ctx, sess.key, err)
		unlock()
		return nil, err
	}

	return &TurnStream{m: m, ctx: ctx, cancel: cancel, plan: p, stream: sr}, nil
}

// Next returns the next fragment, io.EOF once the reply is complete and
// stored, or the error that ended the turn.
func (s *TurnStream) Next() (Fragment, error) {
	if s.closed {
		return Fragment{}, ErrStreamClosed
	}
	if s.result != nil {
		return Fragment{}, io.EOF
	}
	if s.err != nil {
		return Fragment{}, s.err
	}

	for {
		// cancellation wins over chunks already queued
		if err := s.ctx.Err(); err != nil {
			return Fragment{}, s.abort(err)
		}
		select {
		case <-s.ctx.Done():
			return Fragment{}, s.abort(s.ctx.Err())
		case chunk, ok := <-s.stream.Chunks:
			if !ok {
				// the producer also closes on cancellation
				if err := s.ctx.Err(); err != nil {
					return Fragment{}, s.abort(err)
				}
				// only a Done chunk commits the turn
				return Fragment{}, s.abort(fmt.Errorf("generation call: %w",
					&llm.TransportError{Op: "stream", Err: llm.ErrTruncatedStream}))
			}
			if chunk.Error != nil {
				return Fragment{}, s.abort(fmt.Errorf("generation call: %w", chunk.Error))
			}
			if chunk.Text != "" {
				delta, total := s.asm.Consume(chunk.Text)
				if chunk.Done {
					// deliver the text now; EOF comes on the next call
					s.complete(chunk.FinishReason)
				}
				return Fragment{Delta: delta, Response: total}, nil
			}
			if chunk.Done {
				s.complete(chunk.FinishReason)
				return Fragment{}, io.EOF
			}
		}
	}
}

// Result returns the stored turn once Next has reported io.EOF.
func (s *TurnStream) Result() *TurnResult {
	return s.result
}

// Tool returns the tool chosen for this turn and its menu index, or ""
// and 0 when none was called.
func (s *TurnStream) Tool() (string, int) {
	return s.plan.result.Tool, s.plan.result.ToolIndex
}

// Text returns the reply accumulated so far.
func (s *TurnStream) Text() string {
	return s.asm.Text()
}

// Close releases the session. Closing before completion abandons the turn.
func (s *TurnStream) Close() error {
	if s.closed {
		return nil
	}
	if s.result == nil && s.err == nil {
		// the generation call was billed but its counts never arrive
		s.plan.sess.recordUsage(nil)
		s.m.emit(context.WithoutCancel(s.ctx), observability.EventTurnAbandon, observability.LevelInfo, map[string]any{
			"session":   s.plan.sess.key,
			"fragments": s.asm.Fragments(),
		})
	}
	s.closed = true
	s.done()
	return nil
}

func (s *TurnStream) complete(reason llm.FinishReason) {
	if reason == "" {
		reason = llm.FinishReasonStop
	}
	s.result = s.m.finish(s.ctx, s.plan, s.asm.Text(), reason, nil)
	s.done()
}

func (s *TurnStream) abort(err error) error {
	s.err = err
	s.m.fail(context.WithoutCancel(s.ctx), s.plan.sess.key, err)
	s.done()
	return err
}

func (s *TurnStream) done() {
	s.release.Do(func() {
		s.cancel()
		s.m.active.Add(-1)
		s.plan.sess.turnMu.Unlock()
	})
}
