package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/tools"
)

// selectTool asks the model to pick one of ts with a single constrained
// digit, then calls the chosen tool and folds its context into p.
func (m *Manager) selectTool(ctx context.Context, p *plan, ts []tools.Tool) error {
	menu, err := tools.NewMenu(ts)
	if err != nil {
		return err
	}

	p.sess.mu.RLock()
	msgs := p.sess.log.Render(menu.Prompt(), p.recent, p.input)
	p.sess.mu.RUnlock()

	resp, err := m.client.Complete(ctx, &llm.Request{
		Model:      p.model,
		Messages:   msgs,
		Params:     tools.SelectionParams(),
		Vocabulary: tools.Digits,
	})
	if err != nil {
		return fmt.Errorf("tool selection call: %w", err)
	}
	usage := resp.Usage
	p.sess.recordUsage(&usage)

	idx, err := tools.ParseSelection(resp.Text, menu.Len())
	switch {
	case errors.Is(err, tools.ErrIndexOutOfRange):
		m.emit(ctx, observability.EventToolOutOfRange, observability.LevelWarning, map[string]any{
			"session": p.sess.key,
			"index":   idx,
			"tools":   menu.Len(),
		})
		idx = 0
	case err != nil:
		return &llm.TransportError{Op: "tool selection", Err: err}
	}

	tool, ok := menu.Tool(idx)
	if !ok {
		m.emit(ctx, observability.EventToolSelect, observability.LevelVerbose, map[string]any{
			"session": p.sess.key,
			"index":   0,
		})
		return nil
	}
	m.emit(ctx, observability.EventToolSelect, observability.LevelVerbose, map[string]any{
		"session": p.sess.key,
		"index":   idx,
		"tool":    tool.Name(),
	})

	out, err := tools.Invoke(ctx, tool, p.input)
	if err != nil {
		return err
	}
	m.emit(ctx, observability.EventToolCall, observability.LevelInfo, map[string]any{
		"session":       p.sess.key,
		"tool":          tool.Name(),
		"context_bytes": len(out.Context),
	})

	p.system += tools.ContextInstruction
	p.wireInput = tools.InjectContext(out.Context, p.input)
	p.result.Tool = tool.Name()
	p.result.ToolIndex = idx
	p.result.Context = out.Metadata
	return nil
}
