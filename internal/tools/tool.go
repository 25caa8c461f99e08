// Package tools defines the tools a turn may offer to the model and the
// numbered-menu protocol used to let the model pick one.
package tools

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxContextBytes caps the context text a tool may inject into a prompt.
const MaxContextBytes = 100 * 1024

// Tool produces context for a user message. Description is shown to the
// model verbatim as the menu entry.
type Tool interface {
	Name() string
	Description() string
	Call(ctx context.Context, input string) (*Output, error)
}

// Output is what a tool hands back: text folded into the generation call
// and optional metadata returned to the caller untouched.
type Output struct {
	Context  string         `json:"context"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CallError reports a failing tool. The turn is aborted and not recorded.
type CallError struct {
	Tool string
	Err  error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

type funcTool struct {
	name, description string
	fn                func(ctx context.Context, input string) (*Output, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.description }

func (t *funcTool) Call(ctx context.Context, input string) (*Output, error) {
	return t.fn(ctx, input)
}

// Func adapts a function returning plain context text into a Tool.
func Func(name, description string, fn func(ctx context.Context, input string) (string, error)) Tool {
	return &funcTool{
		name:        name,
		description: description,
		fn: func(ctx context.Context, input string) (*Output, error) {
			text, err := fn(ctx, input)
			if err != nil {
				return nil, err
			}
			return &Output{Context: text}, nil
		},
	}
}

// FuncWithOutput adapts a function returning context and metadata into a Tool.
func FuncWithOutput(name, description string, fn func(ctx context.Context, input string) (*Output, error)) Tool {
	return &funcTool{name: name, description: description, fn: fn}
}

// Invoke calls t, converting failures and panics into a *CallError and
// truncating oversized context.
func Invoke(ctx context.Context, t Tool, input string) (out *Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &CallError{Tool: t.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out, err = t.Call(ctx, input)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, &CallError{Tool: t.Name(), Err: err}
	}
	if out == nil {
		out = &Output{}
	}
	out.Context = truncate(out.Context, MaxContextBytes)
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
