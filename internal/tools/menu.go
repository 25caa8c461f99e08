package tools

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ginkida/chat-runner/internal/llm"
)

// MaxTools is the largest menu a selection call can address: one digit
// per entry with 0 reserved for "no tool".
const MaxTools = 9

// MenuHeader introduces the numbered tool list in the selection prompt.
const MenuHeader = "From the list of tools below:\n" +
	"- Reply ONLY with the number of the tool appropriate in response to the user's last message.\n" +
	"- If no tool is appropriate, ONLY reply with \"0\"."

// ContextInstruction is appended to the system prompt when a tool's
// context is injected.
const ContextInstruction = "\n\nYou MUST use information from the context in your response."

var (
	ErrNoTools         = errors.New("no tools supplied")
	ErrTooManyTools    = fmt.Errorf("at most %d tools may be offered per turn", MaxTools)
	ErrNoDescription   = errors.New("tool has an empty description")
	ErrIndexOutOfRange = errors.New("tool index out of range")
	ErrNotADigit       = errors.New("selection response is not a number")
)

// Digits is the output vocabulary of a selection call.
var Digits = []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "9"}

// Menu is an ordered, 1-based list of tools offered to the model.
type Menu struct {
	tools []Tool
}

// Validate checks that ts can be rendered as a menu.
func Validate(ts []Tool) error {
	if len(ts) == 0 {
		return ErrNoTools
	}
	if len(ts) > MaxTools {
		return fmt.Errorf("%w: got %d", ErrTooManyTools, len(ts))
	}
	for i, t := range ts {
		if t == nil {
			return fmt.Errorf("tool %d is nil", i+1)
		}
		if strings.TrimSpace(t.Description()) == "" {
			return fmt.Errorf("%w: %q", ErrNoDescription, t.Name())
		}
	}
	return nil
}

// NewMenu numbers ts in the order supplied.
func NewMenu(ts []Tool) (*Menu, error) {
	if err := Validate(ts); err != nil {
		return nil, err
	}
	return &Menu{tools: append([]Tool(nil), ts...)}, nil
}

func (m *Menu) Len() int { return len(m.tools) }

// Lines renders each entry as "{index}. {description}".
func (m *Menu) Lines() []string {
	lines := make([]string, len(m.tools))
	for i, t := range m.tools {
		lines[i] = fmt.Sprintf("%d. %s", i+1, t.Description())
	}
	return lines
}

// Prompt returns the system prompt for the selection call.
func (m *Menu) Prompt() string {
	return MenuHeader + "\n\n" + strings.Join(m.Lines(), "\n")
}

// Tool returns the entry for a 1-based index.
func (m *Menu) Tool(index int) (Tool, bool) {
	if index < 1 || index > len(m.tools) {
		return nil, false
	}
	return m.tools[index-1], true
}

// ParseSelection interprets the raw selection output for a menu of n
// entries. 0 means no tool. Integers outside 0..n return
// ErrIndexOutOfRange along with the parsed value; anything else returns
// ErrNotADigit.
func ParseSelection(raw string, n int) (int, error) {
	s := strings.TrimSpace(raw)
	idx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNotADigit, raw)
	}
	if idx < 0 || idx > n {
		return idx, ErrIndexOutOfRange
	}
	return idx, nil
}

// SelectionParams are the generation parameters of a selection call.
func SelectionParams() llm.Params {
	return llm.Params{Temperature: llm.Float(0), MaxTokens: 1}
}

// InjectContext builds the wire form of a user message carrying tool context.
func InjectContext(context, input string) string {
	return "Context: " + context + "\n\nUser: " + input
}
