package tools

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/ginkida/chat-runner/internal/config"
)

// validToolName restricts tool names to safe identifiers.
var validToolName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// Toolbox holds the named tools a caller may offer on a turn.
type Toolbox struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolbox() *Toolbox {
	return &Toolbox{tools: make(map[string]Tool)}
}

// Register adds a tool to the toolbox.
func (b *Toolbox) Register(t Tool) error {
	name := t.Name()
	if !validToolName.MatchString(name) {
		return fmt.Errorf("invalid tool name %q: must match [a-zA-Z][a-zA-Z0-9_]*", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	b.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (b *Toolbox) Get(name string) (Tool, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tools[name]
	return t, ok
}

// Names returns the registered names in sorted order.
func (b *Toolbox) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.tools))
	for name := range b.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (b *Toolbox) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tools)
}

// Resolve looks up names in order, producing a menu-ready slice.
func (b *Toolbox) Resolve(names []string) ([]Tool, error) {
	if len(names) > MaxTools {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyTools, len(names))
	}
	out := make([]Tool, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, fmt.Errorf("tool %q listed twice", name)
		}
		seen[name] = true
		t, ok := b.Get(name)
		if !ok {
			return nil, fmt.Errorf("unknown tool: %s", name)
		}
		out = append(out, t)
	}
	return out, nil
}

// Build creates a toolbox with the configured builtin and remote tools.
// Remote tools sign their requests with hmacSecret when it is set.
func Build(cfg *config.ToolsConfig, hmacSecret string) (*Toolbox, error) {
	box := NewToolbox()

	var wiki *Wikipedia
	for _, name := range cfg.Builtin {
		factory, ok := Builtins[name]
		if !ok {
			return nil, fmt.Errorf("unknown builtin tool: %s", name)
		}
		if wiki == nil {
			wiki = NewWikipedia(cfg.WikipediaURL)
		}
		if err := box.Register(factory(wiki)); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", name, err)
		}
	}

	for _, def := range cfg.Remote {
		t, err := NewRemoteTool(RemoteToolConfig{
			Name:        def.Name,
			Description: def.Description,
			URL:         def.URL,
			HMACSecret:  hmacSecret,
			TimeoutSec:  def.TimeoutSec,
		})
		if err != nil {
			return nil, fmt.Errorf("create remote tool %s: %w", def.Name, err)
		}
		if err := box.Register(t); err != nil {
			return nil, fmt.Errorf("register remote %s: %w", def.Name, err)
		}
	}

	return box, nil
}
