package session

import (
	"context"
	"fmt"
	"strings"
)

// CharacterLookup describes a named character, e.g. from an encyclopedia.
type CharacterLookup func(ctx context.Context, name string) (string, error)

// BuildSystem chooses a system prompt. A character takes precedence over
// an explicit system prompt; with neither, DefaultSystemPrompt is used.
// The character is described through lookup when one is given; a failed
// or empty lookup falls back to the bare name.
func BuildSystem(ctx context.Context, lookup CharacterLookup, character, command, system string) string {
	if character == "" {
		if system != "" {
			return system
		}
		return DefaultSystemPrompt
	}

	description := character
	if lookup != nil {
		if d, err := lookup(ctx, character); err == nil && strings.TrimSpace(d) != "" {
			description = strings.TrimSpace(d)
		}
	}

	prompt := fmt.Sprintf("You must follow ALL these rules in all responses:\n"+
		"- You are the following character and should ALWAYS act as them: %s\n"+
		"- NEVER speak in a formal tone.\n"+
		"- Concisely introduce yourself first in character.", description)
	if command != "" {
		prompt += "\n- " + command
	}
	return prompt
}
