package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/llm"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/session"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chat-runner",
		Short: "Conversations with a chat model, over HTTP or in the terminal",
		Long: `chat-runner keeps conversations with an OpenAI-compatible chat model.

Each session has its own system prompt, generation settings, message log
and token totals. A turn may offer up to nine tools; the model picks one
with a single digit and the tool's output becomes context for the reply.

Quick Start:
  chat-runner chat                          # talk in the terminal
  chat-runner chat "Ada Lovelace" --prime   # talk to a character
  chat-runner serve                         # run the HTTP API
  chat-runner export chat.json chat.csv     # convert a saved session`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newServeCmd(&configPath),
		newChatCmd(&configPath),
		newExportCmd(&configPath),
	)
	return root
}

// newManager builds the session manager every command shares.
func newManager(cfg *config.Config, client llm.Client, logger *slog.Logger) *session.Manager {
	d := cfg.Defaults
	return session.NewManager(client,
		session.WithDefaults(session.Defaults{
			Model:          d.Model,
			System:         d.System,
			Params:         llm.Params{Temperature: d.Temperature, MaxTokens: d.MaxTokens},
			Persist:        d.Persist,
			RecentMessages: d.RecentMessages,
		}),
		session.WithObserver(observability.NewSlogObserver(logger)),
		session.WithMaxConcurrent(cfg.Sessions.MaxConcurrent),
	)
}
