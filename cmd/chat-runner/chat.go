package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/provider"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
	"github.com/ginkida/chat-runner/internal/tools"
)

// primer is sent on the user's behalf when --prime is set.
const primer = "Hello!"

type chatOptions struct {
	key       string
	system    string
	model     string
	load      string
	save      string
	tools     []string
	prime     bool
	noPersist bool
	noStream  bool
	verbose   bool
}

func newChatCmd(configPath *string) *cobra.Command {
	var opts chatOptions

	cmd := &cobra.Command{
		Use:   "chat [character] [command]",
		Short: "Talk to the model in the terminal",
		Long: `Start an interactive conversation. An empty line ends it.

With a character name the model plays that character, described from
Wikipedia when the name is found there. A command adds an instruction
the character is asked to follow.`,
		Example: `  chat-runner chat
  chat-runner chat "Ada Lovelace" "Answer in one sentence" --prime
  chat-runner chat --tools search,lookup --save chat.json`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var character, command string
			if len(args) > 0 {
				character = args[0]
			}
			if len(args) > 1 {
				command = args[1]
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if opts.model != "" {
				cfg.Defaults.Model = opts.model
			}
			if err := cfg.ValidateClient(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runChat(ctx, cfg, opts, character, command, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.key, "session", session.DefaultKey, "Session key")
	f.StringVar(&opts.system, "system", "", "System prompt (ignored when a character is given)")
	f.StringVar(&opts.model, "model", "", "Model to use instead of defaults.model")
	f.StringVar(&opts.load, "load", "", "Resume a conversation saved to this file")
	f.StringVar(&opts.save, "save", "", "Save the conversation to this file on exit (.json, .yaml or .csv)")
	f.StringSliceVar(&opts.tools, "tools", nil, "Tools to offer on every turn (builtin or configured remote names)")
	f.BoolVar(&opts.prime, "prime", false, "Open the conversation with a greeting from the model")
	f.BoolVar(&opts.noPersist, "no-persist", false, "Do not keep exchanges in the conversation history")
	f.BoolVar(&opts.noStream, "no-stream", false, "Print replies only once complete")
	f.BoolVar(&opts.verbose, "verbose", false, "Log session events to stderr")
	return cmd
}

func runChat(ctx context.Context, cfg *config.Config, opts chatOptions, character, command string, in io.Reader, out, errOut io.Writer) error {
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(errOut, level, "text")
	if err != nil {
		return err
	}
	client, err := provider.NewClient(cfg)
	if err != nil {
		return err
	}

	// requested builtins need not be listed in the config
	for _, name := range opts.tools {
		if _, ok := tools.Builtins[name]; ok && !slices.Contains(cfg.Tools.Builtin, name) {
			cfg.Tools.Builtin = append(cfg.Tools.Builtin, name)
		}
	}
	box, err := tools.Build(&cfg.Tools, cfg.Auth.HMACSecret)
	if err != nil {
		return err
	}
	offered, err := box.Resolve(opts.tools)
	if err != nil {
		return err
	}
	if len(offered) > 0 {
		if err := tools.Validate(offered); err != nil {
			return err
		}
	}

	m := newManager(cfg, client, logger)
	if opts.load != "" {
		snap, err := store.ReadFile(opts.load)
		if err != nil {
			return err
		}
		if _, err := m.Restore(opts.key, snap); err != nil {
			return err
		}
	} else {
		var sessOpts []session.Option
		if character != "" || opts.system != "" {
			wiki := tools.NewWikipedia(cfg.Tools.WikipediaURL)
			system := session.BuildSystem(ctx, wiki.Describe, character, command, opts.system)
			sessOpts = append(sessOpts, session.WithSystemPrompt(system))
		}
		if character != "" {
			sessOpts = append(sessOpts, session.WithTitle(character))
		}
		if opts.noPersist {
			sessOpts = append(sessOpts, session.WithPersist(false))
		}
		m.GetOrCreate(opts.key, sessOpts...)
	}

	var turnOpts []session.TurnOption
	if len(offered) > 0 {
		turnOpts = append(turnOpts, session.WithTools(offered...))
	}

	label := "AI"
	if character != "" {
		label = character
	}
	c := newConsole(m, opts.key, label, in, out)
	c.stream = !opts.noStream
	c.opts = turnOpts

	runErr := c.run(ctx, opts.prime)

	if opts.save != "" {
		sess, err := m.Get(opts.key)
		if err != nil {
			return errors.Join(runErr, err)
		}
		if err := store.WriteFile(opts.save, sess.Snapshot()); err != nil {
			return errors.Join(runErr, err)
		}
		fmt.Fprintln(errOut, c.styles.note.Render("saved to "+opts.save))
	}
	return runErr
}

type consoleStyles struct {
	you  lipgloss.Style
	ai   lipgloss.Style
	text lipgloss.Style
	note lipgloss.Style
	err  lipgloss.Style
}

func newConsoleStyles(r *lipgloss.Renderer) consoleStyles {
	return consoleStyles{
		you:  r.NewStyle().Bold(true),
		ai:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("13")),
		text: r.NewStyle().Foreground(lipgloss.Color("13")),
		note: r.NewStyle().Foreground(lipgloss.Color("243")).Italic(true),
		err:  r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

// console runs the read-reply loop against one session.
type console struct {
	sessions *session.Manager
	key      string
	label    string
	in       *bufio.Scanner
	out      io.Writer
	styles   consoleStyles
	stream   bool
	opts     []session.TurnOption
}

func newConsole(m *session.Manager, key, label string, in io.Reader, out io.Writer) *console {
	return &console{
		sessions: m,
		key:      key,
		label:    label,
		in:       bufio.NewScanner(in),
		out:      out,
		styles:   newConsoleStyles(lipgloss.NewRenderer(out)),
		stream:   true,
	}
}

// run reads lines until a blank one, end of input or cancellation. Failed
// turns are reported and the conversation continues.
func (c *console) run(ctx context.Context, prime bool) error {
	if prime {
		if err := c.reply(ctx, primer); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.report(err)
		}
	}
	for {
		fmt.Fprint(c.out, "\n"+c.styles.you.Render("You:")+" ")
		if !c.in.Scan() {
			fmt.Fprintln(c.out)
			return c.in.Err()
		}
		input := strings.TrimSpace(c.in.Text())
		if input == "" {
			return nil
		}
		if err := c.reply(ctx, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.report(err)
		}
	}
}

func (c *console) reply(ctx context.Context, input string) error {
	fmt.Fprint(c.out, c.styles.ai.Render(c.label+":")+" ")
	if !c.stream {
		res, err := c.sessions.RunTurn(ctx, c.key, input, c.opts...)
		if err != nil {
			fmt.Fprintln(c.out)
			return err
		}
		if res.Tool != "" {
			fmt.Fprint(c.out, c.styles.note.Render("["+res.Tool+"]")+" ")
		}
		fmt.Fprintln(c.out, paint(c.styles.text, res.Response))
		return nil
	}

	ts, err := c.sessions.StreamTurn(ctx, c.key, input, c.opts...)
	if err != nil {
		fmt.Fprintln(c.out)
		return err
	}
	defer ts.Close()

	if name, _ := ts.Tool(); name != "" {
		fmt.Fprint(c.out, c.styles.note.Render("["+name+"]")+" ")
	}
	for {
		frag, err := ts.Next()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(c.out)
			return nil
		}
		if err != nil {
			fmt.Fprintln(c.out)
			return err
		}
		fmt.Fprint(c.out, paint(c.styles.text, frag.Delta))
	}
}

func (c *console) report(err error) {
	fmt.Fprintln(c.out, c.styles.err.Render("error: "+err.Error()))
}

// paint styles each line on its own so multi-line text is not padded to a
// common width.
func paint(style lipgloss.Style, s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}
