package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/session"
	"github.com/ginkida/chat-runner/internal/store"
)

func newExportCmd(configPath *string) *cobra.Command {
	var (
		saved  bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "export SRC DST",
		Short: "Convert a saved conversation to another format",
		Long: `Read a conversation and write it in the format named by DST's
extension (.json, .yaml or .csv). With --saved, SRC is a key in the
configured session store. A DST of "-" writes to stdout in --format.`,
		Example: `  chat-runner export chat.json chat.csv
  chat-runner export --saved support-42 -  --format yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, dst := args[0], args[1]

			var snap *session.Snapshot
			if saved {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				st, err := store.New(cfg.Storage)
				if err != nil {
					return fmt.Errorf("open storage: %w", err)
				}
				if st == nil {
					return fmt.Errorf("session storage is disabled")
				}
				defer st.Close()
				if snap, err = st.Load(cmd.Context(), src); err != nil {
					return fmt.Errorf("load %s: %w", src, err)
				}
			} else {
				var err error
				if snap, err = store.ReadFile(src); err != nil {
					return err
				}
			}

			// reject anything a session could not be restored from
			if _, err := session.NewManager(nil).Restore("", snap); err != nil {
				return err
			}

			if dst == "-" {
				codec, err := store.NewCodec(format)
				if err != nil {
					return err
				}
				return codec.Encode(cmd.OutOrStdout(), snap)
			}
			if err := store.WriteFile(dst, snap); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d messages to %s\n", len(snap.Messages), dst)
			return nil
		},
	}

	cmd.Flags().BoolVar(&saved, "saved", false, "Read SRC from the configured session store")
	cmd.Flags().StringVar(&format, "format", "json", "Output format when DST is \"-\"")
	return cmd
}
