package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ginkida/chat-runner/internal/config"
	"github.com/ginkida/chat-runner/internal/observability"
	"github.com/ginkida/chat-runner/internal/provider"
	"github.com/ginkida/chat-runner/internal/server"
	"github.com/ginkida/chat-runner/internal/store"
	"github.com/ginkida/chat-runner/internal/tools"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			logger, err := observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	client, err := provider.NewClient(cfg)
	if err != nil {
		return err
	}
	box, err := tools.Build(&cfg.Tools, cfg.Auth.HMACSecret)
	if err != nil {
		return err
	}
	st, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	wiki := tools.NewWikipedia(cfg.Tools.WikipediaURL)

	srv := server.New(cfg, server.Deps{
		Sessions: newManager(cfg, client, logger),
		Toolbox:  box,
		Store:    st,
		Lookup:   wiki.Describe,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownTimeout := time.Duration(cfg.Server.TurnTimeoutSecs)*time.Second + 10*time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
