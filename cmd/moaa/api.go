package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/rodrwan/moaa/internal/api"
	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/github"
	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/observability"
	"github.com/rodrwan/moaa/internal/queue"
	"github.com/rodrwan/moaa/internal/slack"
)

func apiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Serve the HTTP intake and review API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(config.LoadAPI)
			if err != nil {
				return err
			}
			defer observability.Sync()
			return runAPI(cmd.Context(), cfg)
		},
	}
}

func runAPI(ctx context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := queue.NewClient(cfg.Queue.RedisURL, queue.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("init queue client: %w", err)
	}
	defer client.Close()

	var prs jobs.PullRequestOpener
	if cfg.GitHub.Enabled() {
		prs = github.NewClient(cfg.GitHub)
	}
	intake := jobs.NewIntake(store, client)
	reviews := jobs.NewReviews(store, prs, notifier(cfg.Slack))

	var mounts []func(chi.Router)
	if cfg.Slack.SigningSecret != "" {
		mounts = append(mounts, slack.NewServer(cfg.Slack.SigningSecret, intake, reviews).Register)
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewHandler(store, intake, reviews).Router(mounts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		observability.Info("api_listening", observability.Fields{
			"addr":         cfg.Addr,
			"slack":        len(mounts) > 0,
			"pull_request": prs != nil,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.Info("api_shutting_down", observability.Fields{"timeout": cfg.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
