package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/observability"
	"github.com/rodrwan/moaa/internal/slack"
	"github.com/rodrwan/moaa/internal/storage"
)

func main() {
	root := &cobra.Command{
		Use:           "moaa",
		Short:         "AI change-request pipeline: intake API, worker and migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(apiCmd(), workerCmd(), migrateCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "moaa:", err)
		os.Exit(1)
	}
}

// setup loads configuration with load and starts the logger.
func setup(load func() (config.Config, error)) (config.Config, error) {
	cfg, err := load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := observability.Init(observability.Config{Level: cfg.LogLevel}); err != nil {
		return config.Config{}, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.Config) (storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return store, nil
}

// notifier returns nil when Slack is not configured.
func notifier(cfg config.SlackConfig) jobs.Notifier {
	if !cfg.Enabled() {
		observability.Info("slack_notifications_disabled", nil)
		return nil
	}
	return slack.NewNotifier(slack.NewClient(cfg), cfg.ChannelID)
}
