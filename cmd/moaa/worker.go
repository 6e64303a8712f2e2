package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rodrwan/moaa/internal/ai"
	"github.com/rodrwan/moaa/internal/config"
	"github.com/rodrwan/moaa/internal/git"
	"github.com/rodrwan/moaa/internal/jobs"
	"github.com/rodrwan/moaa/internal/observability"
	"github.com/rodrwan/moaa/internal/policy"
	"github.com/rodrwan/moaa/internal/queue"
	"github.com/rodrwan/moaa/internal/runner"
)

func workerCmd() *cobra.Command {
	var skipRecovery bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume change-request jobs from the queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup(config.LoadWorker)
			if err != nil {
				return err
			}
			defer observability.Sync()
			return runWorker(cmd.Context(), cfg, !skipRecovery)
		},
	}
	cmd.Flags().BoolVar(&skipRecovery, "skip-recovery", false, "do not re-enqueue PENDING and PROCESSING change requests on start")
	return cmd
}

func runWorker(ctx context.Context, cfg config.Config, recoverPending bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Git.WorkspaceRoot, 0o755); err != nil {
		return fmt.Errorf("create workspace root: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	gen, err := ai.New(cfg.AI)
	if err != nil {
		return fmt.Errorf("init ai client: %w", err)
	}

	opts := queue.OptionsFromConfig(cfg)
	client, err := queue.NewClient(cfg.Queue.RedisURL, opts)
	if err != nil {
		return fmt.Errorf("init queue client: %w", err)
	}
	defer client.Close()

	server, err := queue.NewServer(cfg.Queue.RedisURL, opts)
	if err != nil {
		return fmt.Errorf("init queue server: %w", err)
	}

	if recoverPending {
		n, err := jobs.NewIntake(store, client).RecoverPending(ctx)
		if err != nil {
			observability.Warn("recovery_incomplete", observability.Fields{"enqueued": n, "error": err})
		}
	}

	gm := git.NewManager(cfg.Git, runner.New(), policy.NewEngine())
	processor := jobs.NewProcessor(store, gm, gen, notifier(cfg.Slack))
	return server.Run(ctx, processor.Process)
}
