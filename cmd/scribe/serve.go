package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/scribe/internal/api"
	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/dispatcher"
	"github.com/MikeSquared-Agency/scribe/internal/hermes"
	"github.com/MikeSquared-Agency/scribe/internal/scheduler"
	"github.com/MikeSquared-Agency/scribe/internal/workflow"
)

const (
	taskTimeout   = 30 * time.Minute
	drainTimeout  = 60 * time.Second
	sweepInterval = time.Minute
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Slack endpoints, worker pool and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("scribe starting", "port", cfg.Port, "version", version)

	a, err := newApp(ctx, cfg, true, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if info, err := a.slack.AuthTest(ctx); err != nil {
		logger.Warn("slack auth test failed", "error", err)
	} else {
		logger.Info("slack connected", "team", info.Team, "bot_user", info.UserID)
	}

	pool := dispatcher.NewPool(cfg.Workers, taskTimeout, logger)
	relay := workflow.NewRelay(cfg.Workflow.PendingTTL, dispatcher.DeliverTo(a.slack), logger)
	trigger := workflow.NewClient(cfg.Workflow.URL, cfg.Workflow.Token, 30*time.Second, logger)
	d := dispatcher.New(pool, a.runner, a.slack, trigger, relay, dispatcher.Config{NewsDays: cfg.NewsDays}, logger)

	if a.hermes != nil {
		if err := a.hermes.Subscribe(workflow.SubjectResult, relay.HandleMessage); err != nil {
			return fmt.Errorf("subscribe workflow results: %w", err)
		}
	}

	sched, err := scheduler.New(cfg.Schedules, pool, a.runner, logger)
	if err != nil {
		return err
	}
	sched.Start()

	srv := api.NewServer(cfg.Port, api.Deps{
		Dispatcher:    d,
		Relay:         relay,
		Slack:         a.slack,
		Pool:          pool,
		Backups:       a.backups,
		SigningSecret: cfg.Slack.SigningSecret,
		APIToken:      cfg.APIToken,
		WorkflowToken: cfg.Workflow.Token,
		Version:       version,
	}, logger)

	if a.hermes != nil {
		if err := a.hermes.PublishRegistration(hermes.Registration{
			Port:      cfg.Port,
			Version:   version,
			Workers:   cfg.Workers,
			Schedules: len(cfg.Schedules),
			Timestamp: time.Now().UTC(),
		}); err != nil {
			logger.Warn("failed to publish registration", "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		relay.Run(gctx, sweepInterval)
		return nil
	})

	logger.Info("scribe ready", "port", cfg.Port, "workers", cfg.Workers, "schedules", len(cfg.Schedules))
	runErr := g.Wait()

	logger.Info("shutting down")
	sched.Stop()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := pool.Close(drainCtx); err != nil {
		logger.Warn("worker pool did not drain", "error", err)
	}
	logger.Info("scribe stopped")
	return runErr
}
