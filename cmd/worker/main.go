// Package main provides the entry point for the watchdog worker.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/narvanalabs/deploybot/internal/auth"
	"github.com/narvanalabs/deploybot/internal/autodeploy"
	"github.com/narvanalabs/deploybot/internal/deployer"
	"github.com/narvanalabs/deploybot/internal/integrations/github"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/queue"
	pgqueue "github.com/narvanalabs/deploybot/internal/queue/postgres"
	pgstore "github.com/narvanalabs/deploybot/internal/store/postgres"
	"github.com/narvanalabs/deploybot/internal/watchdog"
	"github.com/narvanalabs/deploybot/pkg/config"
	"github.com/narvanalabs/deploybot/pkg/logger"
)

func main() {
	log := logger.New(slog.LevelInfo, true)

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Error("failed to open database connection", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := pgstore.Migrate(ctx, db); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	store, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log.Logger)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q := pgqueue.NewPostgresQueue(db, log.Logger)
	scheduler := queue.NewScheduler(q)

	gh := github.NewClient(cfg.GitHub)

	var notifier notify.Notifier
	if cfg.Slack.BotToken != "" {
		notifier = notify.NewSlackNotifier(cfg.Slack.BotToken, log.Logger)
	} else {
		log.Warn("SLACK_BOT_TOKEN not set, notifications will only be logged")
		notifier = notify.LogOnly{Logger: log.Logger}
	}

	authService := auth.NewService(gh, log.Logger)
	orchestrator := deployer.NewOrchestrator(store, gh, authService, notifier,
		scheduler, cfg.Watchdog.DeploymentDelay, log.Logger)
	machine := autodeploy.NewMachine(store, gh, orchestrator, notifier,
		scheduler, cfg.Watchdog.AutoDeployDelay, log.Logger)

	runner := watchdog.NewRunner(store, machine, gh, notifier, watchdog.Config{
		DeploymentStuckAfter: cfg.Watchdog.DeploymentStuckAfter,
	}, log.Logger)

	worker := watchdog.NewWorker(q, runner, watchdog.WorkerConfig{
		Concurrency:  cfg.Worker.MaxConcurrency,
		PollInterval: cfg.Worker.PollInterval,
		RetryBackoff: cfg.Watchdog.RetryBackoff,
	}, log.Logger)

	log.Info("starting watchdog worker", "concurrency", cfg.Worker.MaxConcurrency)
	worker.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig)
	cancel()
	worker.Stop()
	log.Info("worker stopped")
}
