// Package main is the entry point for the snapfarm workflow worker.
//
// The worker ticks on a fixed interval, finds every active workflow's due
// steps per enrolled account, and applies them (status changes, tag adds and
// removals). The per-enrollment cursor in the database is advanced with a
// monotonic guard, so running multiple replicas never double-applies a step.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"snapfarm/internal/config"
	"snapfarm/internal/db"
	"snapfarm/internal/worker"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("snapfarm workflow worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"tick_interval", cfg.Worker.WorkflowTickInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	w := worker.NewWorkflowWorker(
		db.NewWorkflowRepository(pool),
		db.NewAccountRepository(pool),
		cfg.Worker.WorkflowTickInterval,
		logger,
	)

	err = w.Run(ctx)
	logger.Info("workflow worker stopped")
	return err
}

// newLogger creates a structured slog.Logger for the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
