// Package main is the entry point for the snapfarm scheduler.
//
// The scheduler polls for due jobs on a fixed tick, resolves their target
// accounts, creates execution rows, and enqueues them for the execution
// worker. A companion maintenance sweep fails executions that were dispatched
// but never claimed. Multiple replicas are safe: both loops serialize through
// advisory locks in the scheduler_locks table.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"snapfarm/internal/config"
	"snapfarm/internal/db"
	"snapfarm/internal/queue"
	"snapfarm/internal/scheduler"
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
	logger.Info("snapfarm scheduler starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"tick_interval", cfg.Scheduler.TickInterval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})

	executionRepo := db.NewExecutionRepository(pool)
	lockRepo := db.NewSchedulerLockRepository(pool)

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Jobs:       db.NewJobRepository(pool),
		Locks:      lockRepo,
		Executions: executionRepo,
		Accounts:   db.NewAccountRepository(pool),
		Enqueuer:   queue.NewExecutionTrigger(sqsClient, cfg.AWS, logger),
		Scheduler:  cfg.Scheduler,
		Logger:     logger,
	})

	sweep := scheduler.NewMaintenance(
		executionRepo,
		lockRepo,
		"maintenance-"+uuid.New().String(),
		cfg.Scheduler.LockTTL,
		logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(ctx) })
	g.Go(func() error { return runMaintenance(ctx, sweep, cfg.Scheduler.TickInterval, logger) })

	err = g.Wait()
	logger.Info("scheduler stopped")
	return err
}

// runMaintenance sweeps for stale executions on the scheduler's tick cadence.
func runMaintenance(ctx context.Context, sweep *scheduler.Maintenance, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := sweep.Sweep(ctx); err != nil {
				logger.ErrorContext(ctx, "maintenance sweep failed", "error", err)
			}
		}
	}
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
