// Package main is the entry point for the snapfarm execution worker.
//
// The worker long-polls the SQS execution queue, claims each execution in the
// database (so redeliveries are no-ops), fans out across the targeted
// accounts through the runner fleet, and settles the execution's terminal
// status. Scale horizontally by running more replicas; per-account ordering
// is guaranteed by the one-live-execution-per-account rule at dispatch time.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"snapfarm/internal/config"
	"snapfarm/internal/db"
	"snapfarm/internal/metrics"
	"snapfarm/internal/runner"
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
	logger.Info("snapfarm execution worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"queue_url", cfg.AWS.ExecutionQueueURL,
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

	var publisher *metrics.Publisher
	if cfg.Observability.EnableMetrics {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		publisher = metrics.NewPublisher(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	executor := worker.NewExecutor(worker.ExecutorConfig{
		SQS:        sqsClient,
		QueueURL:   cfg.AWS.ExecutionQueueURL,
		Executions: db.NewExecutionRepository(pool),
		Accounts:   db.NewAccountRepository(pool),
		Leads:      db.NewLeadRepository(pool),
		Invoker:    runner.NewClient(cfg.Runner),
		Metrics:    executionMetrics(publisher),
		Worker:     cfg.Worker,
		Logger:     logger,
	})

	err = executor.Run(ctx)
	logger.Info("execution worker stopped")
	return err
}

// executionMetrics returns a typed nil-safe metrics surface: a nil *Publisher
// inside a non-nil interface would panic on use, so map nil to nil.
func executionMetrics(p *metrics.Publisher) worker.ExecutionMetrics {
	if p == nil {
		return nil
	}
	return p
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
