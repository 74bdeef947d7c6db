// Package main is the entry point for the snapfarm API server.
//
// It loads configuration, connects to PostgreSQL and SQS, wires the domain
// handlers onto the core chassis (middleware, routing, health checks), and
// serves HTTP until a shutdown signal arrives.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"

	"snapfarm/internal/api/handlers"
	"snapfarm/internal/auth"
	"snapfarm/internal/config"
	"snapfarm/internal/core"
	"snapfarm/internal/db"
	"snapfarm/internal/metrics"
	"snapfarm/internal/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("snapfarm API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

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

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	tokenRepo := db.NewTokenRepository(pool)
	srv.Authenticator = auth.NewAuthenticator(tokenRepo)
	srv.HealthProbes = append(srv.HealthProbes, &db.Probe{Pool: pool})

	if cfg.Observability.EnableMetrics {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		srv.Metrics = metrics.NewPublisher(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	// Repositories.
	jobRepo := db.NewJobRepository(pool)
	workflowRepo := db.NewWorkflowRepository(pool)
	accountRepo := db.NewAccountRepository(pool)
	executionRepo := db.NewExecutionRepository(pool)
	agencyRepo := db.NewAgencyRepository(pool)

	trigger := queue.NewExecutionTrigger(sqsClient, cfg.AWS, logger)

	// Domain handlers.
	jobHandler := handlers.NewJobHandler(jobRepo, accountRepo, srv.Validator, logger)
	workflowHandler := handlers.NewWorkflowHandler(workflowRepo, accountRepo, srv.Validator, logger)
	executionHandler := handlers.NewExecutionHandler(executionRepo, agencyRepo, accountRepo, trigger, srv.Validator, logger)
	accountHandler := handlers.NewAccountHandler(accountRepo, srv.Validator, logger)
	tokenHandler := handlers.NewTokenHandler(tokenRepo, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) { jobHandler.RegisterRoutes(r) },
		func(r chi.Router) { workflowHandler.RegisterRoutes(r) },
		func(r chi.Router) { executionHandler.RegisterRoutes(r) },
		func(r chi.Router) { accountHandler.RegisterRoutes(r) },
		func(r chi.Router) { tokenHandler.RegisterRoutes(r) },
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer serves until SIGINT/SIGTERM, then drains in-flight requests.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
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
