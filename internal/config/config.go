// Package config defines the global configuration structure for the snapfarm
// platform. Configuration is loaded once at process startup and is immutable
// thereafter. It follows 12-Factor App principles by strictly separating code
// from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the process to fail
// immediately on startup.
package config

import (
	"time"

	"snapfarm/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type used
// throughout configuration to prevent accidental logging of sensitive values.
type SecretString = types.SecretString

// Config is the top-level configuration struct shared by the API server, the
// scheduler, and the workers. Sub-components receive only the specific config
// subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"snapfarm"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Runner        RunnerConfig
	Scheduler     SchedulerConfig
	Worker        WorkerConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"20s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// ExecutionQueueURL is where the scheduler and the manual-trigger endpoint
	// enqueue execution messages for the execution worker.
	ExecutionQueueURL string `envconfig:"SQS_EXECUTION_QUEUE" validate:"required,url"`
	DlqURL            string `envconfig:"SQS_DLQ"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// RunnerConfig holds the upstream automation-runner API settings. The runner
// is the fleet service that drives the actual Snapchat clients; every
// per-account operation is an HTTP call against it.
type RunnerConfig struct {
	BaseURL  string        `envconfig:"RUNNER_BASE_URL" validate:"required,url"`
	APIToken SecretString  `envconfig:"RUNNER_API_TOKEN" validate:"required"`
	Timeout  time.Duration `envconfig:"RUNNER_TIMEOUT" default:"90s"`

	// Circuit breaker and retry tuning.
	MaxRetries       int           `envconfig:"RUNNER_MAX_RETRIES" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RUNNER_RETRY_BASE_DELAY" default:"500ms"`
	BreakerThreshold int           `envconfig:"RUNNER_BREAKER_THRESHOLD" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"RUNNER_BREAKER_COOLDOWN" default:"60s"`
}

// SchedulerConfig holds the cron poller's tuning parameters.
type SchedulerConfig struct {
	TickInterval time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"30s"`
	// LockTTL bounds how long a scheduler instance holds the singleton lock;
	// a crashed instance's lock expires after this.
	LockTTL time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"2m"`
	// BatchSize caps how many due jobs a single tick dispatches.
	BatchSize int `envconfig:"SCHEDULER_BATCH_SIZE" default:"100"`
}

// WorkerConfig holds execution-worker and workflow-worker tuning.
type WorkerConfig struct {
	// AccountConcurrency bounds the per-execution fan-out across accounts.
	AccountConcurrency int `envconfig:"WORKER_ACCOUNT_CONCURRENCY" default:"8"`
	// PollWaitTime is the SQS long-poll duration.
	PollWaitTime time.Duration `envconfig:"WORKER_POLL_WAIT" default:"20s"`
	// VisibilityTimeout must exceed the longest expected execution.
	VisibilityTimeout time.Duration `envconfig:"WORKER_VISIBILITY_TIMEOUT" default:"15m"`
	// WorkflowTickInterval is how often the workflow worker advances step cursors.
	WorkflowTickInterval time.Duration `envconfig:"WORKFLOW_TICK_INTERVAL" default:"5m"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"SnapFarm"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
