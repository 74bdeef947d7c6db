package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"snapfarm/internal/config"
	"snapfarm/internal/targeting"
	"snapfarm/internal/types"
)

// dispatchLockID is the advisory lock key serializing dispatch across
// scheduler replicas. Only the lock holder runs a tick.
const dispatchLockID = "scheduler:dispatch"

// JobStore abstracts the job table operations the dispatcher needs.
type JobStore interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Job, error)
	MarkScheduled(ctx context.Context, jobID string, nextRun time.Time, consumeFirstExecution bool) error
}

// LockStore abstracts the scheduler_locks table.
type LockStore interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// ExecutionStore abstracts execution creation.
type ExecutionStore interface {
	Create(ctx context.Context, e *types.Execution) error
	CreateAccountExecutions(ctx context.Context, rows []*types.AccountExecution) error
}

// Enqueuer abstracts the execution queue send.
// Implemented by queue.ExecutionTrigger.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg types.ExecutionMessage) error
}

// Dispatcher fires due jobs. It is safe to run multiple replicas; the lock
// store guarantees at most one performs dispatch per tick.
type Dispatcher struct {
	jobs       JobStore
	locks      LockStore
	executions ExecutionStore
	accounts   targeting.AccountSource
	enqueuer   Enqueuer

	workerID string
	cfg      config.SchedulerConfig
	logger   *slog.Logger

	now func() time.Time
}

// DispatcherConfig holds the dependencies for creating a Dispatcher.
type DispatcherConfig struct {
	Jobs       JobStore
	Locks      LockStore
	Executions ExecutionStore
	Accounts   targeting.AccountSource
	Enqueuer   Enqueuer
	Scheduler  config.SchedulerConfig
	Logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher with a unique worker identity.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:       cfg.Jobs,
		locks:      cfg.Locks,
		executions: cfg.Executions,
		accounts:   cfg.Accounts,
		enqueuer:   cfg.Enqueuer,
		workerID:   "dispatcher-" + uuid.New().String(),
		cfg:        cfg.Scheduler,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "dispatcher started",
		"worker_id", d.workerID,
		"tick_interval", d.cfg.TickInterval.String(),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.InfoContext(ctx, "dispatcher stopping", "worker_id", d.workerID)
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Tick(ctx); err != nil {
				d.logger.ErrorContext(ctx, "dispatch tick failed", "error", err)
			}
		}
	}
}

// Tick runs one dispatch cycle and returns the number of executions created.
// Returns 0 without error when another replica holds the lock.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	acquired, err := d.locks.Acquire(ctx, dispatchLockID, d.workerID, d.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquiring dispatch lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := d.locks.Release(ctx, dispatchLockID, d.workerID); err != nil {
			d.logger.WarnContext(ctx, "failed to release dispatch lock", "error", err)
		}
	}()

	now := d.now()
	due, err := d.jobs.ListDue(ctx, now, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing due jobs: %w", err)
	}

	dispatched := 0
	for _, job := range due {
		if err := d.dispatchJob(ctx, job, now); err != nil {
			// One misbehaving job must not starve the rest of the batch.
			d.logger.ErrorContext(ctx, "failed to dispatch job",
				"job_id", job.ID,
				"agency_id", job.AgencyID,
				"error", err,
			)
			continue
		}
		dispatched++
	}

	if dispatched > 0 {
		d.logger.InfoContext(ctx, "dispatch cycle complete",
			"due", len(due),
			"dispatched", dispatched,
		)
	}
	return dispatched, nil
}

// dispatchJob resolves the job's targets, snapshots its configuration into a
// new execution, enqueues it, and advances the job's schedule. The schedule
// advances even when target resolution fails; otherwise a job whose filter
// matches nothing would refire every tick.
func (d *Dispatcher) dispatchJob(ctx context.Context, job *types.Job, now time.Time) error {
	consumeFirst := job.FirstExecutionTime != nil && !job.FirstExecutionTime.After(now)

	next, err := NextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("computing next run: %w", err)
	}

	// A job with no computed schedule yet (just created, or re-activated
	// after a stop) is primed, not fired: its first run waits for the cron
	// instant. Only a due first_execution_time hint overrides that.
	if job.NextRunAt == nil && !consumeFirst {
		d.logger.InfoContext(ctx, "primed job schedule",
			"job_id", job.ID,
			"next_run_at", next.Format(time.RFC3339),
		)
		return d.jobs.MarkScheduled(ctx, job.ID, next, false)
	}

	targets, err := targeting.Resolve(ctx, d.accounts, job.AgencyID, job.Filter, job.Type)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeValidationEmptyTargetSet {
			d.logger.WarnContext(ctx, "job filter matched no accounts, skipping run",
				"job_id", job.ID,
				"agency_id", job.AgencyID,
			)
			return d.jobs.MarkScheduled(ctx, job.ID, next, consumeFirst)
		}
		return fmt.Errorf("resolving targets: %w", err)
	}

	exec := &types.Execution{
		ID:            "exec_" + uuid.New().String(),
		AgencyID:      job.AgencyID,
		Type:          job.Type,
		Status:        types.ExecStarted,
		TriggeredBy:   job.ID,
		Configuration: job.Configuration,
		StartTime:     now,
	}
	if err := d.executions.Create(ctx, exec); err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}

	rows := make([]*types.AccountExecution, 0, len(targets))
	for _, acct := range targets {
		rows = append(rows, &types.AccountExecution{
			ID:          "aexec_" + uuid.New().String(),
			ExecutionID: exec.ID,
			AccountID:   acct.ID,
			Status:      types.ExecStarted,
			StartTime:   now,
		})
	}
	if len(rows) > 0 {
		if err := d.executions.CreateAccountExecutions(ctx, rows); err != nil {
			return fmt.Errorf("creating account executions: %w", err)
		}
	}

	msg := types.ExecutionMessage{
		ExecutionID: exec.ID,
		AgencyID:    exec.AgencyID,
		Type:        exec.Type,
		TraceID:     "trc_" + uuid.New().String(),
		TriggeredBy: job.ID,
		EnqueuedAt:  now,
	}
	if err := d.enqueuer.Enqueue(ctx, msg); err != nil {
		// The execution row is already STARTED; the worker never claims it,
		// and the stale-run sweep settles it as FAILURE later.
		return fmt.Errorf("enqueueing execution: %w", err)
	}

	if err := d.jobs.MarkScheduled(ctx, job.ID, next, consumeFirst); err != nil {
		return fmt.Errorf("advancing schedule: %w", err)
	}

	d.logger.InfoContext(ctx, "dispatched job",
		"job_id", job.ID,
		"execution_id", exec.ID,
		"type", string(job.Type),
		"targets", len(targets),
		"next_run_at", next.Format(time.RFC3339),
	)
	return nil
}
