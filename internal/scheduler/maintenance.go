package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// staleExecutionAge is how long an execution may sit unclaimed in STARTED
// before the sweep fails it. Covers lost queue messages and worker outages;
// generous enough that ordinary SQS delivery delay never trips it.
const staleExecutionAge = 30 * time.Minute

const maintenanceLockID = "scheduler:maintenance"

// StaleSettler abstracts the sweep the maintenance pass performs.
type StaleSettler interface {
	SettleStale(ctx context.Context, cutoff time.Time, message string) (int, error)
}

// Maintenance fails executions that were dispatched but never picked up.
// Runs on the scheduler's tick cadence under its own lock.
type Maintenance struct {
	executions StaleSettler
	locks      LockStore
	workerID   string
	lockTTL    time.Duration
	logger     *slog.Logger

	now func() time.Time
}

// NewMaintenance creates the stale-execution sweep.
func NewMaintenance(executions StaleSettler, locks LockStore, workerID string, lockTTL time.Duration, logger *slog.Logger) *Maintenance {
	if logger == nil {
		logger = slog.Default()
	}
	return &Maintenance{
		executions: executions,
		locks:      locks,
		workerID:   workerID,
		lockTTL:    lockTTL,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one maintenance pass and returns the number of executions failed.
func (m *Maintenance) Sweep(ctx context.Context) (int, error) {
	acquired, err := m.locks.Acquire(ctx, maintenanceLockID, m.workerID, m.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquiring maintenance lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if err := m.locks.Release(ctx, maintenanceLockID, m.workerID); err != nil {
			m.logger.WarnContext(ctx, "failed to release maintenance lock", "error", err)
		}
	}()

	cutoff := m.now().Add(-staleExecutionAge)
	settled, err := m.executions.SettleStale(ctx, cutoff, "execution was never claimed by a worker")
	if err != nil {
		return 0, fmt.Errorf("settling stale executions: %w", err)
	}
	if settled > 0 {
		m.logger.WarnContext(ctx, "settled stale executions",
			"count", settled,
			"cutoff", cutoff.Format(time.RFC3339),
		)
	}
	return settled, nil
}
