package db

import (
	"context"
	"time"

	"snapfarm/internal/types"
)

// SchedulerLockRepository provides distributed locking via the scheduler_locks
// table. The locking mechanism uses INSERT ... ON CONFLICT DO UPDATE to
// atomically acquire a lock, ensuring only one scheduler instance dispatches
// due jobs in a given tick even when multiple replicas run.
type SchedulerLockRepository struct {
	db DBTX
}

// NewSchedulerLockRepository creates a new SchedulerLockRepository backed by
// the given database connection (pool or transaction).
func NewSchedulerLockRepository(db DBTX) *SchedulerLockRepository {
	return &SchedulerLockRepository{db: db}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is a stable name
// per contended task (e.g., "scheduler:dispatch").
//
// The locked_at and expires_at values are computed as time.Time in Go to
// avoid PostgreSQL interval parsing incompatibilities with Go's duration
// format.
//
// If the existing row has expired (expires_at < current time), the UPDATE
// succeeds and the caller acquires the lock. If the row is still active, the
// ON CONFLICT WHERE clause prevents the update, and zero rows are affected.
func (r *SchedulerLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO scheduler_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE scheduler_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire scheduler lock", err)
	}

	// RowsAffected is 1 if the INSERT succeeded (new row) or if the
	// ON CONFLICT UPDATE matched (expired lock reclaimed). It is 0 if
	// the lock exists and has not expired (another instance holds it).
	return tag.RowsAffected() > 0, nil
}

// Release drops the lock so the next tick does not wait out the TTL.
// Releasing a lock another worker now holds is a no-op.
func (r *SchedulerLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM scheduler_locks WHERE id = $1 AND worker_id = $2`,
		lockID, workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release scheduler lock", err)
	}
	return nil
}
