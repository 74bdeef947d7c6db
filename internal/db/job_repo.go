package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"snapfarm/internal/types"
)

// ListJobsParams defines the filtering and pagination parameters for listing
// jobs within an agency.
type ListJobsParams struct {
	Status types.JobStatus
	Type   types.OperationType
	Limit  int
	Cursor string
}

// JobRepository provides data access for the jobs table.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// jobColumns defines the standard set of columns selected for job queries.
const jobColumns = `j.id, j.agency_id, j.name, j.type, j.cron_expression,
	j.filter, j.configuration, j.status,
	j.first_execution_time, j.next_run_at,
	j.created_at, j.updated_at`

// scanJob scans a single job row. The columns must match jobColumns order.
// pgx.Row and pgx.Rows share the Scan signature, so one helper serves both.
func scanJob(row pgx.Row) (*types.Job, error) {
	var job types.Job
	err := row.Scan(
		&job.ID,
		&job.AgencyID,
		&job.Name,
		&job.Type,
		&job.CronExpression,
		&job.Filter,
		&job.Configuration,
		&job.Status,
		&job.FirstExecutionTime,
		&job.NextRunAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Create inserts a new job record. The caller must set the ID (prefixed UUID,
// e.g. "job_...") and required fields before calling.
func (r *JobRepository) Create(ctx context.Context, job *types.Job) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO jobs (
			id, agency_id, name, type, cron_expression,
			filter, configuration, status,
			first_execution_time, next_run_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10,
			COALESCE($11, NOW()), COALESCE($12, NOW())
		)`,
		job.ID,
		job.AgencyID,
		job.Name,
		job.Type,
		job.CronExpression,
		job.Filter,
		job.Configuration,
		job.Status,
		job.FirstExecutionTime,
		job.NextRunAt,
		nilIfZeroTime(job.CreatedAt),
		nilIfZeroTime(job.UpdatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create job", err)
	}
	return nil
}

// GetByID retrieves a job by its ID, scoped to the given agency.
// Returns ErrCodeNotFoundJob if not found.
//
// The agencyID parameter enforces access control at the DB level, ensuring a
// job cannot be read across agency boundaries.
func (r *JobRepository) GetByID(ctx context.Context, id string, agencyID string) (*types.Job, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs j
		 WHERE j.id = $1 AND j.agency_id = $2`,
		id, agencyID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve job", err)
	}
	return job, nil
}

// Update applies changes to an existing job's mutable fields. Configuration
// and filter replace the stored values wholesale; historical executions are
// unaffected because each execution carries its own snapshot.
func (r *JobRepository) Update(ctx context.Context, job *types.Job) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET
			name = $1,
			cron_expression = $2,
			filter = $3,
			configuration = $4,
			first_execution_time = $5,
			next_run_at = $6,
			updated_at = NOW()
		 WHERE id = $7 AND agency_id = $8`,
		job.Name,
		job.CronExpression,
		job.Filter,
		job.Configuration,
		job.FirstExecutionTime,
		job.NextRunAt,
		job.ID,
		job.AgencyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}

// SetStatus flips the job lifecycle state. next_run_at is cleared so the
// scheduler recomputes it from the cron expression on the next tick after a
// re-activation, rather than firing immediately on a stale instant.
func (r *JobRepository) SetStatus(ctx context.Context, id string, agencyID string, status types.JobStatus) (*types.Job, error) {
	row := r.db.QueryRow(
		ctx,
		`UPDATE jobs j SET
			status = $1,
			next_run_at = NULL,
			updated_at = NOW()
		 WHERE j.id = $2 AND j.agency_id = $3
		 RETURNING `+jobColumns,
		status, id, agencyID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update job status", err)
	}
	return job, nil
}

// Delete removes a job. Past executions keep their snapshots and their
// triggered_by reference; only the trigger definition goes away.
func (r *JobRepository) Delete(ctx context.Context, id string, agencyID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND agency_id = $2`,
		id, agencyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}

// List retrieves jobs for an agency with optional filtering and cursor-based
// pagination. Results are ordered by created_at DESC (newest first).
//
// Uses limit+1 fetch strategy to determine HasMore without a separate COUNT query.
func (r *JobRepository) List(ctx context.Context, agencyID string, params ListJobsParams) ([]*types.Job, types.PageInfo, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	// Agency scope is always enforced.
	conditions = append(conditions, fmt.Sprintf("j.agency_id = $%d", argIdx))
	args = append(args, agencyID)
	argIdx++

	if params.Status != "" {
		conditions = append(conditions, fmt.Sprintf("j.status = $%d", argIdx))
		args = append(args, params.Status)
		argIdx++
	}

	if params.Type != "" {
		conditions = append(conditions, fmt.Sprintf("j.type = $%d", argIdx))
		args = append(args, params.Type)
		argIdx++
	}

	// Cursor-based pagination: fetch items older than the cursor timestamp.
	if params.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, params.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("j.created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	// Fetch limit+1 to detect if there are more results.
	query := fmt.Sprintf(
		`SELECT %s
		 FROM jobs j
		 %s
		 ORDER BY j.created_at DESC
		 LIMIT $%d`,
		jobColumns,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list jobs", err)
	}
	defer rows.Close()

	var results []*types.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", scanErr)
		}
		results = append(results, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// ListDue returns ACTIVE jobs that are due at the given instant: either their
// computed next_run_at has passed, their one-shot first_execution_time has
// passed, or next_run_at has never been computed (newly created or recently
// re-activated jobs). The scheduler resolves the latter by computing the next
// cron instant without firing.
func (r *JobRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs j
		 WHERE j.status = $1
		   AND (
			(j.first_execution_time IS NOT NULL AND j.first_execution_time <= $2)
			OR (j.next_run_at IS NOT NULL AND j.next_run_at <= $2)
			OR j.next_run_at IS NULL
		   )
		 ORDER BY j.next_run_at ASC NULLS FIRST
		 LIMIT $3`,
		types.StatusActive, now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due jobs", err)
	}
	defer rows.Close()

	var results []*types.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan due job row", scanErr)
		}
		results = append(results, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due job rows", err)
	}

	return results, nil
}

// MarkScheduled records the next computed firing instant for a job. When
// consumeFirstExecution is true, first_execution_time is set to NULL so the
// one-shot hint can never trigger a second immediate run.
func (r *JobRepository) MarkScheduled(ctx context.Context, jobID string, nextRun time.Time, consumeFirstExecution bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE jobs SET
			next_run_at = $1,
			first_execution_time = CASE WHEN $2 THEN NULL ELSE first_execution_time END,
			updated_at = NOW()
		 WHERE id = $3`,
		nextRun, consumeFirstExecution, jobID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job scheduled", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}
