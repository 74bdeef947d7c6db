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

// ExecutionRepository provides data access for the executions,
// account_executions, and execution_idempotency_keys tables.
type ExecutionRepository struct {
	db DBTX
}

// NewExecutionRepository creates a new ExecutionRepository backed by the given
// database connection (pool or transaction).
func NewExecutionRepository(db DBTX) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

const executionColumns = `e.id, e.agency_id, e.type, e.status, e.triggered_by,
	e.configuration, e.start_time, e.end_time`

func scanExecution(row pgx.Row) (*types.Execution, error) {
	var e types.Execution
	err := row.Scan(
		&e.ID,
		&e.AgencyID,
		&e.Type,
		&e.Status,
		&e.TriggeredBy,
		&e.Configuration,
		&e.StartTime,
		&e.EndTime,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Create inserts a new execution row. The configuration snapshot is frozen
// here; later edits to the originating job never reach this row.
func (r *ExecutionRepository) Create(ctx context.Context, e *types.Execution) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO executions (
			id, agency_id, type, status, triggered_by,
			configuration, start_time, end_time
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, COALESCE($7, NOW()), $8
		)`,
		e.ID,
		e.AgencyID,
		e.Type,
		e.Status,
		e.TriggeredBy,
		e.Configuration,
		nilIfZeroTime(e.StartTime),
		e.EndTime,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create execution", err)
	}
	return nil
}

// CreateAccountExecutions batch-inserts the per-account rows for an execution.
// All rows start in STARTED with no result.
func (r *ExecutionRepository) CreateAccountExecutions(ctx context.Context, rows []*types.AccountExecution) error {
	if len(rows) == 0 {
		return nil
	}

	const colCount = 5
	var sb strings.Builder
	sb.WriteString(`INSERT INTO account_executions (id, execution_id, snap_account_id, status, start_time) VALUES `)
	args := make([]any, 0, len(rows)*colCount)
	for i, ae := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * colCount
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, COALESCE($%d, NOW()))",
			base+1, base+2, base+3, base+4, base+5))
		args = append(args, ae.ID, ae.ExecutionID, ae.AccountID, ae.Status, nilIfZeroTime(ae.StartTime))
	}

	_, err := r.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create account executions", err)
	}
	return nil
}

// GetByID retrieves an execution with its account executions hydrated,
// scoped to the agency. Returns ErrCodeNotFoundExecution if not found.
func (r *ExecutionRepository) GetByID(ctx context.Context, id string, agencyID string) (*types.Execution, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+executionColumns+`
		 FROM executions e
		 WHERE e.id = $1 AND e.agency_id = $2`,
		id, agencyID,
	)

	e, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundExecution, "execution not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve execution", err)
	}

	accountExecs, err := r.ListAccountExecutions(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e.AccountExecutions = accountExecs

	return e, nil
}

// ListAccountExecutions returns the per-account rows for an execution,
// ordered by start_time then ID for a stable detail view.
func (r *ExecutionRepository) ListAccountExecutions(ctx context.Context, executionID string) ([]*types.AccountExecution, error) {
	rows, err := r.db.Query(ctx,
		`SELECT a.id, a.execution_id, a.snap_account_id, a.status,
			a.start_time, a.end_time, a.result, a.message
		 FROM account_executions a
		 WHERE a.execution_id = $1
		 ORDER BY a.start_time ASC, a.id ASC`,
		executionID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list account executions", err)
	}
	defer rows.Close()

	var results []*types.AccountExecution
	for rows.Next() {
		var ae types.AccountExecution
		var message *string
		if err := rows.Scan(
			&ae.ID, &ae.ExecutionID, &ae.AccountID, &ae.Status,
			&ae.StartTime, &ae.EndTime, &ae.Result, &message,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan account execution row", err)
		}
		if message != nil {
			ae.Message = *message
		}
		results = append(results, &ae)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating account execution rows", err)
	}
	return results, nil
}

// List retrieves executions for an agency with optional filtering and
// cursor-based pagination, newest first. Job names are joined for list views
// when triggered_by references a job.
func (r *ExecutionRepository) List(ctx context.Context, filters types.ExecutionListFilters) ([]*types.Execution, types.PageInfo, error) {
	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("e.agency_id = $%d", argIdx))
	args = append(args, filters.AgencyID)
	argIdx++

	if filters.JobID != "" {
		conditions = append(conditions, fmt.Sprintf("e.triggered_by = $%d", argIdx))
		args = append(args, filters.JobID)
		argIdx++
	}

	if filters.Type != "" {
		conditions = append(conditions, fmt.Sprintf("e.type = $%d", argIdx))
		args = append(args, filters.Type)
		argIdx++
	}

	if filters.Status != "" {
		conditions = append(conditions, fmt.Sprintf("e.status = $%d", argIdx))
		args = append(args, filters.Status)
		argIdx++
	}

	// Username filtering goes through the per-account rows: an execution
	// qualifies when any of its account executions belongs to that username.
	if filters.Username != "" {
		conditions = append(conditions, fmt.Sprintf(
			`EXISTS (
				SELECT 1 FROM account_executions ae
				JOIN snap_accounts sa ON sa.id = ae.snap_account_id
				WHERE ae.execution_id = e.id AND sa.username = $%d
			)`, argIdx))
		args = append(args, filters.Username)
		argIdx++
	}

	if filters.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filters.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("e.start_time < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	query := fmt.Sprintf(
		`SELECT %s, j.name
		 FROM executions e
		 LEFT JOIN jobs j ON j.id = e.triggered_by
		 %s
		 ORDER BY e.start_time DESC
		 LIMIT $%d`,
		executionColumns,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list executions", err)
	}
	defer rows.Close()

	var results []*types.Execution
	for rows.Next() {
		var e types.Execution
		var jobName *string
		if err := rows.Scan(
			&e.ID, &e.AgencyID, &e.Type, &e.Status, &e.TriggeredBy,
			&e.Configuration, &e.StartTime, &e.EndTime, &jobName,
		); err != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan execution row", err)
		}
		if jobName != nil {
			e.JobName = *jobName
		}
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating execution rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].StartTime.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// ClaimForRun transitions an execution from STARTED to IN_PROGRESS. A
// redelivered queue message finds the row already claimed (or settled) and
// gets false, which makes worker processing idempotent.
func (r *ExecutionRepository) ClaimForRun(ctx context.Context, executionID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE executions SET status = $1
		 WHERE id = $2 AND status = $3`,
		types.ExecInProgress, executionID, types.ExecStarted,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim execution", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Settle writes the terminal status and end time of an execution.
func (r *ExecutionRepository) Settle(ctx context.Context, executionID string, status types.ExecutionStatus, endTime time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE executions SET status = $1, end_time = $2
		 WHERE id = $3`,
		status, endTime, executionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to settle execution", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundExecution, "execution not found", nil)
	}
	return nil
}

// SettleStale fails executions that were created but never claimed before
// the cutoff, along with their per-account rows. Covers the window where the
// dispatcher wrote the rows but the queue send or the worker fleet failed.
func (r *ExecutionRepository) SettleStale(ctx context.Context, cutoff time.Time, message string) (int, error) {
	_, err := r.db.Exec(ctx,
		`UPDATE account_executions SET status = $1, end_time = NOW(), message = $2
		 WHERE status = $3 AND execution_id IN (
			SELECT id FROM executions WHERE status = $3 AND start_time < $4
		 )`,
		types.ExecFailure, message, types.ExecStarted, cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to settle stale account executions", err)
	}

	execTag, err := r.db.Exec(ctx,
		`UPDATE executions SET status = $1, end_time = NOW()
		 WHERE status = $2 AND start_time < $3`,
		types.ExecFailure, types.ExecStarted, cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to settle stale executions", err)
	}
	return int(execTag.RowsAffected()), nil
}

// StartAccountExecution marks a per-account row as running.
func (r *ExecutionRepository) StartAccountExecution(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE account_executions SET status = $1, start_time = NOW()
		 WHERE id = $2`,
		types.ExecInProgress, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to start account execution", err)
	}
	return nil
}

// FinishAccountExecution writes the per-account outcome.
func (r *ExecutionRepository) FinishAccountExecution(ctx context.Context, id string, status types.ExecutionStatus, result types.ResultMap, message string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE account_executions SET
			status = $1,
			end_time = NOW(),
			result = $2,
			message = $3
		 WHERE id = $4`,
		status, result, nilIfEmpty(message), id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish account execution", err)
	}
	return nil
}

// AnyAccountBusy reports whether any of the given accounts currently has a
// non-terminal account execution. Used at dispatch time to reject overlapping
// manual triggers with conflict_execution_in_progress.
func (r *ExecutionRepository) AnyAccountBusy(ctx context.Context, accountIDs []string) (bool, error) {
	if len(accountIDs) == 0 {
		return false, nil
	}

	var busy bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM account_executions a
			WHERE a.snap_account_id = ANY($1)
			  AND a.status IN ($2, $3)
		)`,
		accountIDs, types.ExecStarted, types.ExecInProgress,
	).Scan(&busy)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check account availability", err)
	}
	return busy, nil
}

// IdempotencyRecord binds an Idempotency-Key to the execution it created and
// a hash of the request body that created it.
type IdempotencyRecord struct {
	AgencyID    string
	Key         string
	RequestHash string
	ExecutionID string
	CreatedAt   time.Time
}

// GetIdempotencyRecord looks up a prior use of an Idempotency-Key within an
// agency. Returns (nil, nil) when the key has not been used.
func (r *ExecutionRepository) GetIdempotencyRecord(ctx context.Context, agencyID string, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := r.db.QueryRow(ctx,
		`SELECT agency_id, idempotency_key, request_hash, execution_id, created_at
		 FROM execution_idempotency_keys
		 WHERE agency_id = $1 AND idempotency_key = $2`,
		agencyID, key,
	).Scan(&rec.AgencyID, &rec.Key, &rec.RequestHash, &rec.ExecutionID, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up idempotency key", err)
	}
	return &rec, nil
}

// SaveIdempotencyRecord persists a new Idempotency-Key binding. A concurrent
// duplicate insert loses on the primary key; the caller should re-read and
// compare hashes.
func (r *ExecutionRepository) SaveIdempotencyRecord(ctx context.Context, rec IdempotencyRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO execution_idempotency_keys (
			agency_id, idempotency_key, request_hash, execution_id, created_at
		) VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (agency_id, idempotency_key) DO NOTHING`,
		rec.AgencyID, rec.Key, rec.RequestHash, rec.ExecutionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save idempotency key", err)
	}
	return nil
}
