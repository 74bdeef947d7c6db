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

// ListWorkflowsParams defines the filtering and pagination parameters for
// listing workflows within an agency.
type ListWorkflowsParams struct {
	Status types.JobStatus
	Limit  int
	Cursor string
}

// WorkflowRepository provides data access for the workflows and
// workflow_enrollments tables.
type WorkflowRepository struct {
	db DBTX
}

// NewWorkflowRepository creates a new WorkflowRepository backed by the given
// database connection (pool or transaction).
func NewWorkflowRepository(db DBTX) *WorkflowRepository {
	return &WorkflowRepository{db: db}
}

const workflowColumns = `w.id, w.agency_id, w.name, w.description, w.status,
	w.steps, w.created_at, w.updated_at`

func scanWorkflow(row pgx.Row) (*types.Workflow, error) {
	var wf types.Workflow
	var description *string
	err := row.Scan(
		&wf.ID,
		&wf.AgencyID,
		&wf.Name,
		&description,
		&wf.Status,
		&wf.Steps,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if description != nil {
		wf.Description = *description
	}
	return &wf, nil
}

// Create inserts a new workflow. Steps are stored exactly as authored;
// execution-time ordering is the engine's concern, not storage's.
func (r *WorkflowRepository) Create(ctx context.Context, wf *types.Workflow) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO workflows (
			id, agency_id, name, description, status, steps,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			COALESCE($7, NOW()), COALESCE($8, NOW())
		)`,
		wf.ID,
		wf.AgencyID,
		wf.Name,
		nilIfEmpty(wf.Description),
		wf.Status,
		wf.Steps,
		nilIfZeroTime(wf.CreatedAt),
		nilIfZeroTime(wf.UpdatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create workflow", err)
	}
	return nil
}

// GetByID retrieves a workflow by ID, scoped to the agency.
// Returns ErrCodeNotFoundWorkflow if not found.
func (r *WorkflowRepository) GetByID(ctx context.Context, id string, agencyID string) (*types.Workflow, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+workflowColumns+`
		 FROM workflows w
		 WHERE w.id = $1 AND w.agency_id = $2`,
		id, agencyID,
	)

	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkflow, "workflow not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve workflow", err)
	}
	return wf, nil
}

// Update replaces a workflow's mutable fields. Replacing steps does not touch
// existing enrollment cursors: an enrolled account keeps its last_executed_step
// index, and the engine applies whatever now sits beyond it.
func (r *WorkflowRepository) Update(ctx context.Context, wf *types.Workflow) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workflows SET
			name = $1,
			description = $2,
			steps = $3,
			updated_at = NOW()
		 WHERE id = $4 AND agency_id = $5`,
		wf.Name,
		nilIfEmpty(wf.Description),
		wf.Steps,
		wf.ID,
		wf.AgencyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWorkflow, "workflow not found", nil)
	}
	return nil
}

// SetStatus flips the workflow lifecycle state. A STOPPED workflow's
// enrollments are retained; the workflow worker simply skips them.
func (r *WorkflowRepository) SetStatus(ctx context.Context, id string, agencyID string, status types.JobStatus) (*types.Workflow, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE workflows w SET
			status = $1,
			updated_at = NOW()
		 WHERE w.id = $2 AND w.agency_id = $3
		 RETURNING `+workflowColumns,
		status, id, agencyID,
	)

	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkflow, "workflow not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update workflow status", err)
	}
	return wf, nil
}

// Delete removes a workflow and cascades to its enrollments (FK ON DELETE
// CASCADE on workflow_enrollments).
func (r *WorkflowRepository) Delete(ctx context.Context, id string, agencyID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM workflows WHERE id = $1 AND agency_id = $2`,
		id, agencyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete workflow", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundWorkflow, "workflow not found", nil)
	}
	return nil
}

// List retrieves workflows for an agency with cursor-based pagination,
// ordered by created_at DESC.
func (r *WorkflowRepository) List(ctx context.Context, agencyID string, params ListWorkflowsParams) ([]*types.Workflow, types.PageInfo, error) {
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

	conditions = append(conditions, fmt.Sprintf("w.agency_id = $%d", argIdx))
	args = append(args, agencyID)
	argIdx++

	if params.Status != "" {
		conditions = append(conditions, fmt.Sprintf("w.status = $%d", argIdx))
		args = append(args, params.Status)
		argIdx++
	}

	if params.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, params.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("w.created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	query := fmt.Sprintf(
		`SELECT %s
		 FROM workflows w
		 %s
		 ORDER BY w.created_at DESC
		 LIMIT $%d`,
		workflowColumns,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list workflows", err)
	}
	defer rows.Close()

	var results []*types.Workflow
	for rows.Next() {
		wf, scanErr := scanWorkflow(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan workflow row", scanErr)
		}
		results = append(results, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating workflow rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}

	return results, pageInfo, nil
}

// ListActive returns every ACTIVE workflow across all agencies. Used by the
// workflow worker's tick; workflow counts are small enough that this does not
// paginate.
func (r *WorkflowRepository) ListActive(ctx context.Context) ([]*types.Workflow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+workflowColumns+`
		 FROM workflows w
		 WHERE w.status = $1
		 ORDER BY w.created_at ASC`,
		types.StatusActive,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list active workflows", err)
	}
	defer rows.Close()

	var results []*types.Workflow
	for rows.Next() {
		wf, scanErr := scanWorkflow(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan workflow row", scanErr)
		}
		results = append(results, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating workflow rows", err)
	}
	return results, nil
}

// Enroll adds accounts to a workflow with a fresh cursor. Re-enrolling an
// already enrolled account is a no-op (ON CONFLICT DO NOTHING) so that the
// existing cursor and enrollment date are preserved.
func (r *WorkflowRepository) Enroll(ctx context.Context, workflowID string, accountIDs []string, enrolledAt time.Time) (int, error) {
	if len(accountIDs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO workflow_enrollments (workflow_id, snap_account_id, enrolled_at, last_executed_step) VALUES `)
	args := make([]any, 0, len(accountIDs)+2)
	args = append(args, workflowID, enrolledAt)
	for i, accountID := range accountIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("($1, $%d, $2, -1)", i+3))
		args = append(args, accountID)
	}
	sb.WriteString(` ON CONFLICT (workflow_id, snap_account_id) DO NOTHING`)

	tag, err := r.db.Exec(ctx, sb.String(), args...)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to enroll accounts", err)
	}
	return int(tag.RowsAffected()), nil
}

// Unenroll removes an account from a workflow.
func (r *WorkflowRepository) Unenroll(ctx context.Context, workflowID string, accountID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM workflow_enrollments
		 WHERE workflow_id = $1 AND snap_account_id = $2`,
		workflowID, accountID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to unenroll account", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundAccount, "enrollment not found", nil)
	}
	return nil
}

// ListEnrollments returns all enrollments for a workflow, oldest first.
func (r *WorkflowRepository) ListEnrollments(ctx context.Context, workflowID string) ([]*types.WorkflowEnrollment, error) {
	rows, err := r.db.Query(ctx,
		`SELECT e.workflow_id, e.snap_account_id, e.enrolled_at, e.last_executed_step
		 FROM workflow_enrollments e
		 WHERE e.workflow_id = $1
		 ORDER BY e.enrolled_at ASC`,
		workflowID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list enrollments", err)
	}
	defer rows.Close()

	var results []*types.WorkflowEnrollment
	for rows.Next() {
		var e types.WorkflowEnrollment
		if err := rows.Scan(&e.WorkflowID, &e.AccountID, &e.EnrolledAt, &e.LastExecutedStep); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan enrollment row", err)
		}
		results = append(results, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating enrollment rows", err)
	}
	return results, nil
}

// AdvanceCursor moves an enrollment's step cursor from one authored index to
// the next step in the timeline. The compare-and-swap guard keeps concurrent
// workers from double-applying: both may compute the same advancement, but
// only the first update matches the expected cursor value and the second
// affects zero rows. The cursor holds an authored index, which can decrease
// when a workflow is authored out of day order, so the guard must compare for
// equality rather than ordering.
func (r *WorkflowRepository) AdvanceCursor(ctx context.Context, workflowID string, accountID string, fromStep, toStep int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workflow_enrollments SET
			last_executed_step = $1
		 WHERE workflow_id = $2 AND snap_account_id = $3 AND last_executed_step = $4`,
		toStep, workflowID, accountID, fromStep,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance enrollment cursor", err)
	}
	return tag.RowsAffected() > 0, nil
}
