package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"snapfarm/internal/types"
	"snapfarm/internal/workflow"
)

// WorkflowStore abstracts the workflow reads and the cursor write.
type WorkflowStore interface {
	ListActive(ctx context.Context) ([]*types.Workflow, error)
	ListEnrollments(ctx context.Context, workflowID string) ([]*types.WorkflowEnrollment, error)
	AdvanceCursor(ctx context.Context, workflowID string, accountID string, fromStep, toStep int) (bool, error)
}

// AccountMutator abstracts the three step actions.
type AccountMutator interface {
	SetStatus(ctx context.Context, id string, status types.AccountStatus) error
	AddTag(ctx context.Context, id string, tag string) error
	RemoveTag(ctx context.Context, id string, tag string) error
}

// WorkflowWorker advances every active workflow's enrollments on a fixed
// tick. Step application is idempotent (tag adds and status sets converge)
// and the cursor's compare-and-swap guard makes concurrent workers safe:
// whichever replica advances the cursor first wins, the other's advance is a
// no-op.
type WorkflowWorker struct {
	workflows WorkflowStore
	accounts  AccountMutator
	interval  time.Duration
	logger    *slog.Logger

	now func() time.Time
}

// NewWorkflowWorker creates a workflow worker ticking at the given interval.
func NewWorkflowWorker(workflows WorkflowStore, accounts AccountMutator, interval time.Duration, logger *slog.Logger) *WorkflowWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowWorker{
		workflows: workflows,
		accounts:  accounts,
		interval:  interval,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run ticks until the context is cancelled.
func (w *WorkflowWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "workflow worker started", "tick_interval", w.interval.String())

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "workflow worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				w.logger.ErrorContext(ctx, "workflow tick failed", "error", err)
			}
		}
	}
}

// Tick advances all active workflows once and returns the number of steps
// applied.
func (w *WorkflowWorker) Tick(ctx context.Context) (int, error) {
	active, err := w.workflows.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active workflows: %w", err)
	}

	now := w.now()
	applied := 0
	for _, wf := range active {
		n, err := w.advanceWorkflow(ctx, wf, now)
		if err != nil {
			// A broken workflow must not block the others.
			w.logger.ErrorContext(ctx, "failed to advance workflow",
				"workflow_id", wf.ID,
				"agency_id", wf.AgencyID,
				"error", err,
			)
			continue
		}
		applied += n
	}

	if applied > 0 {
		w.logger.InfoContext(ctx, "workflow tick complete",
			"workflows", len(active),
			"steps_applied", applied,
		)
	}
	return applied, nil
}

func (w *WorkflowWorker) advanceWorkflow(ctx context.Context, wf *types.Workflow, now time.Time) (int, error) {
	enrollments, err := w.workflows.ListEnrollments(ctx, wf.ID)
	if err != nil {
		return 0, fmt.Errorf("listing enrollments: %w", err)
	}

	applied := 0
	for _, enr := range enrollments {
		due := workflow.Advance(wf.Steps, *enr, now)
		cursor := enr.LastExecutedStep
		for _, step := range due {
			advanced, err := w.workflows.AdvanceCursor(ctx, wf.ID, enr.AccountID, cursor, step.Index)
			if err != nil {
				return applied, fmt.Errorf("advancing cursor for account %s: %w", enr.AccountID, err)
			}
			if !advanced {
				// Another replica got here first; its pass owns the
				// remaining steps for this enrollment.
				break
			}
			cursor = step.Index

			if err := w.applyStep(ctx, enr.AccountID, step.Step); err != nil {
				// Cursor already moved; the step is recorded as executed.
				// Log loudly rather than retrying into a double-apply.
				w.logger.ErrorContext(ctx, "step action failed after cursor advance",
					"workflow_id", wf.ID,
					"account_id", enr.AccountID,
					"step_index", step.Index,
					"action", string(step.Step.ActionType),
					"error", err,
				)
				continue
			}
			applied++
		}
	}
	return applied, nil
}

func (w *WorkflowWorker) applyStep(ctx context.Context, accountID string, step types.WorkflowStep) error {
	switch step.ActionType {
	case types.ActionChangeStatus:
		return w.accounts.SetStatus(ctx, accountID, types.AccountStatus(step.ActionValue))
	case types.ActionAddTag:
		return w.accounts.AddTag(ctx, accountID, step.ActionValue)
	case types.ActionRemoveTag:
		return w.accounts.RemoveTag(ctx, accountID, step.ActionValue)
	default:
		return fmt.Errorf("unknown step action %q", step.ActionType)
	}
}
