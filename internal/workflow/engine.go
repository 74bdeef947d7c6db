// Package workflow implements the day-offset step engine. Given a workflow's
// step list and an account's enrollment record, it decides which steps are due
// and in what order; applying the step actions is the worker's job.
package workflow

import (
	"sort"
	"time"

	"snapfarm/internal/types"
)

// DueStep is a step the engine determined should execute now, paired with its
// index in the workflow's authored step list. The index is what the
// enrollment cursor records after the step applies.
type DueStep struct {
	Index int
	Step  types.WorkflowStep
}

// ElapsedDays returns the number of whole days between enrollment and now.
// An account enrolled 36 hours ago has 1 elapsed day; steps with day_offset 2
// are not yet due.
func ElapsedDays(enrolledAt, now time.Time) int {
	if now.Before(enrolledAt) {
		return 0
	}
	return int(now.Sub(enrolledAt).Hours() / 24)
}

// Advance computes the steps due for a single enrollment. Steps execute in
// timeline order: day_offset ascending, ties broken by authored index. The
// enrollment cursor records the authored index of the last executed step, so
// eligibility is decided in the sorted timeline, not the authored list; a
// workflow authored out of day order still walks every step exactly once,
// and an account that missed several ticks (worker downtime, late enrollment
// backfill) catches up through its steps in timeline order rather than
// jumping to the latest.
func Advance(steps types.WorkflowSteps, enrollment types.WorkflowEnrollment, now time.Time) []DueStep {
	elapsed := ElapsedDays(enrollment.EnrolledAt, now)

	ordered := make([]DueStep, 0, len(steps))
	for i, step := range steps {
		ordered = append(ordered, DueStep{Index: i, Step: step})
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Step.DayOffset < ordered[j].Step.DayOffset
	})

	// Locate the cursor in the timeline. -1 means nothing executed yet; a
	// cursor pointing at a step that no longer exists (the workflow was
	// edited) yields nothing until re-enrollment resets it.
	cursorPos := -1
	if enrollment.LastExecutedStep >= 0 {
		cursorPos = len(ordered)
		for pos, ds := range ordered {
			if ds.Index == enrollment.LastExecutedStep {
				cursorPos = pos
				break
			}
		}
	}

	var due []DueStep
	for pos := cursorPos + 1; pos < len(ordered); pos++ {
		if ordered[pos].Step.DayOffset > elapsed {
			break
		}
		due = append(due, ordered[pos])
	}
	return due
}

// ValidateSteps checks a workflow's step list at authoring time: at least one
// step, every offset within bounds, and CHANGE_STATUS values restricted to
// the known account statuses. Tag values are free-form (bounded length is
// enforced by struct validation).
func ValidateSteps(steps types.WorkflowSteps) error {
	if len(steps) == 0 {
		return types.MissingField("steps")
	}
	for i, step := range steps {
		if step.DayOffset < types.MinStepDayOffset || step.DayOffset > types.MaxStepDayOffset {
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationStepBounds,
				"step day_offset out of range",
				nil,
				map[string]any{
					"step_index": i,
					"min":        types.MinStepDayOffset,
					"max":        types.MaxStepDayOffset,
				},
			)
		}
		if step.ActionType == types.ActionChangeStatus && !knownStatus(step.ActionValue) {
			return types.NewAppErrorWithDetails(
				types.ErrCodeValidationInvalidType,
				"step action_value is not a known account status",
				nil,
				map[string]any{"step_index": i, "action_value": step.ActionValue},
			)
		}
	}
	return nil
}

func knownStatus(v string) bool {
	for _, s := range types.KnownAccountStatuses {
		if string(s) == v {
			return true
		}
	}
	return false
}
