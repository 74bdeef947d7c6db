package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"snapfarm/internal/types"
)

type mockWorkflowStore struct {
	mock.Mock
}

func (m *mockWorkflowStore) ListActive(ctx context.Context) ([]*types.Workflow, error) {
	args := m.Called(ctx)
	if w := args.Get(0); w != nil {
		return w.([]*types.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowStore) ListEnrollments(ctx context.Context, workflowID string) ([]*types.WorkflowEnrollment, error) {
	args := m.Called(ctx, workflowID)
	if e := args.Get(0); e != nil {
		return e.([]*types.WorkflowEnrollment), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowStore) AdvanceCursor(ctx context.Context, workflowID string, accountID string, fromStep, toStep int) (bool, error) {
	args := m.Called(ctx, workflowID, accountID, fromStep, toStep)
	return args.Bool(0), args.Error(1)
}

type mockAccountMutator struct {
	mock.Mock
}

func (m *mockAccountMutator) SetStatus(ctx context.Context, id string, status types.AccountStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *mockAccountMutator) AddTag(ctx context.Context, id string, tag string) error {
	args := m.Called(ctx, id, tag)
	return args.Error(0)
}

func (m *mockAccountMutator) RemoveTag(ctx context.Context, id string, tag string) error {
	args := m.Called(ctx, id, tag)
	return args.Error(0)
}

var wfNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func newWorkflowWorkerFixture() (*mockWorkflowStore, *mockAccountMutator, *WorkflowWorker) {
	workflows := new(mockWorkflowStore)
	accounts := new(mockAccountMutator)
	w := NewWorkflowWorker(workflows, accounts, 5*time.Minute,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.now = func() time.Time { return wfNow }
	return workflows, accounts, w
}

func warmupWorkflow() *types.Workflow {
	return &types.Workflow{
		ID:       "wf_1",
		AgencyID: "agcy_1",
		Name:     "warmup",
		Status:   types.StatusActive,
		Steps: types.WorkflowSteps{
			{DayOffset: 2, ActionType: types.ActionAddTag, ActionValue: "warmed"},
			{DayOffset: 7, ActionType: types.ActionChangeStatus, ActionValue: "GOOD_STANDING"},
			{DayOffset: 30, ActionType: types.ActionRemoveTag, ActionValue: "warmed"},
		},
	}
}

func TestWorkflowTick_AppliesDueStepsInOrder(t *testing.T) {
	workflows, accounts, w := newWorkflowWorkerFixture()
	wf := warmupWorkflow()

	// Enrolled 8 days ago: steps at day 2 and day 7 are due, day 30 is not.
	workflows.On("ListActive", mock.Anything).Return([]*types.Workflow{wf}, nil)
	workflows.On("ListEnrollments", mock.Anything, "wf_1").
		Return([]*types.WorkflowEnrollment{{
			WorkflowID:       "wf_1",
			AccountID:        "acct_1",
			EnrolledAt:       wfNow.AddDate(0, 0, -8),
			LastExecutedStep: -1,
		}}, nil)

	workflows.On("AdvanceCursor", mock.Anything, "wf_1", "acct_1", -1, 0).Return(true, nil)
	workflows.On("AdvanceCursor", mock.Anything, "wf_1", "acct_1", 0, 1).Return(true, nil)
	accounts.On("AddTag", mock.Anything, "acct_1", "warmed").Return(nil)
	accounts.On("SetStatus", mock.Anything, "acct_1", types.AccountGoodStanding).Return(nil)

	applied, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	workflows.AssertExpectations(t)
	accounts.AssertExpectations(t)
	accounts.AssertNotCalled(t, "RemoveTag")
}

func TestWorkflowTick_OutOfOrderStepsCatchUpCompletely(t *testing.T) {
	workflows, accounts, w := newWorkflowWorkerFixture()
	wf := warmupWorkflow()
	// Authored with the later step first. Enrolled 10 days ago, both steps
	// are overdue: the day 1 step must apply before the day 5 step, and the
	// cursor must finish at the day 5 step's authored index (0), passing
	// through the day 1 step's authored index (1) on the way.
	wf.Steps = types.WorkflowSteps{
		{DayOffset: 5, ActionType: types.ActionChangeStatus, ActionValue: "GOOD_STANDING"},
		{DayOffset: 1, ActionType: types.ActionAddTag, ActionValue: "warmed"},
	}

	workflows.On("ListActive", mock.Anything).Return([]*types.Workflow{wf}, nil)
	workflows.On("ListEnrollments", mock.Anything, "wf_1").
		Return([]*types.WorkflowEnrollment{{
			WorkflowID:       "wf_1",
			AccountID:        "acct_1",
			EnrolledAt:       wfNow.AddDate(0, 0, -10),
			LastExecutedStep: -1,
		}}, nil)

	workflows.On("AdvanceCursor", mock.Anything, "wf_1", "acct_1", -1, 1).Return(true, nil)
	workflows.On("AdvanceCursor", mock.Anything, "wf_1", "acct_1", 1, 0).Return(true, nil)
	accounts.On("AddTag", mock.Anything, "acct_1", "warmed").Return(nil)
	accounts.On("SetStatus", mock.Anything, "acct_1", types.AccountGoodStanding).Return(nil)

	applied, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	workflows.AssertExpectations(t)
	accounts.AssertExpectations(t)
}

func TestWorkflowTick_CursorRaceStopsEnrollment(t *testing.T) {
	workflows, accounts, w := newWorkflowWorkerFixture()
	wf := warmupWorkflow()

	workflows.On("ListActive", mock.Anything).Return([]*types.Workflow{wf}, nil)
	workflows.On("ListEnrollments", mock.Anything, "wf_1").
		Return([]*types.WorkflowEnrollment{{
			WorkflowID:       "wf_1",
			AccountID:        "acct_1",
			EnrolledAt:       wfNow.AddDate(0, 0, -8),
			LastExecutedStep: -1,
		}}, nil)

	// Another replica advanced the cursor first; no actions may apply.
	workflows.On("AdvanceCursor", mock.Anything, "wf_1", "acct_1", -1, 0).Return(false, nil)

	applied, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, applied)
	accounts.AssertNotCalled(t, "AddTag")
	workflows.AssertNotCalled(t, "AdvanceCursor", mock.Anything, "wf_1", "acct_1", 0, 1)
}

func TestWorkflowTick_ResumesFromCursor(t *testing.T) {
	workflows, accounts, w := newWorkflowWorkerFixture()
	wf := warmupWorkflow()

	workflows.On("ListActive", mock.Anything).Return([]*types.Workflow{wf}, nil)
	workflows.On("ListEnrollments", mock.Anything, "wf_1").
		Return([]*types.WorkflowEnrollment{{
			WorkflowID:       "wf_1",
			AccountID:        "acct_1",
			EnrolledAt:       wfNow.AddDate(0, 0, -40),
			LastExecutedStep: 1,
		}}, nil)

	workflows.On("AdvanceCursor", mock.Anything, "wf_1", "acct_1", 1, 2).Return(true, nil)
	accounts.On("RemoveTag", mock.Anything, "acct_1", "warmed").Return(nil)

	applied, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	accounts.AssertNotCalled(t, "AddTag")
	accounts.AssertNotCalled(t, "SetStatus")
}

func TestWorkflowTick_BrokenWorkflowDoesNotBlockOthers(t *testing.T) {
	workflows, accounts, w := newWorkflowWorkerFixture()
	broken := warmupWorkflow()
	healthy := warmupWorkflow()
	healthy.ID = "wf_2"

	workflows.On("ListActive", mock.Anything).Return([]*types.Workflow{broken, healthy}, nil)
	workflows.On("ListEnrollments", mock.Anything, "wf_1").Return(nil, errors.New("query timeout"))
	workflows.On("ListEnrollments", mock.Anything, "wf_2").
		Return([]*types.WorkflowEnrollment{{
			WorkflowID:       "wf_2",
			AccountID:        "acct_9",
			EnrolledAt:       wfNow.AddDate(0, 0, -3),
			LastExecutedStep: -1,
		}}, nil)

	workflows.On("AdvanceCursor", mock.Anything, "wf_2", "acct_9", -1, 0).Return(true, nil)
	accounts.On("AddTag", mock.Anything, "acct_9", "warmed").Return(nil)

	applied, err := w.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}
