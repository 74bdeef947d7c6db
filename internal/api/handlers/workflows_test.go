package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"snapfarm/internal/types"
)

func warmupBody() map[string]any {
	return map[string]any{
		"name":        "30-day warmup",
		"description": "tag, promote, untag",
		"steps": []map[string]any{
			{"day_offset": 2, "action_type": "ADD_TAG", "action_value": "warming"},
			{"day_offset": 7, "action_type": "CHANGE_STATUS", "action_value": "GOOD_STANDING"},
			{"day_offset": 30, "action_type": "REMOVE_TAG", "action_value": "warming"},
		},
	}
}

func newWorkflowHandlerFixture() (*mockWorkflowRepo, *mockAccountRepo, *WorkflowHandler) {
	workflows := new(mockWorkflowRepo)
	accounts := new(mockAccountRepo)
	h := NewWorkflowHandler(workflows, accounts, testValidator(), testLogger())
	return workflows, accounts, h
}

func TestWorkflowCreate(t *testing.T) {
	workflows, _, h := newWorkflowHandlerFixture()

	var created *types.Workflow
	workflows.On("Create", mock.Anything, mock.AnythingOfType("*types.Workflow")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*types.Workflow) }).
		Return(nil)

	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/workflows", warmupBody())

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, created)
	assert.Equal(t, "agcy_1", created.AgencyID)
	assert.Equal(t, types.StatusActive, created.Status)
	assert.Len(t, created.Steps, 3)
}

func TestWorkflowCreate_StepOffsetOutOfBounds(t *testing.T) {
	workflows, _, h := newWorkflowHandlerFixture()

	body := warmupBody()
	body["steps"] = []map[string]any{
		{"day_offset": 120, "action_type": "ADD_TAG", "action_value": "warming"},
	}
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/workflows", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "validation_step_day_offset", detail.Code)
	workflows.AssertNotCalled(t, "Create")
}

func TestWorkflowCreate_UnknownStatusValue(t *testing.T) {
	workflows, _, h := newWorkflowHandlerFixture()

	body := warmupBody()
	body["steps"] = []map[string]any{
		{"day_offset": 5, "action_type": "CHANGE_STATUS", "action_value": "SHADOWBANNED"},
	}
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/workflows", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_invalid_type", decodeError(t, rec).Code)
	workflows.AssertNotCalled(t, "Create")
}

func TestWorkflowEnroll(t *testing.T) {
	workflows, accounts, h := newWorkflowHandlerFixture()

	wf := &types.Workflow{ID: "wf_1", AgencyID: "agcy_1", Status: types.StatusActive}
	workflows.On("GetByID", mock.Anything, "wf_1", "agcy_1").Return(wf, nil)
	accounts.On("GetByIDs", mock.Anything, "agcy_1", []string{"acct_1", "acct_2"}).
		Return([]*types.SnapAccount{
			{ID: "acct_1", AgencyID: "agcy_1"},
			{ID: "acct_2", AgencyID: "agcy_1"},
		}, nil)
	// acct_2 was already enrolled; only one new row.
	workflows.On("Enroll", mock.Anything, "wf_1", []string{"acct_1", "acct_2"}, mock.Anything).
		Return(1, nil)

	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/workflows/wf_1/enrollments",
		map[string]any{"account_ids": []string{"acct_1", "acct_2"}})

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result EnrollResult
	decodeData(t, rec, &result)
	assert.Equal(t, 2, result.Requested)
	assert.Equal(t, 1, result.Enrolled)
}

func TestWorkflowEnroll_UnknownAccount(t *testing.T) {
	workflows, accounts, h := newWorkflowHandlerFixture()

	wf := &types.Workflow{ID: "wf_1", AgencyID: "agcy_1"}
	workflows.On("GetByID", mock.Anything, "wf_1", "agcy_1").Return(wf, nil)
	accounts.On("GetByIDs", mock.Anything, "agcy_1", []string{"acct_1", "acct_missing"}).
		Return([]*types.SnapAccount{{ID: "acct_1", AgencyID: "agcy_1"}}, nil)

	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/workflows/wf_1/enrollments",
		map[string]any{"account_ids": []string{"acct_1", "acct_missing"}})

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_account", decodeError(t, rec).Code)
	workflows.AssertNotCalled(t, "Enroll")
}

func TestWorkflowUnenroll(t *testing.T) {
	workflows, _, h := newWorkflowHandlerFixture()

	wf := &types.Workflow{ID: "wf_1", AgencyID: "agcy_1"}
	workflows.On("GetByID", mock.Anything, "wf_1", "agcy_1").Return(wf, nil)
	workflows.On("Unenroll", mock.Anything, "wf_1", "acct_1").Return(nil)

	rec := serve(t, h, agencyActor, http.MethodDelete, "/agencies/agcy_1/workflows/wf_1/enrollments/acct_1", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestWorkflowToggle_PreservesEnrollments(t *testing.T) {
	workflows, _, h := newWorkflowHandlerFixture()

	active := &types.Workflow{ID: "wf_1", AgencyID: "agcy_1", Status: types.StatusActive}
	stopped := &types.Workflow{ID: "wf_1", AgencyID: "agcy_1", Status: types.StatusStopped}
	workflows.On("GetByID", mock.Anything, "wf_1", "agcy_1").Return(active, nil)
	workflows.On("SetStatus", mock.Anything, "wf_1", "agcy_1", types.StatusStopped).Return(stopped, nil)

	rec := serve(t, h, agencyActor, http.MethodPatch, "/agencies/agcy_1/workflows/wf_1/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Workflow
	decodeData(t, rec, &got)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestWorkflowListAccounts(t *testing.T) {
	workflows, accounts, h := newWorkflowHandlerFixture()

	wf := &types.Workflow{ID: "wf_1", AgencyID: "agcy_1"}
	workflows.On("GetByID", mock.Anything, "wf_1", "agcy_1").Return(wf, nil)
	workflows.On("ListEnrollments", mock.Anything, "wf_1").Return([]*types.WorkflowEnrollment{
		{WorkflowID: "wf_1", AccountID: "acct_1", LastExecutedStep: 1},
		{WorkflowID: "wf_1", AccountID: "acct_gone", LastExecutedStep: -1},
	}, nil)
	accounts.On("GetByIDs", mock.Anything, "agcy_1", []string{"acct_1", "acct_gone"}).
		Return([]*types.SnapAccount{{ID: "acct_1", AgencyID: "agcy_1", Username: "ghost.one"}}, nil)

	rec := serve(t, h, agencyActor, http.MethodGet, "/agencies/agcy_1/workflows/wf_1/accounts", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got []EnrolledAccount
	decodeData(t, rec, &got)
	// The enrollment pointing at a deleted account is dropped.
	require.Len(t, got, 1)
	assert.Equal(t, "acct_1", got[0].SnapchatAccount.ID)
	assert.Equal(t, 1, got[0].LastExecutedStep)
}

func TestWorkflowListAccounts_WorkflowNotFound(t *testing.T) {
	workflows, _, h := newWorkflowHandlerFixture()

	workflows.On("GetByID", mock.Anything, "wf_1", "agcy_1").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundWorkflow, "workflow not found", nil))

	rec := serve(t, h, agencyActor, http.MethodGet, "/agencies/agcy_1/workflows/wf_1/accounts", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	workflows.AssertNotCalled(t, "ListEnrollments")
}
