package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"snapfarm/internal/db"
	"snapfarm/internal/types"
)

func quickAddsBody() map[string]any {
	return map[string]any{
		"name":            "morning adds",
		"type":            "quick_adds",
		"cron_expression": "0 9 * * *",
		"filter":          map[string]any{"statuses": []string{"GOOD_STANDING"}},
		"configuration": map[string]any{
			"requests":              20,
			"batches":               2,
			"batch_delay":           30,
			"starting_delay":        10,
			"max_quick_add_pages":   5,
			"users_sent_in_request": 10,
			"argo_tokens":           true,
		},
	}
}

func newJobHandlerFixture() (*mockJobRepo, *mockAccountRepo, *JobHandler) {
	jobs := new(mockJobRepo)
	accounts := new(mockAccountRepo)
	h := NewJobHandler(jobs, accounts, testValidator(), testLogger())
	return jobs, accounts, h
}

func TestJobCreate(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	var created *types.Job
	jobs.On("Create", mock.Anything, mock.AnythingOfType("*types.Job")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*types.Job) }).
		Return(nil)

	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/jobs", quickAddsBody())

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.NotNil(t, created)
	assert.Equal(t, "agcy_1", created.AgencyID)
	assert.Equal(t, types.OpQuickAdds, created.Type)
	assert.Equal(t, types.StatusActive, created.Status)
	assert.NotEmpty(t, created.ID)

	cfg, ok := created.Configuration.Op.(types.QuickAddsConfig)
	require.True(t, ok)
	assert.Equal(t, 20, cfg.Requests)
	assert.True(t, cfg.ArgoTokens)
}

func TestJobCreate_InvalidCron(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	body := quickAddsBody()
	body["cron_expression"] = "@daily"
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/jobs", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_invalid_cron", decodeError(t, rec).Code)
	jobs.AssertNotCalled(t, "Create")
}

func TestJobCreate_EmptyFilterRejected(t *testing.T) {
	_, _, h := newJobHandlerFixture()

	body := quickAddsBody()
	body["filter"] = map[string]any{}
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/jobs", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_empty_target_set", decodeError(t, rec).Code)
}

func TestJobCreate_EmptyFilterAllowedForAgencyWideOps(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()
	jobs.On("Create", mock.Anything, mock.Anything).Return(nil)

	body := map[string]any{
		"name":            "nightly stats",
		"type":            "compute_statistics",
		"cron_expression": "0 3 * * *",
		"filter":          map[string]any{},
		"configuration":   map[string]any{},
	}
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/jobs", body)

	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestJobCreate_WrongAgency(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	rec := serve(t, h, otherActor, http.MethodPost, "/agencies/agcy_1/jobs", quickAddsBody())

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "permission_agency_mismatch", decodeError(t, rec).Code)
	jobs.AssertNotCalled(t, "Create")
}

func TestJobCreate_CallerChosenStatus(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	var created *types.Job
	jobs.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).(*types.Job) }).
		Return(nil)

	body := quickAddsBody()
	body["status"] = "STOPPED"
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/jobs", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, types.StatusStopped, created.Status)
}

func TestJobList_StatusFilters(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	jobs.On("List", mock.Anything, "agcy_1", mock.MatchedBy(func(p db.ListJobsParams) bool {
		return p.Status == types.StatusActive
	})).Return([]*types.Job{}, types.PageInfo{}, nil)

	rec := serve(t, h, agencyActor, http.MethodGet, "/agencies/agcy_1/jobs?status_filters=ACTIVE", nil)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	jobs.AssertExpectations(t)
}

func TestJobList_BothStatusFiltersMeansUnfiltered(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	jobs.On("List", mock.Anything, "agcy_1", mock.MatchedBy(func(p db.ListJobsParams) bool {
		return p.Status == ""
	})).Return([]*types.Job{}, types.PageInfo{}, nil)

	rec := serve(t, h, agencyActor, http.MethodGet,
		"/agencies/agcy_1/jobs?status_filters=ACTIVE&status_filters=STOPPED", nil)

	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	jobs.AssertExpectations(t)
}

func TestJobList_UnknownTypeRejected(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	rec := serve(t, h, agencyActor, http.MethodGet, "/agencies/agcy_1/jobs?type=mass_follow", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "validation_invalid_type", detail.Code)
	assert.Equal(t, "mass_follow", detail.Details["operation_type"])
	jobs.AssertNotCalled(t, "List")
}

func TestJobToggle(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	active := &types.Job{ID: "job_1", AgencyID: "agcy_1", Status: types.StatusActive}
	stopped := &types.Job{ID: "job_1", AgencyID: "agcy_1", Status: types.StatusStopped}

	jobs.On("GetByID", mock.Anything, "job_1", "agcy_1").Return(active, nil)
	jobs.On("SetStatus", mock.Anything, "job_1", "agcy_1", types.StatusStopped).Return(stopped, nil)

	rec := serve(t, h, agencyActor, http.MethodPatch, "/agencies/agcy_1/jobs/job_1/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var got types.Job
	decodeData(t, rec, &got)
	assert.Equal(t, types.StatusStopped, got.Status)
}

func TestJobUpdate_TypeImmutable(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	existing := &types.Job{
		ID:       "job_1",
		AgencyID: "agcy_1",
		Type:     types.OpQuickAdds,
		Status:   types.StatusActive,
	}
	jobs.On("GetByID", mock.Anything, "job_1", "agcy_1").Return(existing, nil)

	var updated *types.Job
	jobs.On("Update", mock.Anything, mock.AnythingOfType("*types.Job")).
		Run(func(args mock.Arguments) { updated = args.Get(1).(*types.Job) }).
		Return(nil)

	body := quickAddsBody()
	delete(body, "type")
	body["name"] = "renamed"
	rec := serve(t, h, agencyActor, http.MethodPut, "/agencies/agcy_1/jobs/job_1", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, updated)
	assert.Equal(t, "renamed", updated.Name)
	// Configuration is re-decoded against the stored type, not a posted one.
	assert.Equal(t, types.OpQuickAdds, updated.Type)
}

func TestJobDelete(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()
	jobs.On("Delete", mock.Anything, "job_1", "agcy_1").Return(nil)

	rec := serve(t, h, agencyActor, http.MethodDelete, "/agencies/agcy_1/jobs/job_1", nil)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestJobAccounts_PreviewsCurrentFilterMatches(t *testing.T) {
	jobs, accounts, h := newJobHandlerFixture()

	job := &types.Job{
		ID:       "job_1",
		AgencyID: "agcy_1",
		Type:     types.OpQuickAdds,
		Filter:   types.FilterPredicate{Statuses: []types.AccountStatus{types.AccountGoodStanding}},
	}
	jobs.On("GetByID", mock.Anything, "job_1", "agcy_1").Return(job, nil)
	accounts.On("ListByPredicate", mock.Anything, "agcy_1", job.Filter).
		Return([]*types.SnapAccount{
			{ID: "acct_1", AgencyID: "agcy_1", Username: "ghost.one"},
			{ID: "acct_2", AgencyID: "agcy_1", Username: "ghost.two"},
		}, nil)

	rec := serve(t, h, agencyActor, http.MethodGet, "/agencies/agcy_1/jobs/job_1/accounts", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got []*types.SnapAccount
	decodeData(t, rec, &got)
	require.Len(t, got, 2)
	assert.Equal(t, "ghost.one", got[0].Username)
}

func TestJobAccounts_ExplicitIDsReturnedVerbatim(t *testing.T) {
	jobs, accounts, h := newJobHandlerFixture()

	job := &types.Job{
		ID:       "job_1",
		AgencyID: "agcy_1",
		Type:     types.OpSendToUser,
		Filter:   types.FilterPredicate{AccountIDs: []string{"acct_1"}},
	}
	jobs.On("GetByID", mock.Anything, "job_1", "agcy_1").Return(job, nil)
	accounts.On("GetByIDs", mock.Anything, "agcy_1", []string{"acct_1"}).
		Return([]*types.SnapAccount{{ID: "acct_1", AgencyID: "agcy_1"}}, nil)

	rec := serve(t, h, agencyActor, http.MethodGet, "/agencies/agcy_1/jobs/job_1/accounts", nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accounts.AssertNotCalled(t, "ListByPredicate")
}

func TestJobCreate_ConfigCoercesStringNumbers(t *testing.T) {
	jobs, _, h := newJobHandlerFixture()

	var created *types.Job
	jobs.On("Create", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).(*types.Job) }).
		Return(nil)

	body := quickAddsBody()
	body["configuration"] = json.RawMessage(`{
		"requests": "20", "batches": "2", "batch_delay": "30",
		"starting_delay": "10", "max_quick_add_pages": "5",
		"users_sent_in_request": "10", "argo_tokens": "true"
	}`)
	rec := serve(t, h, agencyActor, http.MethodPost, "/agencies/agcy_1/jobs", body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	cfg := created.Configuration.Op.(types.QuickAddsConfig)
	assert.Equal(t, 20, cfg.Requests)
	assert.True(t, cfg.ArgoTokens)
}
