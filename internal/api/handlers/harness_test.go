package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"snapfarm/internal/core"
	"snapfarm/internal/db"
	"snapfarm/internal/types"
)

var (
	agencyActor = types.Actor{ID: "tok_1", Type: types.ActorTypeAPIToken, AgencyID: "agcy_1"}
	otherActor  = types.Actor{ID: "tok_2", Type: types.ActorTypeAPIToken, AgencyID: "agcy_2"}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testValidator() *core.Validator {
	return core.NewValidator(testLogger())
}

// routeRegistrar is the common handler surface the harness mounts.
type routeRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// serve runs one request through a fresh router with the actor injected the
// way the auth middleware would.
func serve(t *testing.T, h routeRegistrar, actor types.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(types.WithActor(req.Context(), actor)))
		})
	})
	h.RegisterRoutes(r)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// serveWithHeader is serve with one extra request header set.
func serveWithHeader(t *testing.T, h routeRegistrar, actor types.Actor, method, path string, body any, header, value string) *httptest.ResponseRecorder {
	t.Helper()

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(types.WithActor(req.Context(), actor)))
		})
	})
	h.RegisterRoutes(r)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if value != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

// mustRawBody marshals v for use as a json.RawMessage fixture.
func mustRawBody(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) core.ErrorDetail {
	t.Helper()
	var resp core.APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, dst))
}

// Shared repository mocks. Each handler's local interface is a subset of
// these method sets, so one mock type per repository serves every test file.

type mockJobRepo struct {
	mock.Mock
}

func (m *mockJobRepo) Create(ctx context.Context, job *types.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepo) GetByID(ctx context.Context, id string, agencyID string) (*types.Job, error) {
	args := m.Called(ctx, id, agencyID)
	if j := args.Get(0); j != nil {
		return j.(*types.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepo) Update(ctx context.Context, job *types.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepo) SetStatus(ctx context.Context, id string, agencyID string, status types.JobStatus) (*types.Job, error) {
	args := m.Called(ctx, id, agencyID, status)
	if j := args.Get(0); j != nil {
		return j.(*types.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepo) Delete(ctx context.Context, id string, agencyID string) error {
	return m.Called(ctx, id, agencyID).Error(0)
}

func (m *mockJobRepo) List(ctx context.Context, agencyID string, params db.ListJobsParams) ([]*types.Job, types.PageInfo, error) {
	args := m.Called(ctx, agencyID, params)
	if j := args.Get(0); j != nil {
		return j.([]*types.Job), args.Get(1).(types.PageInfo), args.Error(2)
	}
	return nil, args.Get(1).(types.PageInfo), args.Error(2)
}

type mockWorkflowRepo struct {
	mock.Mock
}

func (m *mockWorkflowRepo) Create(ctx context.Context, wf *types.Workflow) error {
	return m.Called(ctx, wf).Error(0)
}

func (m *mockWorkflowRepo) GetByID(ctx context.Context, id string, agencyID string) (*types.Workflow, error) {
	args := m.Called(ctx, id, agencyID)
	if w := args.Get(0); w != nil {
		return w.(*types.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowRepo) Update(ctx context.Context, wf *types.Workflow) error {
	return m.Called(ctx, wf).Error(0)
}

func (m *mockWorkflowRepo) SetStatus(ctx context.Context, id string, agencyID string, status types.JobStatus) (*types.Workflow, error) {
	args := m.Called(ctx, id, agencyID, status)
	if w := args.Get(0); w != nil {
		return w.(*types.Workflow), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkflowRepo) Delete(ctx context.Context, id string, agencyID string) error {
	return m.Called(ctx, id, agencyID).Error(0)
}

func (m *mockWorkflowRepo) List(ctx context.Context, agencyID string, params db.ListWorkflowsParams) ([]*types.Workflow, types.PageInfo, error) {
	args := m.Called(ctx, agencyID, params)
	if w := args.Get(0); w != nil {
		return w.([]*types.Workflow), args.Get(1).(types.PageInfo), args.Error(2)
	}
	return nil, args.Get(1).(types.PageInfo), args.Error(2)
}

func (m *mockWorkflowRepo) Enroll(ctx context.Context, workflowID string, accountIDs []string, enrolledAt time.Time) (int, error) {
	args := m.Called(ctx, workflowID, accountIDs, enrolledAt)
	return args.Int(0), args.Error(1)
}

func (m *mockWorkflowRepo) Unenroll(ctx context.Context, workflowID string, accountID string) error {
	return m.Called(ctx, workflowID, accountID).Error(0)
}

func (m *mockWorkflowRepo) ListEnrollments(ctx context.Context, workflowID string) ([]*types.WorkflowEnrollment, error) {
	args := m.Called(ctx, workflowID)
	if e := args.Get(0); e != nil {
		return e.([]*types.WorkflowEnrollment), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockAccountRepo struct {
	mock.Mock
}

func (m *mockAccountRepo) Create(ctx context.Context, acct *types.SnapAccount) error {
	return m.Called(ctx, acct).Error(0)
}

func (m *mockAccountRepo) GetByID(ctx context.Context, id string, agencyID string) (*types.SnapAccount, error) {
	args := m.Called(ctx, id, agencyID)
	if a := args.Get(0); a != nil {
		return a.(*types.SnapAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountRepo) GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error) {
	args := m.Called(ctx, agencyID, ids)
	if a := args.Get(0); a != nil {
		return a.([]*types.SnapAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountRepo) ListByPredicate(ctx context.Context, agencyID string, p types.FilterPredicate) ([]*types.SnapAccount, error) {
	args := m.Called(ctx, agencyID, p)
	if a := args.Get(0); a != nil {
		return a.([]*types.SnapAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountRepo) List(ctx context.Context, agencyID string, params db.ListAccountsParams) ([]*types.SnapAccount, types.PageInfo, error) {
	args := m.Called(ctx, agencyID, params)
	if a := args.Get(0); a != nil {
		return a.([]*types.SnapAccount), args.Get(1).(types.PageInfo), args.Error(2)
	}
	return nil, args.Get(1).(types.PageInfo), args.Error(2)
}

func (m *mockAccountRepo) GetStatistics(ctx context.Context, agencyID string) (*types.AgencyStatistics, error) {
	args := m.Called(ctx, agencyID)
	if s := args.Get(0); s != nil {
		return s.(*types.AgencyStatistics), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockExecutionRepo struct {
	mock.Mock
}

func (m *mockExecutionRepo) Create(ctx context.Context, e *types.Execution) error {
	return m.Called(ctx, e).Error(0)
}

func (m *mockExecutionRepo) CreateAccountExecutions(ctx context.Context, rows []*types.AccountExecution) error {
	return m.Called(ctx, rows).Error(0)
}

func (m *mockExecutionRepo) GetByID(ctx context.Context, id string, agencyID string) (*types.Execution, error) {
	args := m.Called(ctx, id, agencyID)
	if e := args.Get(0); e != nil {
		return e.(*types.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepo) List(ctx context.Context, filters types.ExecutionListFilters) ([]*types.Execution, types.PageInfo, error) {
	args := m.Called(ctx, filters)
	if e := args.Get(0); e != nil {
		return e.([]*types.Execution), args.Get(1).(types.PageInfo), args.Error(2)
	}
	return nil, args.Get(1).(types.PageInfo), args.Error(2)
}

func (m *mockExecutionRepo) AnyAccountBusy(ctx context.Context, accountIDs []string) (bool, error) {
	args := m.Called(ctx, accountIDs)
	return args.Bool(0), args.Error(1)
}

func (m *mockExecutionRepo) GetIdempotencyRecord(ctx context.Context, agencyID string, key string) (*db.IdempotencyRecord, error) {
	args := m.Called(ctx, agencyID, key)
	if r := args.Get(0); r != nil {
		return r.(*db.IdempotencyRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecutionRepo) SaveIdempotencyRecord(ctx context.Context, rec db.IdempotencyRecord) error {
	return m.Called(ctx, rec).Error(0)
}

type mockAgencyRepo struct {
	mock.Mock
}

func (m *mockAgencyRepo) GetByID(ctx context.Context, id string) (*types.Agency, error) {
	args := m.Called(ctx, id)
	if a := args.Get(0); a != nil {
		return a.(*types.Agency), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Enqueue(ctx context.Context, msg types.ExecutionMessage) error {
	return m.Called(ctx, msg).Error(0)
}
