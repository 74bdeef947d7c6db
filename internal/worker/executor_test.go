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

	"snapfarm/internal/config"
	"snapfarm/internal/runner"
	"snapfarm/internal/types"
)

// --- Mocks ---

type mockExecStore struct {
	mock.Mock
}

func (m *mockExecStore) ClaimForRun(ctx context.Context, executionID string) (bool, error) {
	args := m.Called(ctx, executionID)
	return args.Bool(0), args.Error(1)
}

func (m *mockExecStore) GetByID(ctx context.Context, id string, agencyID string) (*types.Execution, error) {
	args := m.Called(ctx, id, agencyID)
	if e := args.Get(0); e != nil {
		return e.(*types.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockExecStore) StartAccountExecution(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockExecStore) FinishAccountExecution(ctx context.Context, id string, status types.ExecutionStatus, result types.ResultMap, message string) error {
	args := m.Called(ctx, id, status, result, message)
	return args.Error(0)
}

func (m *mockExecStore) Settle(ctx context.Context, executionID string, status types.ExecutionStatus, endTime time.Time) error {
	args := m.Called(ctx, executionID, status, endTime)
	return args.Error(0)
}

type mockAccountStore struct {
	mock.Mock
}

func (m *mockAccountStore) GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error) {
	args := m.Called(ctx, agencyID, ids)
	if a := args.Get(0); a != nil {
		return a.([]*types.SnapAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountStore) ListByPredicate(ctx context.Context, agencyID string, p types.FilterPredicate) ([]*types.SnapAccount, error) {
	args := m.Called(ctx, agencyID, p)
	if a := args.Get(0); a != nil {
		return a.([]*types.SnapAccount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountStore) UpdateRates(ctx context.Context, id string, rejecting, conversation, conversion float64) error {
	args := m.Called(ctx, id, rejecting, conversation, conversion)
	return args.Error(0)
}

func (m *mockAccountStore) AggregateStatistics(ctx context.Context, agencyID string) (*types.AgencyStatistics, error) {
	args := m.Called(ctx, agencyID)
	if s := args.Get(0); s != nil {
		return s.(*types.AgencyStatistics), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockAccountStore) SaveStatistics(ctx context.Context, stats *types.AgencyStatistics) error {
	args := m.Called(ctx, stats)
	return args.Error(0)
}

type mockLeadStore struct {
	mock.Mock
}

func (m *mockLeadStore) CreateBatch(ctx context.Context, leads []*types.Lead) error {
	args := m.Called(ctx, leads)
	return args.Error(0)
}

func (m *mockLeadStore) ConsumeBatch(ctx context.Context, agencyID string, n int) ([]*types.Lead, error) {
	args := m.Called(ctx, agencyID, n)
	if l := args.Get(0); l != nil {
		return l.([]*types.Lead), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockLeadStore) CountPending(ctx context.Context, agencyID string) (int, error) {
	args := m.Called(ctx, agencyID)
	return args.Int(0), args.Error(1)
}

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Invoke(ctx context.Context, req runner.InvokeRequest) (types.ResultMap, error) {
	args := m.Called(ctx, req)
	if r := args.Get(0); r != nil {
		return r.(types.ResultMap), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- Fixture ---

type executorFixture struct {
	executions *mockExecStore
	accounts   *mockAccountStore
	leads      *mockLeadStore
	invoker    *mockInvoker
	executor   *Executor
}

func newExecutorFixture() *executorFixture {
	f := &executorFixture{
		executions: new(mockExecStore),
		accounts:   new(mockAccountStore),
		leads:      new(mockLeadStore),
		invoker:    new(mockInvoker),
	}
	f.executor = NewExecutor(ExecutorConfig{
		Executions: f.executions,
		Accounts:   f.accounts,
		Leads:      f.leads,
		Invoker:    f.invoker,
		Worker: config.WorkerConfig{
			AccountConcurrency: 4,
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func fanOutExecution(opType types.OperationType, op types.OperationConfig, accountIDs ...string) *types.Execution {
	exec := &types.Execution{
		ID:            "exec_1",
		AgencyID:      "agcy_1",
		Type:          opType,
		Status:        types.ExecStarted,
		TriggeredBy:   "job_1",
		Configuration: types.JobConfiguration{Type: opType, Op: op},
		StartTime:     time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
	}
	for i, id := range accountIDs {
		exec.AccountExecutions = append(exec.AccountExecutions, &types.AccountExecution{
			ID:          "aexec_" + string(rune('a'+i)),
			ExecutionID: exec.ID,
			AccountID:   id,
			Status:      types.ExecStarted,
		})
	}
	return exec
}

func execMessage() types.ExecutionMessage {
	return types.ExecutionMessage{
		ExecutionID: "exec_1",
		AgencyID:    "agcy_1",
		Type:        types.OpQuickAdds,
		TraceID:     "trc_1",
	}
}

var quickAddsOp = types.QuickAddsConfig{
	Requests:           40,
	Batches:            4,
	BatchDelay:         300,
	MaxQuickAddPages:   5,
	UsersSentInRequest: 10,
}

// --- Tests ---

func TestProcess_RedeliverySkipsClaimedExecution(t *testing.T) {
	f := newExecutorFixture()
	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(false, nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.executions.AssertNotCalled(t, "GetByID")
	f.executions.AssertNotCalled(t, "Settle")
}

func TestProcess_QuickAddsFanOut(t *testing.T) {
	f := newExecutorFixture()
	exec := fanOutExecution(types.OpQuickAdds, quickAddsOp, "acct_1", "acct_2")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", []string{"acct_1", "acct_2"}).
		Return([]*types.SnapAccount{
			{ID: "acct_1", Username: "ghost.one"},
			{ID: "acct_2", Username: "ghost.two"},
		}, nil)

	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)
	f.invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(req runner.InvokeRequest) bool {
		return req.Operation == types.OpQuickAdds && req.Username != ""
	})).Return(types.ResultMap{"added_users": 37}, nil).Twice()
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		types.ResultMap{"added_users": 37}, "").Return(nil).Twice()
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.invoker.AssertExpectations(t)
	f.executions.AssertExpectations(t)
}

func TestProcess_PartialFailureStillSettlesDone(t *testing.T) {
	f := newExecutorFixture()
	exec := fanOutExecution(types.OpQuickAdds, quickAddsOp, "acct_1", "acct_2")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", mock.Anything).
		Return([]*types.SnapAccount{
			{ID: "acct_1", Username: "ghost.one"},
			{ID: "acct_2", Username: "ghost.two"},
		}, nil)
	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)

	f.invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(req runner.InvokeRequest) bool {
		return req.AccountID == "acct_1"
	})).Return(types.ResultMap{"added_users": 12}, nil)
	f.invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(req runner.InvokeRequest) bool {
		return req.AccountID == "acct_2"
	})).Return(nil, errors.New("device offline"))

	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		mock.Anything, "").Return(nil)
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecFailure,
		types.ResultMap(nil), "device offline").Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.executions.AssertExpectations(t)
}

func TestProcess_FullWipeoutSettlesFailure(t *testing.T) {
	f := newExecutorFixture()
	exec := fanOutExecution(types.OpQuickAdds, quickAddsOp, "acct_1")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", mock.Anything).
		Return([]*types.SnapAccount{{ID: "acct_1", Username: "ghost.one"}}, nil)
	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)
	f.invoker.On("Invoke", mock.Anything, mock.Anything).Return(nil, errors.New("device offline"))
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecFailure,
		mock.Anything, mock.Anything).Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecFailure, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.executions.AssertExpectations(t)
}

func TestProcess_TopAccountsExcludesBelowThreshold(t *testing.T) {
	f := newExecutorFixture()
	op := types.QuickAddsTopAccountsConfig{
		QuickAddsConfig:     quickAddsOp,
		MaxRejectionRate:    0.2,
		MinConversationRate: 0.5,
		MinConversionRate:   0.1,
	}
	exec := fanOutExecution(types.OpQuickAddsTopAccounts, op, "acct_good", "acct_poor")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", mock.Anything).
		Return([]*types.SnapAccount{
			{ID: "acct_good", Username: "good", RejectingRate: 0.1, ConversationRate: 0.8, ConversionRate: 0.4},
			{ID: "acct_poor", Username: "poor", RejectingRate: 0.9, ConversationRate: 0.1, ConversionRate: 0.0},
		}, nil)

	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)
	f.invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(req runner.InvokeRequest) bool {
		return req.AccountID == "acct_good"
	})).Return(types.ResultMap{"added_users": 20}, nil).Once()
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		types.ResultMap{"added_users": 20}, "").Return(nil)
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		types.ResultMap(nil), "excluded by score thresholds").Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.invoker.AssertExpectations(t)
	f.executions.AssertExpectations(t)
}

func TestProcess_CheckConversationsUpdatesRates(t *testing.T) {
	f := newExecutorFixture()
	op := types.DelayOnlyConfig{StartingDelay: 5}
	exec := fanOutExecution(types.OpCheckConversations, op, "acct_1")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", mock.Anything).
		Return([]*types.SnapAccount{{ID: "acct_1", Username: "ghost.one"}}, nil)
	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)

	f.invoker.On("Invoke", mock.Anything, mock.Anything).Return(types.ResultMap{
		"rejecting_rate":    0.25,
		"conversation_rate": 0.6,
		"conversion_rate":   0.15,
	}, nil)
	f.accounts.On("UpdateRates", mock.Anything, "acct_1", 0.25, 0.6, 0.15).Return(nil)

	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		mock.Anything, "").Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.accounts.AssertExpectations(t)
}

func TestProcess_CheckConversationsPartialRatesIgnored(t *testing.T) {
	f := newExecutorFixture()
	exec := fanOutExecution(types.OpCheckConversations, types.DelayOnlyConfig{}, "acct_1")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", mock.Anything).
		Return([]*types.SnapAccount{{ID: "acct_1", Username: "ghost.one"}}, nil)
	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)

	// Result carries only one of the three rates; stored rates stay put.
	f.invoker.On("Invoke", mock.Anything, mock.Anything).Return(types.ResultMap{
		"conversation_rate": 0.6,
	}, nil)
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		mock.Anything, "").Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.accounts.AssertNotCalled(t, "UpdateRates")
}

func TestProcess_ComputeStatistics(t *testing.T) {
	f := newExecutorFixture()
	exec := fanOutExecution(types.OpComputeStatistics, types.ComputeStatisticsConfig{})

	stats := &types.AgencyStatistics{
		AgencyID:      "agcy_1",
		TotalAccounts: 42,
	}

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("AggregateStatistics", mock.Anything, "agcy_1").Return(stats, nil)
	f.leads.On("CountPending", mock.Anything, "agcy_1").Return(7, nil)
	f.accounts.On("SaveStatistics", mock.Anything, mock.MatchedBy(func(s *types.AgencyStatistics) bool {
		return s.AgencyID == "agcy_1" && s.PendingLeads == 7 && !s.ComputedAt.IsZero()
	})).Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.accounts.AssertExpectations(t)
	f.invoker.AssertNotCalled(t, "Invoke")
}

func TestProcess_GenerateLeads(t *testing.T) {
	f := newExecutorFixture()
	op := types.GenerateLeadsConfig{
		AccountsNumber:         3,
		TargetLeadNumber:       2,
		WeightRejectingRate:    0.4,
		WeightConversationRate: 0.4,
		WeightConversionRate:   0.2,
	}
	exec := fanOutExecution(types.OpGenerateLeads, op)

	pool := []*types.SnapAccount{
		{ID: "acct_weak", RejectingRate: 0.9, ConversationRate: 0.1, ConversionRate: 0.0},
		{ID: "acct_best", RejectingRate: 0.0, ConversationRate: 0.9, ConversionRate: 0.9},
		{ID: "acct_mid", RejectingRate: 0.3, ConversationRate: 0.5, ConversionRate: 0.2},
	}

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("ListByPredicate", mock.Anything, "agcy_1", types.FilterPredicate{}).Return(pool, nil)

	var created []*types.Lead
	f.leads.On("CreateBatch", mock.Anything, mock.AnythingOfType("[]*types.Lead")).
		Run(func(args mock.Arguments) { created = args.Get(1).([]*types.Lead) }).
		Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)

	// TargetLeadNumber caps output; the weighted-sum ranking puts acct_best
	// at 0.54 and acct_weak at 0.40, ahead of acct_mid's 0.36.
	require.Len(t, created, 2)
	assert.Equal(t, "acct_best", created[0].AccountID)
	assert.Equal(t, "acct_weak", created[1].AccountID)
	assert.Equal(t, types.LeadPending, created[0].Status)
	assert.Greater(t, created[0].Score, created[1].Score)
}

func TestProcess_ConsumeLeadsWithEmptyPool(t *testing.T) {
	f := newExecutorFixture()
	op := types.ConsumeLeadsConfig{
		Requests:           5,
		Batches:            1,
		UsersSentInRequest: 4,
	}
	exec := fanOutExecution(types.OpConsumeLeads, op, "acct_1")

	f.executions.On("ClaimForRun", mock.Anything, "exec_1").Return(true, nil)
	f.executions.On("GetByID", mock.Anything, "exec_1", "agcy_1").Return(exec, nil)
	f.accounts.On("GetByIDs", mock.Anything, "agcy_1", mock.Anything).
		Return([]*types.SnapAccount{{ID: "acct_1", Username: "ghost.one"}}, nil)
	f.executions.On("StartAccountExecution", mock.Anything, mock.Anything).Return(nil)

	f.leads.On("ConsumeBatch", mock.Anything, "agcy_1", 20).Return([]*types.Lead{}, nil)
	f.executions.On("FinishAccountExecution", mock.Anything, mock.Anything, types.ExecDone,
		types.ResultMap{"consumed_leads": 0}, "").Return(nil)
	f.executions.On("Settle", mock.Anything, "exec_1", types.ExecDone, mock.Anything).Return(nil)

	err := f.executor.Process(context.Background(), execMessage())
	require.NoError(t, err)
	f.invoker.AssertNotCalled(t, "Invoke")
	f.leads.AssertExpectations(t)
}
