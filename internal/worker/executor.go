// Package worker hosts the two long-running consumers: the execution worker,
// which drains the SQS execution queue and drives operations through the
// runner fleet, and the workflow worker, which advances per-account step
// cursors on its own tick.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"snapfarm/internal/config"
	"snapfarm/internal/runner"
	"snapfarm/internal/targeting"
	"snapfarm/internal/types"
)

// SQSConsumer abstracts the SQS operations the execution worker needs.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSConsumer interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// ExecutionStore abstracts the execution table operations the worker needs.
type ExecutionStore interface {
	ClaimForRun(ctx context.Context, executionID string) (bool, error)
	GetByID(ctx context.Context, id string, agencyID string) (*types.Execution, error)
	StartAccountExecution(ctx context.Context, id string) error
	FinishAccountExecution(ctx context.Context, id string, status types.ExecutionStatus, result types.ResultMap, message string) error
	Settle(ctx context.Context, executionID string, status types.ExecutionStatus, endTime time.Time) error
}

// AccountStore abstracts account reads, rate writes, and the statistics
// aggregate.
type AccountStore interface {
	GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error)
	ListByPredicate(ctx context.Context, agencyID string, p types.FilterPredicate) ([]*types.SnapAccount, error)
	UpdateRates(ctx context.Context, id string, rejecting, conversation, conversion float64) error
	AggregateStatistics(ctx context.Context, agencyID string) (*types.AgencyStatistics, error)
	SaveStatistics(ctx context.Context, stats *types.AgencyStatistics) error
}

// LeadStore abstracts lead creation, consumption, and the pending count.
type LeadStore interface {
	CreateBatch(ctx context.Context, leads []*types.Lead) error
	ConsumeBatch(ctx context.Context, agencyID string, n int) ([]*types.Lead, error)
	CountPending(ctx context.Context, agencyID string) (int, error)
}

// Invoker abstracts the runner client.
type Invoker interface {
	Invoke(ctx context.Context, req runner.InvokeRequest) (types.ResultMap, error)
}

// ExecutionMetrics is the telemetry surface the worker emits to.
// Implemented by metrics.Publisher; nil disables emission.
type ExecutionMetrics interface {
	RecordExecution(ctx context.Context, opType string, status string, duration time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// Executor consumes execution messages and runs them to settlement.
type Executor struct {
	sqs        SQSConsumer
	queueURL   string
	executions ExecutionStore
	accounts   AccountStore
	leads      LeadStore
	invoker    Invoker
	metrics    ExecutionMetrics

	cfg    config.WorkerConfig
	logger *slog.Logger

	now func() time.Time
}

// ExecutorConfig holds the dependencies for creating an Executor.
type ExecutorConfig struct {
	SQS        SQSConsumer
	QueueURL   string
	Executions ExecutionStore
	Accounts   AccountStore
	Leads      LeadStore
	Invoker    Invoker
	Metrics    ExecutionMetrics
	Worker     config.WorkerConfig
	Logger     *slog.Logger
}

// NewExecutor creates an execution worker.
func NewExecutor(cfg ExecutorConfig) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		sqs:        cfg.SQS,
		queueURL:   cfg.QueueURL,
		executions: cfg.Executions,
		accounts:   cfg.Accounts,
		leads:      cfg.Leads,
		invoker:    cfg.Invoker,
		metrics:    cfg.Metrics,
		cfg:        cfg.Worker,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run long-polls the execution queue until the context is cancelled.
// Messages are deleted once Process returns: the claim transition makes
// redeliveries no-ops, and failed executions are settled in the database
// rather than retried through the queue.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.InfoContext(ctx, "execution worker started",
		"queue_url", e.queueURL,
		"account_concurrency", e.cfg.AccountConcurrency,
	)

	for {
		select {
		case <-ctx.Done():
			e.logger.InfoContext(ctx, "execution worker stopping")
			return ctx.Err()
		default:
		}

		out, err := e.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(e.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     int32(e.cfg.PollWaitTime.Seconds()),
			VisibilityTimeout:   int32(e.cfg.VisibilityTimeout.Seconds()),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.logger.ErrorContext(ctx, "failed to receive messages", "error", err)
			continue
		}

		for _, raw := range out.Messages {
			e.handleMessage(ctx, aws.ToString(raw.Body), aws.ToString(raw.ReceiptHandle))
		}
	}
}

func (e *Executor) handleMessage(ctx context.Context, body string, receiptHandle string) {
	var msg types.ExecutionMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		// A poison message can never succeed; drop it so it lands in the DLQ
		// via redrive rather than looping forever.
		e.logger.ErrorContext(ctx, "dropping unparseable execution message", "error", err)
		e.deleteMessage(ctx, receiptHandle)
		return
	}

	if e.metrics != nil && !msg.EnqueuedAt.IsZero() {
		e.metrics.RecordQueueLag(ctx, e.now().Sub(msg.EnqueuedAt))
	}

	if err := e.Process(ctx, msg); err != nil {
		// Leave the message invisible; SQS redelivers and the claim guard
		// decides whether the work already happened.
		e.logger.ErrorContext(ctx, "execution processing failed",
			"execution_id", msg.ExecutionID,
			"trace_id", msg.TraceID,
			"error", err,
		)
		return
	}
	e.deleteMessage(ctx, receiptHandle)
}

func (e *Executor) deleteMessage(ctx context.Context, receiptHandle string) {
	_, err := e.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(e.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "failed to delete message", "error", err)
	}
}

// Process runs one execution end to end. The STARTED to IN_PROGRESS claim is
// the idempotency guard: a redelivered message finds the row already claimed
// and returns without side effects.
func (e *Executor) Process(ctx context.Context, msg types.ExecutionMessage) error {
	claimed, err := e.executions.ClaimForRun(ctx, msg.ExecutionID)
	if err != nil {
		return fmt.Errorf("claiming execution: %w", err)
	}
	if !claimed {
		e.logger.InfoContext(ctx, "execution already claimed, skipping",
			"execution_id", msg.ExecutionID,
			"trace_id", msg.TraceID,
		)
		return nil
	}

	exec, err := e.executions.GetByID(ctx, msg.ExecutionID, msg.AgencyID)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}

	started := e.now()
	status := e.runOperation(ctx, exec)

	if err := e.executions.Settle(ctx, exec.ID, status, e.now()); err != nil {
		return fmt.Errorf("settling execution: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RecordExecution(ctx, string(exec.Type), string(status), e.now().Sub(started))
	}

	e.logger.InfoContext(ctx, "execution settled",
		"execution_id", exec.ID,
		"type", string(exec.Type),
		"status", string(status),
		"trace_id", msg.TraceID,
	)
	return nil
}

// runOperation dispatches on operation type and returns the execution's
// terminal status. Operational failures inside an operation degrade to
// FAILURE rather than bubbling up; the execution always settles.
func (e *Executor) runOperation(ctx context.Context, exec *types.Execution) types.ExecutionStatus {
	switch exec.Type {
	case types.OpComputeStatistics:
		return e.runComputeStatistics(ctx, exec)
	case types.OpGenerateLeads:
		return e.runGenerateLeads(ctx, exec)
	default:
		return e.runAccountFanOut(ctx, exec)
	}
}

// runAccountFanOut drives the per-account operations: each pending account
// execution row becomes one runner call, bounded by AccountConcurrency.
func (e *Executor) runAccountFanOut(ctx context.Context, exec *types.Execution) types.ExecutionStatus {
	rows := exec.AccountExecutions
	if len(rows) == 0 {
		e.logger.WarnContext(ctx, "execution has no account rows", "execution_id", exec.ID)
		return types.ExecDone
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.AccountID)
	}
	accts, err := e.accounts.GetByIDs(ctx, exec.AgencyID, ids)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load accounts", "execution_id", exec.ID, "error", err)
		return types.ExecFailure
	}
	byID := make(map[string]*types.SnapAccount, len(accts))
	for _, a := range accts {
		byID[a.ID] = a
	}

	excluded := e.thresholdExclusions(exec, byID)

	var g errgroup.Group
	g.SetLimit(max(1, e.cfg.AccountConcurrency))

	results := make([]types.ExecutionStatus, len(rows))
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			results[i] = e.runAccountRow(ctx, exec, row, byID[row.AccountID], excluded[row.AccountID])
			return nil
		})
	}
	g.Wait()

	failures := 0
	for _, s := range results {
		if s == types.ExecFailure {
			failures++
		}
	}
	// Partial failure is still a completed run; only a full wipeout fails
	// the execution itself.
	if failures == len(rows) {
		return types.ExecFailure
	}
	return types.ExecDone
}

// thresholdExclusions returns the accounts cut by quick_adds_top_accounts
// score thresholds. Empty for every other operation.
func (e *Executor) thresholdExclusions(exec *types.Execution, byID map[string]*types.SnapAccount) map[string]bool {
	cfg, ok := exec.Configuration.Op.(types.QuickAddsTopAccountsConfig)
	if exec.Type != types.OpQuickAddsTopAccounts || !ok {
		return nil
	}

	pool := make([]*types.SnapAccount, 0, len(byID))
	for _, a := range byID {
		pool = append(pool, a)
	}
	kept := targeting.FilterTopAccounts(pool, targeting.TopAccountThresholds{
		MaxRejectionRate:    cfg.MaxRejectionRate,
		MinConversationRate: cfg.MinConversationRate,
		MinConversionRate:   cfg.MinConversionRate,
	})

	keptIDs := make(map[string]bool, len(kept))
	for _, a := range kept {
		keptIDs[a.ID] = true
	}
	excluded := make(map[string]bool, len(byID))
	for id := range byID {
		if !keptIDs[id] {
			excluded[id] = true
		}
	}
	return excluded
}

// runAccountRow settles a single account execution row and returns its
// terminal status.
func (e *Executor) runAccountRow(ctx context.Context, exec *types.Execution, row *types.AccountExecution, acct *types.SnapAccount, excluded bool) types.ExecutionStatus {
	if acct == nil {
		e.finishRow(ctx, row.ID, types.ExecFailure, nil, "account no longer exists")
		return types.ExecFailure
	}
	if excluded {
		e.finishRow(ctx, row.ID, types.ExecDone, nil, "excluded by score thresholds")
		return types.ExecDone
	}

	if err := e.executions.StartAccountExecution(ctx, row.ID); err != nil {
		e.logger.WarnContext(ctx, "failed to mark account execution started",
			"account_execution_id", row.ID, "error", err)
	}

	result, err := e.invokeForAccount(ctx, exec, acct)
	if err != nil {
		e.finishRow(ctx, row.ID, types.ExecFailure, nil, err.Error())
		return types.ExecFailure
	}

	e.applyObservedRates(ctx, exec, acct, result)
	e.finishRow(ctx, row.ID, types.ExecDone, result, "")
	return types.ExecDone
}

// applyObservedRates persists the rate triple a conversation check reports
// for an account. Results missing any of the three fields leave the stored
// rates untouched; a write failure does not fail the row, since the runner
// call itself succeeded.
func (e *Executor) applyObservedRates(ctx context.Context, exec *types.Execution, acct *types.SnapAccount, result types.ResultMap) {
	if exec.Type != types.OpCheckConversations || result == nil {
		return
	}
	rejecting, ok1 := rateField(result, "rejecting_rate")
	conversation, ok2 := rateField(result, "conversation_rate")
	conversion, ok3 := rateField(result, "conversion_rate")
	if !ok1 || !ok2 || !ok3 {
		return
	}
	if err := e.accounts.UpdateRates(ctx, acct.ID, rejecting, conversation, conversion); err != nil {
		e.logger.WarnContext(ctx, "failed to update account rates",
			"account_id", acct.ID, "error", err)
	}
}

func rateField(m types.ResultMap, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// invokeForAccount performs the runner call for one account, including the
// lead consumption that consume_leads prepends.
func (e *Executor) invokeForAccount(ctx context.Context, exec *types.Execution, acct *types.SnapAccount) (types.ResultMap, error) {
	req := runner.InvokeRequest{
		AccountID:     acct.ID,
		Username:      acct.Username,
		Operation:     exec.Type,
		Configuration: exec.Configuration,
		TraceID:       types.GetRequestID(ctx),
	}

	if exec.Type == types.OpConsumeLeads {
		cfg, ok := exec.Configuration.Op.(types.ConsumeLeadsConfig)
		if !ok {
			return nil, fmt.Errorf("execution %s carries no consume_leads configuration", exec.ID)
		}
		batch, err := e.leads.ConsumeBatch(ctx, exec.AgencyID, cfg.Requests*cfg.UsersSentInRequest)
		if err != nil {
			return nil, fmt.Errorf("consuming leads: %w", err)
		}
		if len(batch) == 0 {
			return types.ResultMap{"consumed_leads": 0}, nil
		}
		result, err := e.invoker.Invoke(ctx, req)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = types.ResultMap{}
		}
		result["consumed_leads"] = len(batch)
		return result, nil
	}

	return e.invoker.Invoke(ctx, req)
}

func (e *Executor) finishRow(ctx context.Context, id string, status types.ExecutionStatus, result types.ResultMap, message string) {
	if err := e.executions.FinishAccountExecution(ctx, id, status, result, message); err != nil {
		e.logger.ErrorContext(ctx, "failed to finish account execution",
			"account_execution_id", id, "error", err)
	}
}

// runComputeStatistics recomputes and persists the agency aggregate.
func (e *Executor) runComputeStatistics(ctx context.Context, exec *types.Execution) types.ExecutionStatus {
	stats, err := e.accounts.AggregateStatistics(ctx, exec.AgencyID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to aggregate statistics",
			"agency_id", exec.AgencyID, "error", err)
		return types.ExecFailure
	}
	pending, err := e.leads.CountPending(ctx, exec.AgencyID)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to count pending leads",
			"agency_id", exec.AgencyID, "error", err)
		return types.ExecFailure
	}
	stats.PendingLeads = pending
	stats.ComputedAt = e.now()
	if err := e.accounts.SaveStatistics(ctx, stats); err != nil {
		e.logger.ErrorContext(ctx, "failed to save statistics",
			"agency_id", exec.AgencyID, "error", err)
		return types.ExecFailure
	}
	return types.ExecDone
}

// runGenerateLeads score-selects accounts from the agency pool and records
// them as pending leads. AccountsNumber caps the candidate pool after
// scoring; TargetLeadNumber caps how many of those become leads.
func (e *Executor) runGenerateLeads(ctx context.Context, exec *types.Execution) types.ExecutionStatus {
	cfg, ok := exec.Configuration.Op.(types.GenerateLeadsConfig)
	if !ok {
		e.logger.ErrorContext(ctx, "execution carries no generate_leads configuration",
			"execution_id", exec.ID)
		return types.ExecFailure
	}

	candidates, err := e.accounts.ListByPredicate(ctx, exec.AgencyID, types.FilterPredicate{})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to list candidate accounts",
			"agency_id", exec.AgencyID, "error", err)
		return types.ExecFailure
	}
	if len(candidates) == 0 {
		e.logger.WarnContext(ctx, "no candidate accounts for lead generation",
			"agency_id", exec.AgencyID)
		return types.ExecDone
	}

	scored := targeting.SelectLeads(candidates, targeting.LeadWeights{
		RejectingRate:    cfg.WeightRejectingRate,
		ConversationRate: cfg.WeightConversationRate,
		ConversionRate:   cfg.WeightConversionRate,
	}, cfg.AccountsNumber)

	n := cfg.TargetLeadNumber
	if n > len(scored) {
		n = len(scored)
	}

	now := e.now()
	leads := make([]*types.Lead, 0, n)
	for _, s := range scored[:n] {
		leads = append(leads, &types.Lead{
			ID:        "lead_" + uuid.New().String(),
			AgencyID:  exec.AgencyID,
			AccountID: s.Account.ID,
			Status:    types.LeadPending,
			Score:     s.Score,
			CreatedAt: now,
		})
	}
	if err := e.leads.CreateBatch(ctx, leads); err != nil {
		e.logger.ErrorContext(ctx, "failed to create leads",
			"agency_id", exec.AgencyID, "error", err)
		return types.ExecFailure
	}

	e.logger.InfoContext(ctx, "generated leads",
		"agency_id", exec.AgencyID,
		"leads", len(leads),
	)
	return types.ExecDone
}
