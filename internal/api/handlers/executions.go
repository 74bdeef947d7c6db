package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"snapfarm/internal/core"
	"snapfarm/internal/db"
	"snapfarm/internal/targeting"
	"snapfarm/internal/types"
)

// ExecutionRepo defines the data access contract for execution operations.
// Mirrors the concrete db.ExecutionRepository methods used by this handler.
type ExecutionRepo interface {
	Create(ctx context.Context, e *types.Execution) error
	CreateAccountExecutions(ctx context.Context, rows []*types.AccountExecution) error
	GetByID(ctx context.Context, id string, agencyID string) (*types.Execution, error)
	List(ctx context.Context, filters types.ExecutionListFilters) ([]*types.Execution, types.PageInfo, error)
	AnyAccountBusy(ctx context.Context, accountIDs []string) (bool, error)
	GetIdempotencyRecord(ctx context.Context, agencyID string, key string) (*db.IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, rec db.IdempotencyRecord) error
}

// AgencyRepo gates manual triggers on the agency's billing standing.
type AgencyRepo interface {
	GetByID(ctx context.Context, id string) (*types.Agency, error)
}

// TriggerAccountRepo resolves the request's target set. Mirrors the
// db.AccountRepository lookups used by targeting.Resolve.
type TriggerAccountRepo interface {
	GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error)
	ListByPredicate(ctx context.Context, agencyID string, p types.FilterPredicate) ([]*types.SnapAccount, error)
}

// ExecutionEnqueuer hands a freshly created execution to the worker queue.
type ExecutionEnqueuer interface {
	Enqueue(ctx context.Context, msg types.ExecutionMessage) error
}

// TriggerExecutionRequest is the request body for
// POST /v1/agencies/{agencyID}/executions. It is a one-shot job with the
// same configuration contract, no cron: the console picks concrete accounts
// rather than a filter, so targets arrive as explicit IDs. Agency-wide
// operations (compute_statistics, generate_leads) may omit them.
type TriggerExecutionRequest struct {
	Type          types.OperationType `json:"type" validate:"required"`
	Accounts      []string            `json:"accounts" validate:"omitempty,dive,required"`
	Configuration json.RawMessage     `json:"configuration"`
}

// ExecutionHandler serves execution history and the manual trigger endpoint.
type ExecutionHandler struct {
	executions ExecutionRepo
	agencies   AgencyRepo
	accounts   TriggerAccountRepo
	queue      ExecutionEnqueuer
	validator  *core.Validator
	logger     *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler with the provided
// dependencies.
func NewExecutionHandler(
	executions ExecutionRepo,
	agencies AgencyRepo,
	accounts TriggerAccountRepo,
	queue ExecutionEnqueuer,
	v *core.Validator,
	l *slog.Logger,
) *ExecutionHandler {
	if l == nil {
		l = slog.Default()
	}
	return &ExecutionHandler{
		executions: executions,
		agencies:   agencies,
		accounts:   accounts,
		queue:      queue,
		validator:  v,
		logger:     l,
	}
}

// RegisterRoutes mounts execution routes on the provided chi.Router.
func (h *ExecutionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agencies/{agencyID}/executions", func(r chi.Router) {
		r.Post("/", h.Trigger)
		r.Get("/", h.List)
		r.Get("/{executionID}", h.Get)
	})
}

// List handles GET /v1/agencies/{agencyID}/executions.
// Supports job_id, execution_type, status, username, limit, and cursor query
// parameters.
func (h *ExecutionHandler) List(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	q := r.URL.Query()
	filters := types.ExecutionListFilters{
		AgencyID: agencyID,
		JobID:    q.Get("job_id"),
		Type:     types.OperationType(q.Get("execution_type")),
		Status:   types.ExecutionStatus(q.Get("status")),
		Username: q.Get("username"),
		Limit:    parseLimit(r),
		Cursor:   q.Get("cursor"),
	}
	if filters.Type != "" && !types.IsKnownOperationType(filters.Type) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidType,
			"unknown operation type: "+string(filters.Type),
			nil,
			map[string]any{"operation_type": string(filters.Type)},
		))
		return
	}

	executions, pageInfo, err := h.executions.List(r.Context(), filters)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: executions,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// Get handles GET /v1/agencies/{agencyID}/executions/{executionID}.
// The repository hydrates per-account rows on detail reads.
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	exec, err := h.executions.GetByID(r.Context(), chi.URLParam(r, "executionID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: exec})
}

// Trigger handles POST /v1/agencies/{agencyID}/executions: run an operation
// once, now, outside any cron schedule.
//
// The write path is deliberately ordered:
//
//  1. Billing gate. Delinquent agencies can read history but not spend
//     runner capacity.
//  2. Shape validation, then target resolution with the same rules the
//     scheduler applies.
//  3. Idempotency-Key replay. A repeated key with the same body returns the
//     original execution; the same key with a different body is a conflict.
//  4. Overlap guard: any targeted account already inside a live execution
//     rejects the whole request rather than silently double-driving phones.
//  5. Create rows, enqueue, then bind the key. If the key insert loses a
//     race the winning execution already exists and redelivery semantics at
//     the worker make the duplicate harmless.
func (h *ExecutionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	agency, err := h.agencies.GetByID(r.Context(), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if agency.Delinquent {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePaymentRequired,
			"agency has unpaid invoices; executions are suspended",
			nil,
		))
		return
	}

	var req TriggerExecutionRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	cfg, err := types.DecodeConfiguration(req.Type, req.Configuration)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		core.Error(w, r, err)
		return
	}
	predicate := types.FilterPredicate{AccountIDs: req.Accounts}
	if err := validateJobFilter(req.Type, predicate); err != nil {
		core.Error(w, r, err)
		return
	}

	accounts, err := targeting.Resolve(r.Context(), h.accounts, agencyID, predicate, req.Type)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	idemKey := r.Header.Get("Idempotency-Key")
	reqHash := hashTriggerRequest(req)
	if idemKey != "" {
		prior, err := h.executions.GetIdempotencyRecord(r.Context(), agencyID, idemKey)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		if prior != nil {
			if prior.RequestHash != reqHash {
				core.Error(w, r, types.NewAppErrorWithDetails(
					types.ErrCodeConflictIdempotency,
					"Idempotency-Key was already used with a different request body",
					nil,
					map[string]any{"idempotency_key": idemKey},
				))
				return
			}
			existing, err := h.executions.GetByID(r.Context(), prior.ExecutionID, agencyID)
			if err != nil {
				core.Error(w, r, err)
				return
			}
			core.JSON(w, r, http.StatusOK, core.APIResponse{Data: existing})
			return
		}
	}

	accountIDs := make([]string, len(accounts))
	for i, a := range accounts {
		accountIDs[i] = a.ID
	}
	busy, err := h.executions.AnyAccountBusy(r.Context(), accountIDs)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if busy {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeConflictExecution,
			"one or more targeted accounts already has an execution in progress",
			nil,
		))
		return
	}

	now := time.Now().UTC()
	exec := &types.Execution{
		ID:            "exec_" + uuid.New().String(),
		AgencyID:      agencyID,
		Type:          req.Type,
		Status:        types.ExecStarted,
		TriggeredBy:   types.TriggeredByManual,
		Configuration: cfg,
		StartTime:     now,
	}
	if err := h.executions.Create(r.Context(), exec); err != nil {
		core.Error(w, r, err)
		return
	}

	rows := make([]*types.AccountExecution, len(accounts))
	for i, a := range accounts {
		rows[i] = &types.AccountExecution{
			ID:          "aexec_" + uuid.New().String(),
			ExecutionID: exec.ID,
			AccountID:   a.ID,
			Status:      types.ExecStarted,
			StartTime:   now,
		}
	}
	if err := h.executions.CreateAccountExecutions(r.Context(), rows); err != nil {
		core.Error(w, r, err)
		return
	}

	msg := types.ExecutionMessage{
		ExecutionID: exec.ID,
		AgencyID:    agencyID,
		Type:        req.Type,
		TraceID:     types.GetRequestID(r.Context()),
		TriggeredBy: types.TriggeredByManual,
		EnqueuedAt:  now,
	}
	if msg.TraceID == "" {
		msg.TraceID = "trc_" + uuid.New().String()
	}
	if err := h.queue.Enqueue(r.Context(), msg); err != nil {
		// The execution row stays STARTED; the stale sweep will settle it.
		core.Error(w, r, err)
		return
	}

	if idemKey != "" {
		if err := h.executions.SaveIdempotencyRecord(r.Context(), db.IdempotencyRecord{
			AgencyID:    agencyID,
			Key:         idemKey,
			RequestHash: reqHash,
			ExecutionID: exec.ID,
		}); err != nil {
			h.logger.WarnContext(r.Context(), "failed to bind idempotency key",
				"execution_id", exec.ID,
				"error", err,
			)
		}
	}

	h.logger.InfoContext(r.Context(), "manual execution triggered",
		"execution_id", exec.ID,
		"agency_id", agencyID,
		"type", string(req.Type),
		"accounts", len(accounts),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: exec})
}

// hashTriggerRequest produces the body fingerprint stored alongside an
// Idempotency-Key. The configuration is hashed as sent, so a retry must
// repeat the body byte-for-byte to count as the same request.
func hashTriggerRequest(req TriggerExecutionRequest) string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
