// Package handlers contains the HTTP handler implementations for the
// snapfarm API. Every route is agency-scoped: handlers verify the actor's
// agency against the {agencyID} path parameter before touching data, so a
// wrong-agency request on an existing resource returns 403 rather than 404.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"snapfarm/internal/core"
	"snapfarm/internal/db"
	"snapfarm/internal/scheduler"
	"snapfarm/internal/targeting"
	"snapfarm/internal/types"
)

// JobRepo defines the data access contract for job operations.
// Mirrors the concrete db.JobRepository methods used by this handler.
type JobRepo interface {
	Create(ctx context.Context, job *types.Job) error
	GetByID(ctx context.Context, id string, agencyID string) (*types.Job, error)
	Update(ctx context.Context, job *types.Job) error
	SetStatus(ctx context.Context, id string, agencyID string, status types.JobStatus) (*types.Job, error)
	Delete(ctx context.Context, id string, agencyID string) error
	List(ctx context.Context, agencyID string, params db.ListJobsParams) ([]*types.Job, types.PageInfo, error)
}

// CreateJobRequest is the request body for POST /v1/agencies/{agencyID}/jobs.
// Configuration arrives as a raw field bag and is shaped by the operation
// type's decoder; the console historically posted numbers as strings, so the
// decoder coerces.
type CreateJobRequest struct {
	Name               string                `json:"name" validate:"required,max=200"`
	Type               types.OperationType   `json:"type" validate:"required"`
	CronExpression     string                `json:"cron_expression" validate:"required"`
	Status             types.JobStatus       `json:"status,omitempty" validate:"omitempty,oneof=ACTIVE STOPPED"`
	FirstExecutionTime *time.Time            `json:"first_execution_time,omitempty"`
	Filter             types.FilterPredicate `json:"filter"`
	Configuration      json.RawMessage       `json:"configuration"`
}

// UpdateJobRequest is the request body for PUT /v1/agencies/{agencyID}/jobs/{jobID}.
// All fields are required; updates are whole-document, matching the console's
// edit form.
type UpdateJobRequest struct {
	Name               string                `json:"name" validate:"required,max=200"`
	CronExpression     string                `json:"cron_expression" validate:"required"`
	FirstExecutionTime *time.Time            `json:"first_execution_time,omitempty"`
	Filter             types.FilterPredicate `json:"filter"`
	Configuration      json.RawMessage       `json:"configuration"`
}

// JobHandler manages job CRUD, lifecycle toggling, and the filter preview.
type JobHandler struct {
	jobs      JobRepo
	accounts  targeting.AccountSource
	validator *core.Validator
	logger    *slog.Logger
}

// NewJobHandler creates a JobHandler with the provided dependencies.
func NewJobHandler(jobs JobRepo, accounts targeting.AccountSource, v *core.Validator, l *slog.Logger) *JobHandler {
	if l == nil {
		l = slog.Default()
	}
	return &JobHandler{jobs: jobs, accounts: accounts, validator: v, logger: l}
}

// RegisterRoutes mounts job routes on the provided chi.Router.
func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agencies/{agencyID}/jobs", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)

		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Patch("/status", h.Toggle)
			r.Get("/accounts", h.Accounts)
		})
	})
}

// Create handles POST /v1/agencies/{agencyID}/jobs.
//
//  1. Verify agency scope.
//  2. Decode and validate the request shell.
//  3. Validate the cron expression with the scheduler's parser.
//  4. Decode the typed configuration and validate its field contract.
//  5. Reject filters that can never match (unless the operation is
//     agency-wide).
//  6. Persist with the caller's chosen status, ACTIVE when omitted.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateJobRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := scheduler.ValidateCron(req.CronExpression); err != nil {
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

	if err := validateJobFilter(req.Type, req.Filter); err != nil {
		core.Error(w, r, err)
		return
	}

	status := req.Status
	if status == "" {
		status = types.StatusActive
	}

	now := time.Now().UTC()
	job := &types.Job{
		ID:                 "job_" + uuid.New().String(),
		AgencyID:           agencyID,
		Name:               req.Name,
		Type:               req.Type,
		CronExpression:     req.CronExpression,
		Filter:             req.Filter,
		Configuration:      cfg,
		Status:             status,
		FirstExecutionTime: req.FirstExecutionTime,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := h.jobs.Create(r.Context(), job); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "job created",
		"job_id", job.ID,
		"agency_id", agencyID,
		"type", string(job.Type),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: job})
}

// Get handles GET /v1/agencies/{agencyID}/jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	job, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "jobID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: job})
}

// List handles GET /v1/agencies/{agencyID}/jobs.
// Supports status, type, limit, and cursor query parameters.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	params := db.ListJobsParams{
		Type:   types.OperationType(r.URL.Query().Get("type")),
		Limit:  parseLimit(r),
		Cursor: r.URL.Query().Get("cursor"),
	}
	params.Status = statusFilter(r)
	if params.Type != "" && !types.IsKnownOperationType(params.Type) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidType,
			"unknown operation type: "+string(params.Type),
			nil,
			map[string]any{"operation_type": string(params.Type)},
		))
		return
	}

	jobs, pageInfo, err := h.jobs.List(r.Context(), agencyID, params)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: jobs,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// Update handles PUT /v1/agencies/{agencyID}/jobs/{jobID}. The operation type
// is immutable; changing semantics means creating a new job.
func (h *JobHandler) Update(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	existing, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "jobID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req UpdateJobRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := scheduler.ValidateCron(req.CronExpression); err != nil {
		core.Error(w, r, err)
		return
	}

	cfg, err := types.DecodeConfiguration(existing.Type, req.Configuration)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := cfg.Validate(); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := validateJobFilter(existing.Type, req.Filter); err != nil {
		core.Error(w, r, err)
		return
	}

	existing.Name = req.Name
	existing.CronExpression = req.CronExpression
	existing.FirstExecutionTime = req.FirstExecutionTime
	existing.Filter = req.Filter
	existing.Configuration = cfg
	existing.UpdatedAt = time.Now().UTC()

	if err := h.jobs.Update(r.Context(), existing); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: existing})
}

// Delete handles DELETE /v1/agencies/{agencyID}/jobs/{jobID}. Historical
// executions keep their snapshots; deleting a job never rewrites history.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.jobs.Delete(r.Context(), chi.URLParam(r, "jobID"), agencyID); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle handles PATCH /v1/agencies/{agencyID}/jobs/{jobID}/status, flipping
// between ACTIVE and STOPPED. Two calls return the job to its original
// status. The repository clears next_run_at on the transition so a
// reactivated job is rescheduled from "now" rather than firing a backlog.
func (h *JobHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	jobID := chi.URLParam(r, "jobID")
	existing, err := h.jobs.GetByID(r.Context(), jobID, agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated, err := h.jobs.SetStatus(r.Context(), jobID, agencyID, existing.Status.Toggled())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "job toggled",
		"job_id", jobID,
		"agency_id", agencyID,
		"status", string(updated.Status),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: updated})
}

// Accounts handles GET /v1/agencies/{agencyID}/jobs/{jobID}/accounts. It
// resolves the job's filter against the live account pool, previewing which
// accounts the next firing would target. The resolution is not cached: the
// same request can return different accounts as statuses and tags drift.
func (h *JobHandler) Accounts(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	job, err := h.jobs.GetByID(r.Context(), chi.URLParam(r, "jobID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	accts, err := targeting.Resolve(r.Context(), h.accounts, agencyID, job.Filter, job.Type)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: accts})
}

// validateJobFilter rejects predicates that can never match anything, unless
// the operation acts on the agency as a whole and ignores the filter.
func validateJobFilter(opType types.OperationType, filter types.FilterPredicate) error {
	if opType == types.OpComputeStatistics || opType == types.OpGenerateLeads {
		return nil
	}
	if filter.Empty() {
		return types.NewAppError(
			types.ErrCodeValidationEmptyTargetSet,
			"filter must select at least one dimension or explicit accounts",
			nil,
		)
	}
	return nil
}

// statusFilter reads the repeatable status_filters query parameter. With two
// lifecycle states, naming both (or none) is the same as not filtering, so
// only a single value narrows the list.
func statusFilter(r *http.Request) types.JobStatus {
	if sf := r.URL.Query()["status_filters"]; len(sf) == 1 {
		return types.JobStatus(sf[0])
	}
	return ""
}

// parseLimit reads the limit query parameter; the repositories clamp it.
func parseLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
