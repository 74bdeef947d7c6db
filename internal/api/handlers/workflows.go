package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"snapfarm/internal/core"
	"snapfarm/internal/db"
	"snapfarm/internal/types"
	"snapfarm/internal/workflow"
)

// WorkflowRepo defines the data access contract for workflow operations.
// Mirrors the concrete db.WorkflowRepository methods used by this handler.
type WorkflowRepo interface {
	Create(ctx context.Context, wf *types.Workflow) error
	GetByID(ctx context.Context, id string, agencyID string) (*types.Workflow, error)
	Update(ctx context.Context, wf *types.Workflow) error
	SetStatus(ctx context.Context, id string, agencyID string, status types.JobStatus) (*types.Workflow, error)
	Delete(ctx context.Context, id string, agencyID string) error
	List(ctx context.Context, agencyID string, params db.ListWorkflowsParams) ([]*types.Workflow, types.PageInfo, error)
	Enroll(ctx context.Context, workflowID string, accountIDs []string, enrolledAt time.Time) (int, error)
	Unenroll(ctx context.Context, workflowID string, accountID string) error
	ListEnrollments(ctx context.Context, workflowID string) ([]*types.WorkflowEnrollment, error)
}

// EnrollmentAccountRepo verifies that accounts being enrolled exist in the
// agency. Mirrors db.AccountRepository.GetByIDs.
type EnrollmentAccountRepo interface {
	GetByIDs(ctx context.Context, agencyID string, ids []string) ([]*types.SnapAccount, error)
}

// CreateWorkflowRequest is the request body for POST /v1/agencies/{agencyID}/workflows.
type CreateWorkflowRequest struct {
	Name        string              `json:"name" validate:"required,max=200"`
	Description string              `json:"description,omitempty" validate:"max=1000"`
	Steps       types.WorkflowSteps `json:"steps" validate:"required,dive"`
}

// UpdateWorkflowRequest is the request body for PUT .../workflows/{workflowID}.
// Step edits apply to future advancement only; enrollment cursors are index
// positions, so removing executed steps is the caller's footgun to avoid.
type UpdateWorkflowRequest struct {
	Name        string              `json:"name" validate:"required,max=200"`
	Description string              `json:"description,omitempty" validate:"max=1000"`
	Steps       types.WorkflowSteps `json:"steps" validate:"required,dive"`
}

// EnrollRequest is the request body for POST .../workflows/{workflowID}/enrollments.
type EnrollRequest struct {
	AccountIDs []string `json:"account_ids" validate:"required,min=1,max=500"`
}

// EnrollResult reports how many of the requested accounts were newly
// enrolled; re-enrolling an account is a no-op that preserves its cursor.
type EnrollResult struct {
	Requested int `json:"requested"`
	Enrolled  int `json:"enrolled"`
}

// WorkflowHandler manages workflow CRUD, lifecycle, and enrollment.
type WorkflowHandler struct {
	workflows WorkflowRepo
	accounts  EnrollmentAccountRepo
	validator *core.Validator
	logger    *slog.Logger
}

// NewWorkflowHandler creates a WorkflowHandler with the provided dependencies.
func NewWorkflowHandler(workflows WorkflowRepo, accounts EnrollmentAccountRepo, v *core.Validator, l *slog.Logger) *WorkflowHandler {
	if l == nil {
		l = slog.Default()
	}
	return &WorkflowHandler{workflows: workflows, accounts: accounts, validator: v, logger: l}
}

// RegisterRoutes mounts workflow routes on the provided chi.Router.
func (h *WorkflowHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agencies/{agencyID}/workflows", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)

		r.Route("/{workflowID}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Put("/", h.Update)
			r.Delete("/", h.Delete)
			r.Patch("/status", h.Toggle)
			r.Get("/accounts", h.ListAccounts)
			r.Post("/enrollments", h.Enroll)
			r.Delete("/enrollments/{accountID}", h.Unenroll)
		})
	})
}

// Create handles POST /v1/agencies/{agencyID}/workflows.
func (h *WorkflowHandler) Create(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateWorkflowRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := workflow.ValidateSteps(req.Steps); err != nil {
		core.Error(w, r, err)
		return
	}

	now := time.Now().UTC()
	wf := &types.Workflow{
		ID:          "wf_" + uuid.New().String(),
		AgencyID:    agencyID,
		Name:        req.Name,
		Description: req.Description,
		Status:      types.StatusActive,
		Steps:       req.Steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.workflows.Create(r.Context(), wf); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "workflow created",
		"workflow_id", wf.ID,
		"agency_id", agencyID,
		"steps", len(wf.Steps),
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: wf})
}

// Get handles GET .../workflows/{workflowID}.
func (h *WorkflowHandler) Get(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	wf, err := h.workflows.GetByID(r.Context(), chi.URLParam(r, "workflowID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: wf})
}

// List handles GET /v1/agencies/{agencyID}/workflows.
func (h *WorkflowHandler) List(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	params := db.ListWorkflowsParams{
		Status: statusFilter(r),
		Limit:  parseLimit(r),
		Cursor: r.URL.Query().Get("cursor"),
	}

	workflows, pageInfo, err := h.workflows.List(r.Context(), agencyID, params)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: workflows,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// Update handles PUT .../workflows/{workflowID}.
func (h *WorkflowHandler) Update(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	existing, err := h.workflows.GetByID(r.Context(), chi.URLParam(r, "workflowID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	var req UpdateWorkflowRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := workflow.ValidateSteps(req.Steps); err != nil {
		core.Error(w, r, err)
		return
	}

	existing.Name = req.Name
	existing.Description = req.Description
	existing.Steps = req.Steps
	existing.UpdatedAt = time.Now().UTC()

	if err := h.workflows.Update(r.Context(), existing); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: existing})
}

// Delete handles DELETE .../workflows/{workflowID}. Enrollments cascade in
// the database.
func (h *WorkflowHandler) Delete(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.workflows.Delete(r.Context(), chi.URLParam(r, "workflowID"), agencyID); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Toggle handles PATCH .../workflows/{workflowID}/status. A stopped workflow
// keeps its enrollments and cursors; reactivating resumes advancement from
// where each account left off, with missed steps caught up in timeline order.
func (h *WorkflowHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	workflowID := chi.URLParam(r, "workflowID")
	existing, err := h.workflows.GetByID(r.Context(), workflowID, agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	updated, err := h.workflows.SetStatus(r.Context(), workflowID, agencyID, existing.Status.Toggled())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: updated})
}

// EnrolledAccount pairs an enrolled account with its step cursor.
type EnrolledAccount struct {
	SnapchatAccount  *types.SnapAccount `json:"snapchat_account"`
	LastExecutedStep int                `json:"last_executed_step"`
}

// ListAccounts handles GET .../workflows/{workflowID}/accounts, returning
// each enrolled account together with its last executed step.
func (h *WorkflowHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	workflowID := chi.URLParam(r, "workflowID")
	if _, err := h.workflows.GetByID(r.Context(), workflowID, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	enrollments, err := h.workflows.ListEnrollments(r.Context(), workflowID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	out := make([]EnrolledAccount, 0, len(enrollments))
	if len(enrollments) > 0 {
		ids := make([]string, 0, len(enrollments))
		for _, e := range enrollments {
			ids = append(ids, e.AccountID)
		}
		accts, err := h.accounts.GetByIDs(r.Context(), agencyID, ids)
		if err != nil {
			core.Error(w, r, err)
			return
		}
		byID := make(map[string]*types.SnapAccount, len(accts))
		for _, a := range accts {
			byID[a.ID] = a
		}
		for _, e := range enrollments {
			// Enrollments of since-deleted accounts are skipped rather than
			// returned with a nil account.
			if acct, ok := byID[e.AccountID]; ok {
				out = append(out, EnrolledAccount{
					SnapchatAccount:  acct,
					LastExecutedStep: e.LastExecutedStep,
				})
			}
		}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out})
}

// Enroll handles POST .../workflows/{workflowID}/enrollments.
//
// Every listed account must exist in the agency. Already-enrolled accounts
// are skipped without resetting their cursor, so the response distinguishes
// requested from newly enrolled.
func (h *WorkflowHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	workflowID := chi.URLParam(r, "workflowID")
	if _, err := h.workflows.GetByID(r.Context(), workflowID, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	var req EnrollRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	accts, err := h.accounts.GetByIDs(r.Context(), agencyID, req.AccountIDs)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if len(accts) != len(req.AccountIDs) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeNotFoundAccount,
			"one or more accounts do not exist in this agency",
			nil,
		))
		return
	}

	enrolled, err := h.workflows.Enroll(r.Context(), workflowID, req.AccountIDs, time.Now().UTC())
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "accounts enrolled",
		"workflow_id", workflowID,
		"requested", len(req.AccountIDs),
		"enrolled", enrolled,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: EnrollResult{Requested: len(req.AccountIDs), Enrolled: enrolled},
	})
}

// Unenroll handles DELETE .../workflows/{workflowID}/enrollments/{accountID}.
func (h *WorkflowHandler) Unenroll(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	workflowID := chi.URLParam(r, "workflowID")
	if _, err := h.workflows.GetByID(r.Context(), workflowID, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.workflows.Unenroll(r.Context(), workflowID, chi.URLParam(r, "accountID")); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
