package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"snapfarm/internal/core"
	"snapfarm/internal/db"
	"snapfarm/internal/types"
)

// AccountRepo defines the data access contract for account inventory and the
// agency statistics read. Mirrors the concrete db.AccountRepository methods
// used by this handler.
type AccountRepo interface {
	Create(ctx context.Context, acct *types.SnapAccount) error
	GetByID(ctx context.Context, id string, agencyID string) (*types.SnapAccount, error)
	List(ctx context.Context, agencyID string, params db.ListAccountsParams) ([]*types.SnapAccount, types.PageInfo, error)
	GetStatistics(ctx context.Context, agencyID string) (*types.AgencyStatistics, error)
}

// CreateAccountRequest is the request body for
// POST /v1/agencies/{agencyID}/accounts. Rates start at zero and are owned
// by compute_statistics thereafter.
type CreateAccountRequest struct {
	Username string   `json:"username" validate:"required,max=100"`
	Tags     []string `json:"tags,omitempty" validate:"max=50,dive,max=100"`
	Source   string   `json:"source" validate:"required,max=100"`
	ProxyID  string   `json:"proxy_id,omitempty" validate:"max=100"`
}

// AccountHandler serves the account inventory and the agency statistics
// endpoint.
type AccountHandler struct {
	accounts  AccountRepo
	validator *core.Validator
	logger    *slog.Logger
}

// NewAccountHandler creates an AccountHandler with the provided dependencies.
func NewAccountHandler(accounts AccountRepo, v *core.Validator, l *slog.Logger) *AccountHandler {
	if l == nil {
		l = slog.Default()
	}
	return &AccountHandler{accounts: accounts, validator: v, logger: l}
}

// RegisterRoutes mounts account and statistics routes on the provided
// chi.Router.
func (h *AccountHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agencies/{agencyID}/accounts", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{accountID}", h.Get)
	})
	r.Get("/agencies/{agencyID}/statistics", h.GetStatistics)
}

// Create handles POST /v1/agencies/{agencyID}/accounts. New accounts enter
// the pool as RECENTLY_INGESTED; warmup workflows pick them up from there.
func (h *AccountHandler) Create(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateAccountRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	now := time.Now().UTC()
	acct := &types.SnapAccount{
		ID:        "acct_" + uuid.New().String(),
		AgencyID:  agencyID,
		Username:  req.Username,
		Status:    types.AccountRecentlyIngested,
		Tags:      req.Tags,
		Source:    req.Source,
		ProxyID:   req.ProxyID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.accounts.Create(r.Context(), acct); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "account ingested",
		"account_id", acct.ID,
		"agency_id", agencyID,
		"source", acct.Source,
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{Data: acct})
}

// Get handles GET /v1/agencies/{agencyID}/accounts/{accountID}.
func (h *AccountHandler) Get(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	acct, err := h.accounts.GetByID(r.Context(), chi.URLParam(r, "accountID"), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: acct})
}

// List handles GET /v1/agencies/{agencyID}/accounts.
// Supports status, tag, source, limit, and cursor query parameters.
func (h *AccountHandler) List(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	params := db.ListAccountsParams{
		Status: types.AccountStatus(r.URL.Query().Get("status")),
		Tag:    r.URL.Query().Get("tag"),
		Source: r.URL.Query().Get("source"),
		Limit:  parseLimit(r),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if params.Status != "" && !slices.Contains(types.KnownAccountStatuses, params.Status) {
		core.Error(w, r, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidType,
			"unknown account status: "+string(params.Status),
			nil,
			map[string]any{"status": string(params.Status)},
		))
		return
	}

	accounts, pageInfo, err := h.accounts.List(r.Context(), agencyID, params)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: accounts,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// GetStatistics handles GET /v1/agencies/{agencyID}/statistics, returning
// the most recent compute_statistics aggregate. 404s until the first compute
// has run for the agency.
func (h *AccountHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	stats, err := h.accounts.GetStatistics(r.Context(), agencyID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: stats})
}
