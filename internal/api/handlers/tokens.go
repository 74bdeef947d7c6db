package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"snapfarm/internal/auth"
	"snapfarm/internal/core"
	"snapfarm/internal/types"
)

// TokenRepo defines the data access contract for API token management.
// Mirrors the concrete db.TokenRepository methods used by this handler.
type TokenRepo interface {
	Create(ctx context.Context, token *types.APIToken) error
	Revoke(ctx context.Context, id string, agencyID string) error
}

// CreateTokenRequest is the request body for
// POST /v1/agencies/{agencyID}/tokens.
type CreateTokenRequest struct {
	Name      string     `json:"name" validate:"required,max=200"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreatedToken is returned once, with the only copy of the plaintext that
// will ever exist. The stored record holds just the prefix and a hash.
type CreatedToken struct {
	Token  string         `json:"token"`
	Record types.APIToken `json:"record"`
}

// TokenHandler issues and revokes agency bearer tokens.
type TokenHandler struct {
	tokens    TokenRepo
	validator *core.Validator
	logger    *slog.Logger
}

// NewTokenHandler creates a TokenHandler with the provided dependencies.
func NewTokenHandler(tokens TokenRepo, v *core.Validator, l *slog.Logger) *TokenHandler {
	if l == nil {
		l = slog.Default()
	}
	return &TokenHandler{tokens: tokens, validator: v, logger: l}
}

// RegisterRoutes mounts token routes on the provided chi.Router.
func (h *TokenHandler) RegisterRoutes(r chi.Router) {
	r.Route("/agencies/{agencyID}/tokens", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Delete("/{tokenID}", h.Revoke)
	})
}

// Create handles POST /v1/agencies/{agencyID}/tokens.
func (h *TokenHandler) Create(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	var req CreateTokenRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now().UTC()) {
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationOutOfRange,
			"expires_at must be in the future",
			nil,
		))
		return
	}

	generated, err := auth.Generate(agencyID, req.Name, req.ExpiresAt)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate token", err))
		return
	}

	record := generated.Record
	record.ID = "tok_" + uuid.New().String()
	if err := h.tokens.Create(r.Context(), &record); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "api token issued",
		"token_id", record.ID,
		"agency_id", agencyID,
		"prefix", record.TokenPrefix,
	)
	core.JSON(w, r, http.StatusCreated, core.APIResponse{
		Data: CreatedToken{Token: generated.Plaintext, Record: record},
	})
}

// Revoke handles DELETE /v1/agencies/{agencyID}/tokens/{tokenID}.
// Revocation is permanent; issue a new token instead of un-revoking.
func (h *TokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	agencyID := chi.URLParam(r, "agencyID")
	if _, err := core.RequireAgency(r, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	tokenID := chi.URLParam(r, "tokenID")
	if err := h.tokens.Revoke(r.Context(), tokenID, agencyID); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "api token revoked",
		"token_id", tokenID,
		"agency_id", agencyID,
	)
	w.WriteHeader(http.StatusNoContent)
}
