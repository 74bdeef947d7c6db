package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"snapfarm/internal/types"
)

// TokenRepository provides data access for the api_tokens table. It backs the
// auth.Authenticator's prefix lookup.
type TokenRepository struct {
	db DBTX
}

// NewTokenRepository creates a new TokenRepository backed by the given
// database connection (pool or transaction).
func NewTokenRepository(db DBTX) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create persists a freshly generated token record. The plaintext never
// reaches this layer; only the bcrypt hash is stored.
func (r *TokenRepository) Create(ctx context.Context, token *types.APIToken) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO api_tokens (
			id, agency_id, token_prefix, token_hash, name, expires_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		token.ID,
		token.AgencyID,
		token.TokenPrefix,
		token.TokenHash,
		token.Name,
		token.ExpiresAt,
		nilIfZeroTime(token.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create api token", err)
	}
	return nil
}

// GetByPrefix returns the token record with the given prefix, including
// revoked records so the authenticator can report auth_token_revoked
// distinctly. Returns ErrCodeAuthTokenInvalid when no record exists.
func (r *TokenRepository) GetByPrefix(ctx context.Context, prefix string) (*types.APIToken, error) {
	var token types.APIToken
	err := r.db.QueryRow(ctx,
		`SELECT id, agency_id, token_prefix, token_hash, name, expires_at, revoked_at, created_at
		 FROM api_tokens
		 WHERE token_prefix = $1`,
		prefix,
	).Scan(
		&token.ID,
		&token.AgencyID,
		&token.TokenPrefix,
		&token.TokenHash,
		&token.Name,
		&token.ExpiresAt,
		&token.RevokedAt,
		&token.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve api token", err)
	}
	return &token, nil
}

// Revoke marks a token as revoked. Revocation is permanent.
func (r *TokenRepository) Revoke(ctx context.Context, id string, agencyID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE api_tokens SET revoked_at = NOW()
		 WHERE id = $1 AND agency_id = $2 AND revoked_at IS NULL`,
		id, agencyID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to revoke api token", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "token not found or already revoked", nil)
	}
	return nil
}
