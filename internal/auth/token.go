// Package auth implements agency-scoped bearer token issuance and resolution.
// Tokens have the form "sf_<prefix>_<secret>"; only a bcrypt hash of the full
// token is stored, and the prefix allows O(1) lookup and log-friendly
// identification without exposing the secret.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"snapfarm/internal/types"
)

const (
	// tokenScheme is the leading marker of every issued token.
	tokenScheme = "sf"
	// prefixBytes yields a 12-hex-char public prefix.
	prefixBytes = 6
	// secretBytes yields a 48-hex-char secret part.
	secretBytes = 24
	// bcryptCost balances verification latency against brute-force resistance.
	bcryptCost = 10
)

// TokenRepository is the storage surface the authenticator needs.
// Implemented by db.TokenRepository.
type TokenRepository interface {
	// GetByPrefix returns the non-revoked token record with the given prefix.
	// Returns an AppError with ErrCodeAuthTokenInvalid if none exists.
	GetByPrefix(ctx context.Context, prefix string) (*types.APIToken, error)
}

// GeneratedToken is the result of issuing a new token. Plaintext is shown to
// the caller exactly once; only Record (with the hash) is persisted.
type GeneratedToken struct {
	Plaintext string
	Record    types.APIToken
}

// Generate mints a new bearer token for the given agency. The plaintext is
// "sf_<prefix>_<secret>"; the stored record carries the prefix and the bcrypt
// hash of the full plaintext.
func Generate(agencyID, name string, expiresAt *time.Time) (*GeneratedToken, error) {
	prefix, err := randomHex(prefixBytes)
	if err != nil {
		return nil, fmt.Errorf("generating token prefix: %w", err)
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return nil, fmt.Errorf("generating token secret: %w", err)
	}

	plaintext := fmt.Sprintf("%s_%s_%s", tokenScheme, prefix, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing token: %w", err)
	}

	return &GeneratedToken{
		Plaintext: plaintext,
		Record: types.APIToken{
			AgencyID:    agencyID,
			TokenPrefix: prefix,
			TokenHash:   string(hash),
			Name:        name,
			ExpiresAt:   expiresAt,
			CreatedAt:   time.Now().UTC(),
		},
	}, nil
}

// randomHex returns n cryptographically random bytes hex-encoded.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Authenticator resolves bearer tokens to Actors. It implements
// core.Authenticator.
type Authenticator struct {
	tokens TokenRepository
}

// NewAuthenticator creates an Authenticator backed by the given repository.
func NewAuthenticator(tokens TokenRepository) *Authenticator {
	return &Authenticator{tokens: tokens}
}

// ResolveToken parses the token format, looks up the record by prefix, and
// verifies the presented plaintext against the stored bcrypt hash.
//
// Error contract:
//   - ErrCodeAuthTokenInvalid for malformed, unknown, revoked, or
//     hash-mismatched tokens.
//   - ErrCodeAuthTokenExpired when the record matches but expires_at has passed.
func (a *Authenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	prefix, err := parsePrefix(token)
	if err != nil {
		return nil, err
	}

	record, err := a.tokens.GetByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}

	if record.RevokedAt != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenRevoked, "token has been revoked", nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(record.TokenHash), []byte(token)); err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token does not match", err)
	}

	// Expiry is checked after the hash comparison so that a guessed prefix
	// cannot probe expiry state.
	if record.ExpiresAt != nil && time.Now().After(*record.ExpiresAt) {
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token has expired", nil)
	}

	return &types.Actor{
		ID:       record.ID,
		Type:     types.ActorTypeAPIToken,
		AgencyID: record.AgencyID,
	}, nil
}

// parsePrefix extracts the lookup prefix from a presented token, rejecting
// anything that does not match the "sf_<prefix>_<secret>" shape.
func parsePrefix(token string) (string, error) {
	parts := strings.SplitN(token, "_", 3)
	if len(parts) != 3 || parts[0] != tokenScheme || parts[1] == "" || parts[2] == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenInvalid, "malformed token", nil)
	}
	return parts[1], nil
}
