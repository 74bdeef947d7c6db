package core

import (
	"context"

	"snapfarm/internal/types"
)

// Authenticator decouples the HTTP layer from specific auth mechanisms
// (DB lookups, hash comparison), allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken resolves a bearer token to the agency Actor behind it.
	//
	// Resolution Strategy:
	// 1. Look up the token record by its prefix with WHERE revoked_at IS NULL.
	// 2. Compare the presented token against the stored bcrypt hash.
	// 3. If the record exists and matches, compare expires_at vs NOW().
	//
	// Distinct Error Codes:
	// - Return ErrCodeAuthTokenInvalid if the token is malformed, not found,
	//   revoked, or fails hash comparison.
	// - Return ErrCodeAuthTokenExpired if the token matches but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}
