package core

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snapfarm/internal/config"
	"snapfarm/internal/types"
)

type mockAuthenticator struct {
	actor *types.Actor
	err   error
	// seen records the token passed to ResolveToken.
	seen string
}

func (m *mockAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	m.seen = token
	if m.err != nil {
		return nil, m.err
	}
	return m.actor, nil
}

func newTestServer(t *testing.T, auth Authenticator) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := NewServer(&config.Config{Environment: "local"}, logger)
	require.NoError(t, err)
	s.Authenticator = auth
	return s
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware(t *testing.T) {
	validActor := &types.Actor{
		ID:       "tok_1",
		Type:     types.ActorTypeAPIToken,
		AgencyID: "agcy_1",
	}

	tests := []struct {
		name       string
		header     string
		auth       *mockAuthenticator
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing header",
			header:     "",
			auth:       &mockAuthenticator{actor: validActor},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_token_missing",
		},
		{
			name:       "malformed scheme",
			header:     "Basic abc123",
			auth:       &mockAuthenticator{actor: validActor},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_token_missing",
		},
		{
			name:       "invalid token",
			header:     "Bearer sf_bogus",
			auth:       &mockAuthenticator{err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "no match", nil)},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_token_invalid",
		},
		{
			name:       "expired token",
			header:     "Bearer sf_old",
			auth:       &mockAuthenticator{err: types.NewAppError(types.ErrCodeAuthTokenExpired, "expired", nil)},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_token_expired",
		},
		{
			name:       "revoked token reported as invalid",
			header:     "Bearer sf_revoked",
			auth:       &mockAuthenticator{err: types.NewAppError(types.ErrCodeAuthTokenRevoked, "revoked", nil)},
			wantStatus: http.StatusUnauthorized,
			wantCode:   "auth_token_invalid",
		},
		{
			name:       "valid token passes",
			header:     "Bearer sf_good",
			auth:       &mockAuthenticator{actor: validActor},
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.auth)

			var gotActor *types.Actor
			handler := s.AuthMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if a, ok := types.GetActor(r.Context()); ok {
					gotActor = &a
				}
				w.WriteHeader(http.StatusOK)
			}))

			r := httptest.NewRequest(http.MethodGet, "/v1/agencies/agcy_1/jobs", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				var resp APIErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantCode, resp.Error.Code)
			}
			if tt.wantStatus == http.StatusOK {
				require.NotNil(t, gotActor)
				assert.Equal(t, "agcy_1", gotActor.AgencyID)
				assert.Equal(t, "sf_good", tt.auth.seen)
			}
		})
	}
}

func TestAuthMiddleware_PublicPathBypass(t *testing.T) {
	auth := &mockAuthenticator{err: types.NewAppError(types.ErrCodeAuthTokenInvalid, "no", nil)}
	s := newTestServer(t, auth)

	handler := s.AuthMiddleware(okHandler())

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, auth.seen)
}

func TestRequireAgency(t *testing.T) {
	tests := []struct {
		name     string
		actor    *types.Actor
		agencyID string
		wantCode types.ErrorCode
	}{
		{
			name:     "matching agency",
			actor:    &types.Actor{ID: "tok_1", Type: types.ActorTypeAPIToken, AgencyID: "agcy_1"},
			agencyID: "agcy_1",
		},
		{
			name:     "mismatched agency",
			actor:    &types.Actor{ID: "tok_1", Type: types.ActorTypeAPIToken, AgencyID: "agcy_1"},
			agencyID: "agcy_2",
			wantCode: types.ErrCodePermissionAgencyMismatch,
		},
		{
			name:     "system actor bypasses scope",
			actor:    &types.Actor{ID: "system", Type: types.ActorTypeSystem},
			agencyID: "agcy_2",
		},
		{
			name:     "no actor in context",
			actor:    nil,
			agencyID: "agcy_1",
			wantCode: types.ErrCodeAuthTokenMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/agencies/"+tt.agencyID+"/jobs", nil)
			if tt.actor != nil {
				r = r.WithContext(types.WithActor(r.Context(), *tt.actor))
			}

			_, err := RequireAgency(r, tt.agencyID)

			if tt.wantCode == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				var appErr *types.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.wantCode, appErr.Code)
			}
		})
	}
}

func TestValidator_ValidateStruct(t *testing.T) {
	s := newTestServer(t, nil)

	step := types.WorkflowStep{DayOffset: 0, ActionType: types.ActionAddTag, ActionValue: "warmed"}
	err := s.Validator.ValidateStruct(step)
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	// day_offset of zero trips the required rule before the min rule.
	assert.Equal(t, "day_offset", appErr.Details["field"])

	good := types.WorkflowStep{DayOffset: 3, ActionType: types.ActionAddTag, ActionValue: "warmed"}
	assert.NoError(t, s.Validator.ValidateStruct(good))
}
