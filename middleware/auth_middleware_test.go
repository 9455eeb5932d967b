package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/services/credentials"
	"github.com/upb/fleet-control-plane/session"
	"go.uber.org/zap"
)

// MockTokenValidator is a mock implementation of TokenValidator
type MockTokenValidator struct {
	mock.Mock
}

func (m *MockTokenValidator) ValidateToken(ctx context.Context, token string) (*session.Session, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.Session), args.Error(1)
}

// MockAuthenticator is a mock implementation of Authenticator
type MockAuthenticator struct {
	mock.Mock
}

func (m *MockAuthenticator) Authenticate(ctx context.Context, token string) (*credentials.Principal, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*credentials.Principal), args.Error(1)
}

func okHandler(t *testing.T, check func(ctx context.Context)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			check(r.Context())
		}
		w.WriteHeader(http.StatusOK)
	})
}

func failHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	})
}

func TestRequireAgent(t *testing.T) {
	logger := zap.NewNop()
	principal := &credentials.Principal{TeamID: uuid.New(), CredentialID: uuid.New()}

	tests := []struct {
		name       string
		headers    map[string]string
		token      string
		result     *credentials.Principal
		err        error
		wantStatus int
	}{
		{
			name:       "bearer token",
			headers:    map[string]string{"Authorization": "Bearer agent-token"},
			token:      "agent-token",
			result:     principal,
			wantStatus: http.StatusOK,
		},
		{
			name:       "api key header",
			headers:    map[string]string{APIKeyHeader: " agent-token "},
			token:      "agent-token",
			result:     principal,
			wantStatus: http.StatusOK,
		},
		{
			name:       "authorization wins over api key",
			headers:    map[string]string{"Authorization": "Bearer first", APIKeyHeader: "second"},
			token:      "first",
			result:     principal,
			wantStatus: http.StatusOK,
		},
		{
			name:       "missing credential",
			token:      "",
			err:        services.ErrMissingCredential,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "unknown credential",
			headers:    map[string]string{"Authorization": "Bearer nope"},
			token:      "nope",
			err:        services.ErrInvalidCredential,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "store down",
			headers:    map[string]string{"Authorization": "Bearer agent-token"},
			token:      "agent-token",
			err:        services.ErrAuthUnavailable.Wrap(errors.New("connection refused")),
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := new(MockAuthenticator)
			gate.On("Authenticate", mock.Anything, tt.token).Return(tt.result, tt.err)
			auth := NewAgentAuth(gate, logger)

			next := failHandler(t)
			if tt.wantStatus == http.StatusOK {
				next = okHandler(t, func(ctx context.Context) {
					assert.Equal(t, principal, GetPrincipalFromContext(ctx))
					assert.Equal(t, principal.TeamID, GetTeamIDFromContext(ctx))
				})
			}

			req := httptest.NewRequest(http.MethodPost, "/api/v1/agents/heartbeat", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			auth.RequireAgent(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			gate.AssertExpectations(t)
		})
	}
}

func TestRequireAuth(t *testing.T) {
	logger := zap.NewNop()
	s := &session.Session{Subject: "user-1", TeamID: uuid.New(), Role: session.RoleViewer}

	t.Run("valid token in Authorization header", func(t *testing.T) {
		validator := new(MockTokenValidator)
		validator.On("ValidateToken", mock.Anything, "valid-token").Return(s, nil)

		handler := NewAuthMiddleware(validator, logger).RequireAuth(okHandler(t, func(ctx context.Context) {
			assert.Equal(t, s, GetSessionFromContext(ctx))
			assert.Equal(t, s.TeamID, GetTeamIDFromContext(ctx))
		}))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/stats", nil)
		req.Header.Set("Authorization", "Bearer valid-token")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		validator.AssertExpectations(t)
	})

	t.Run("valid token in cookie", func(t *testing.T) {
		validator := new(MockTokenValidator)
		validator.On("ValidateToken", mock.Anything, "cookie-token").Return(s, nil)

		handler := NewAuthMiddleware(validator, logger).RequireAuth(okHandler(t, nil))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/stats", nil)
		req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "cookie-token"})
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing token returns 401", func(t *testing.T) {
		validator := new(MockTokenValidator)
		handler := NewAuthMiddleware(validator, logger).RequireAuth(failHandler(t))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/stats", nil)
		req.Header.Set("Authorization", "InvalidFormat")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		validator.AssertNotCalled(t, "ValidateToken", mock.Anything, mock.Anything)
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		validator := new(MockTokenValidator)
		validator.On("ValidateToken", mock.Anything, "expired").Return(nil, session.ErrTokenExpired)

		handler := NewAuthMiddleware(validator, logger).RequireAuth(failHandler(t))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/stats", nil)
		req.Header.Set("Authorization", "Bearer expired")
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestRequireRole(t *testing.T) {
	logger := zap.NewNop()
	m := NewAuthMiddleware(new(MockTokenValidator), logger)

	tests := []struct {
		name       string
		session    *session.Session
		wantStatus int
	}{
		{name: "admin passes", session: &session.Session{TeamID: uuid.New(), Role: session.RoleAdmin}, wantStatus: http.StatusOK},
		{name: "viewer is forbidden", session: &session.Session{TeamID: uuid.New(), Role: session.RoleViewer}, wantStatus: http.StatusForbidden},
		{name: "no session", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := failHandler(t)
			if tt.wantStatus == http.StatusOK {
				next = okHandler(t, nil)
			}

			req := httptest.NewRequest(http.MethodPost, "/decide", nil)
			if tt.session != nil {
				req = req.WithContext(WithSession(req.Context(), tt.session))
			}
			w := httptest.NewRecorder()

			m.RequireRole(session.RoleAdmin)(next).ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestGetRequestIDFromContext(t *testing.T) {
	assert.Equal(t, "", GetRequestIDFromContext(context.Background()))
	assert.Equal(t, "req-1", GetRequestIDFromContext(WithRequestID(context.Background(), "req-1")))

	var seen string
	handler := chimw.RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestIDFromContext(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
}

func TestGetTeamIDFromContext_Missing(t *testing.T) {
	assert.Equal(t, uuid.Nil, GetTeamIDFromContext(context.Background()))
	assert.Nil(t, GetPrincipalFromContext(context.Background()))
	assert.Nil(t, GetSessionFromContext(context.Background()))
}
