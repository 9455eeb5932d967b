package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/services/credentials"
	"github.com/upb/fleet-control-plane/utils"
	"go.uber.org/zap"
)

// APIKeyHeader is the alternative header agents may send their credential in
const APIKeyHeader = "X-API-Key"

// Authenticator resolves an agent token to its team
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*credentials.Principal, error)
}

// AgentAuth guards the routes agents call
type AgentAuth struct {
	gate   Authenticator
	logger *zap.Logger
}

// NewAgentAuth creates a new AgentAuth
func NewAgentAuth(gate Authenticator, logger *zap.Logger) *AgentAuth {
	return &AgentAuth{
		gate:   gate,
		logger: logger,
	}
}

// RequireAgent rejects requests without a valid agent credential. A storage
// failure during the lookup answers 503 so agents can retry.
func (m *AgentAuth) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		principal, err := m.gate.Authenticate(ctx, extractAgentToken(r))
		if err != nil {
			if services.IsUnavailableError(err) {
				m.logger.Error("credential lookup failed",
					zap.String("request_id", requestID),
					zap.Error(err))
				_ = utils.WriteServiceUnavailable(w, "Authentication temporarily unavailable")
				return
			}
			m.logger.Warn("agent authentication failed",
				zap.String("request_id", requestID),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Invalid or missing agent credential")
			return
		}

		m.logger.Debug("agent authenticated",
			zap.String("request_id", requestID),
			zap.String("team_id", principal.TeamID.String()),
			zap.String("credential_id", principal.CredentialID.String()))

		next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, principal)))
	})
}

// extractAgentToken prefers the Authorization header over X-API-Key
func extractAgentToken(r *http.Request) string {
	if token := extractBearerToken(r); token != "" {
		return token
	}
	return strings.TrimSpace(r.Header.Get(APIKeyHeader))
}
