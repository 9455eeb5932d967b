package middleware

import (
	"context"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/services/credentials"
	"github.com/upb/fleet-control-plane/session"
)

// Context key type to avoid collisions
type contextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey contextKey = "request_id"

	// TeamIDKey is the context key for the authenticated team
	TeamIDKey contextKey = "team_id"

	// PrincipalKey is the context key for an authenticated agent credential
	PrincipalKey contextKey = "agent_principal"

	// SessionKey is the context key for a dashboard session
	SessionKey contextKey = "session"
)

// GetRequestIDFromContext retrieves the request ID from context. IDs set by
// chi's RequestID middleware are found as well.
func GetRequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return chimw.GetReqID(ctx)
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetTeamIDFromContext retrieves the authenticated team, or uuid.Nil
func GetTeamIDFromContext(ctx context.Context) uuid.UUID {
	if teamID, ok := ctx.Value(TeamIDKey).(uuid.UUID); ok {
		return teamID
	}
	return uuid.Nil
}

// WithTeamID adds the authenticated team to the context
func WithTeamID(ctx context.Context, teamID uuid.UUID) context.Context {
	return context.WithValue(ctx, TeamIDKey, teamID)
}

// GetPrincipalFromContext retrieves the agent principal
func GetPrincipalFromContext(ctx context.Context) *credentials.Principal {
	if p, ok := ctx.Value(PrincipalKey).(*credentials.Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal adds an agent principal and its team to the context
func WithPrincipal(ctx context.Context, p *credentials.Principal) context.Context {
	ctx = context.WithValue(ctx, PrincipalKey, p)
	return WithTeamID(ctx, p.TeamID)
}

// GetSessionFromContext retrieves the dashboard session
func GetSessionFromContext(ctx context.Context) *session.Session {
	if s, ok := ctx.Value(SessionKey).(*session.Session); ok {
		return s
	}
	return nil
}

// WithSession adds a dashboard session and its team to the context
func WithSession(ctx context.Context, s *session.Session) context.Context {
	ctx = context.WithValue(ctx, SessionKey, s)
	return WithTeamID(ctx, s.TeamID)
}
