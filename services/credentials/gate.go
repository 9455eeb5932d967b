// Package credentials implements the Credential Gate that authenticates agents.
package credentials

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/services"
	"go.uber.org/zap"
)

// Principal is the authenticated agent caller
type Principal struct {
	TeamID       uuid.UUID
	CredentialID uuid.UUID
}

// LastUsedRecorder receives the last-used stamp of a validated credential
type LastUsedRecorder interface {
	Touch(credentialID uuid.UUID, usedAt time.Time) bool
}

// Gate resolves agent tokens to their team
type Gate struct {
	repo     repositories.CredentialRepository
	hasher   Hasher
	lastUsed LastUsedRecorder
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewGate creates a new credential gate
func NewGate(repo repositories.CredentialRepository, hasher Hasher, lastUsed LastUsedRecorder, metrics *observability.Metrics, logger *zap.Logger) *Gate {
	return &Gate{
		repo:     repo,
		hasher:   hasher,
		lastUsed: lastUsed,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Authenticate validates a raw token.
// Unknown tokens yield services.ErrInvalidCredential; storage failures yield
// services.ErrAuthUnavailable so callers can retry.
func (g *Gate) Authenticate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		g.metrics.CredentialCheck("invalid")
		return nil, services.ErrMissingCredential
	}

	cred, err := g.repo.GetByKeyHash(ctx, g.hasher.Hash(token))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			g.metrics.CredentialCheck("invalid")
			return nil, services.ErrInvalidCredential
		}
		g.metrics.CredentialCheck("unavailable")
		g.logger.Error("credential lookup failed", zap.Error(err))
		return nil, services.ErrAuthUnavailable.Wrap(err)
	}

	g.metrics.CredentialCheck("valid")
	if g.lastUsed != nil {
		g.lastUsed.Touch(cred.ID, g.now().UTC())
	}

	return &Principal{TeamID: cred.TeamID, CredentialID: cred.ID}, nil
}
