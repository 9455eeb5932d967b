// Package identity resolves which identity an agent report belongs to.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

const (
	// DefaultCacheSize bounds the per-team sentinel id cache
	DefaultCacheSize = 1024

	maxCreateAttempts = 3
)

// Source tells which step of the resolution chain matched
type Source string

const (
	SourceHint     Source = "hint"
	SourceDevice   Source = "device"
	SourceSentinel Source = "sentinel"
)

// Resolution is the identity a report is attributed to
type Resolution struct {
	IdentityID uuid.UUID
	Source     Source
}

// ProvisionAuditor is told about identities the system creates on its own
type ProvisionAuditor interface {
	LogIdentityProvisioned(identity *models.Identity) error
}

// Resolver walks the chain exact identity, then the device's agent, then the
// team's unresolved-identity sentinel. It never leaves a report without an identity.
type Resolver struct {
	identities repositories.IdentityRepository
	agents     repositories.AgentRepository
	audit      ProvisionAuditor
	logger     *zap.Logger
	sentinels  *lru.Cache[uuid.UUID, uuid.UUID]
}

// NewResolver creates a resolver with a sentinel cache of cacheSize teams
func NewResolver(identities repositories.IdentityRepository, agents repositories.AgentRepository, audit ProvisionAuditor, logger *zap.Logger, cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uuid.UUID, uuid.UUID](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentinel cache: %w", err)
	}

	return &Resolver{
		identities: identities,
		agents:     agents,
		audit:      audit,
		logger:     logger,
		sentinels:  cache,
	}, nil
}

// Resolve attributes a report from deviceID, optionally hinted by an email
func (r *Resolver) Resolve(ctx context.Context, teamID uuid.UUID, deviceID, hint string) (*Resolution, error) {
	identity, err := r.ByHint(ctx, teamID, hint)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		return &Resolution{IdentityID: identity.ID, Source: SourceHint}, nil
	}

	agent, err := r.agents.GetByDevice(ctx, teamID, deviceID)
	switch {
	case err == nil && agent.IdentityID != nil:
		return &Resolution{IdentityID: *agent.IdentityID, Source: SourceDevice}, nil
	case err != nil && !errors.Is(err, repositories.ErrNotFound):
		return nil, fmt.Errorf("failed to look up agent by device: %w", err)
	}

	sentinelID, err := r.Sentinel(ctx, teamID)
	if err != nil {
		return nil, err
	}
	return &Resolution{IdentityID: sentinelID, Source: SourceSentinel}, nil
}

// ByHint returns the identity whose email matches hint, or nil when hint is
// empty or matches nobody in the team.
func (r *Resolver) ByHint(ctx context.Context, teamID uuid.UUID, hint string) (*models.Identity, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return nil, nil
	}

	identity, err := r.identities.GetByEmail(ctx, teamID, hint)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up identity hint: %w", err)
	}
	return identity, nil
}

// Sentinel returns the id of the team's unresolved-identity sentinel, creating it on first use
func (r *Resolver) Sentinel(ctx context.Context, teamID uuid.UUID) (uuid.UUID, error) {
	if id, ok := r.sentinels.Get(teamID); ok {
		return id, nil
	}

	identity, err := r.getOrCreate(ctx, models.NewUnresolvedIdentity(teamID))
	if err != nil {
		return uuid.Nil, err
	}

	r.sentinels.Add(teamID, identity.ID)
	return identity.ID, nil
}

// Forget drops the cached sentinel of teamID when it is identityID. It reports
// whether an entry was evicted, so callers only retry after a stale cache hit.
func (r *Resolver) Forget(teamID, identityID uuid.UUID) bool {
	cached, ok := r.sentinels.Peek(teamID)
	if !ok || cached != identityID {
		return false
	}
	r.logger.Warn("evicting cached sentinel identity",
		zap.String("team_id", teamID.String()),
		zap.String("identity_id", identityID.String()))
	return r.sentinels.Remove(teamID)
}

// DeviceIdentity returns the synthetic identity of an unattributed device, creating it on first use
func (r *Resolver) DeviceIdentity(ctx context.Context, teamID uuid.UUID, deviceID string) (*models.Identity, error) {
	return r.getOrCreate(ctx, models.NewDeviceIdentity(teamID, deviceID))
}

// getOrCreate reads the identity by its team-unique email and inserts it when
// missing. A concurrent insert surfaces as ErrDuplicate and is answered by re-reading.
func (r *Resolver) getOrCreate(ctx context.Context, candidate *models.Identity) (*models.Identity, error) {
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		existing, err := r.identities.GetByEmail(ctx, candidate.TeamID, candidate.Email)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("failed to read identity %q: %w", candidate.Email, err)
		}

		err = r.identities.Create(ctx, candidate)
		if err == nil {
			r.logger.Info("provisioned identity",
				zap.String("team_id", candidate.TeamID.String()),
				zap.String("identity_id", candidate.ID.String()),
				zap.String("kind", string(candidate.Kind)))
			if r.audit != nil {
				_ = r.audit.LogIdentityProvisioned(candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, repositories.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create identity %q: %w", candidate.Email, err)
		}

		r.logger.Debug("identity created concurrently, re-reading",
			zap.String("email", candidate.Email),
			zap.Int("attempt", attempt))
	}

	return nil, fmt.Errorf("identity %q could not be read after concurrent create: %w", candidate.Email, repositories.ErrConflict)
}
