// Package liveness decides which agents are alive and persists that belief.
package liveness

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/services"
	"go.uber.org/zap"
)

// Config holds the two independent windows
type Config struct {
	Window       time.Duration // heartbeat gap after which an agent is dead
	RecentWindow time.Duration // look-back for newly alive / newly dead counts
}

// Service is the liveness reconciler
type Service struct {
	agents repositories.AgentRepository
	txMgr  repositories.TransactionManager
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new liveness service
func NewService(agents repositories.AgentRepository, txMgr repositories.TransactionManager, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		agents: agents,
		txMgr:  txMgr,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Reconcile is the pull form: it flips the team's stale agents to dead and
// then counts, in one transaction, so the returned numbers never lag the flip.
// NeedingAttention reports the agents this call found flagged alive past the
// window, plus any that a concurrent heartbeat race left behind.
func (s *Service) Reconcile(ctx context.Context, teamID uuid.UUID) (*models.FleetStats, error) {
	now := s.now().UTC()
	aliveCutoff := now.Add(-s.cfg.Window)
	recentCutoff := now.Add(-s.cfg.RecentWindow)

	stats, err := services.WithTransactionResult(ctx, s.txMgr, func(ctx context.Context, tx repositories.Transaction) (*models.FleetStats, error) {
		agents := s.agents.WithTx(tx)

		flipped, err := agents.DeactivateStale(ctx, &teamID, aliveCutoff)
		if err != nil {
			return nil, err
		}

		stats, err := agents.Stats(ctx, teamID, aliveCutoff, recentCutoff)
		if err != nil {
			return nil, err
		}
		stats.NeedingAttention += int(flipped)
		return stats, nil
	})
	if err != nil {
		return nil, services.WrapInternal("failed to reconcile fleet liveness", err)
	}

	if stats.NeedingAttention > 0 {
		s.logger.Debug("reconcile flipped stale agents",
			zap.String("team_id", teamID.String()),
			zap.Int("needing_attention", stats.NeedingAttention))
	}
	return stats, nil
}

// Sweep is the push form: it flips stale agents of every team to dead
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Window)

	n, err := s.agents.DeactivateStale(ctx, nil, cutoff)
	if err != nil {
		return 0, services.WrapInternal("failed to sweep stale agents", err)
	}
	return n, nil
}

// ListAgents pages through the team's registry. Alive is evaluated at read
// time, so an agent past the window reads as dead before the next sweep flips it.
func (s *Service) ListAgents(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.Agent, error) {
	agents, err := s.agents.List(ctx, teamID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list agents", err)
	}

	now := s.now().UTC()
	for _, a := range agents {
		a.Alive = a.IsAlive(now, s.cfg.Window)
	}
	return agents, nil
}

// GetAgent returns one agent of the team with its read-time liveness
func (s *Service) GetAgent(ctx context.Context, teamID, id uuid.UUID) (*models.Agent, error) {
	agent, err := s.agents.GetByID(ctx, teamID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrAgentNotFound
		}
		return nil, services.WrapInternal("failed to get agent", err)
	}

	agent.Alive = agent.IsAlive(s.now().UTC(), s.cfg.Window)
	return agent, nil
}
