// Package heartbeat applies agent liveness pings to the registry.
package heartbeat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/internal/events"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/services"
	"go.uber.org/zap"
)

const provisionSource = "heartbeat"

// Request is one heartbeat as received from an authenticated agent
type Request struct {
	TeamID       uuid.UUID
	CredentialID *uuid.UUID
	DeviceID     string
	IdentityHint string
	Status       *string
}

// Ack is returned to the agent. ShouldUpdate is always false for now.
type Ack struct {
	OK           bool      `json:"ok"`
	ShouldUpdate bool      `json:"shouldUpdate"`
	ServerTime   time.Time `json:"serverTime"`
}

// IdentityResolver finds hinted identities and provisions synthetic device identities
type IdentityResolver interface {
	ByHint(ctx context.Context, teamID uuid.UUID, hint string) (*models.Identity, error)
	DeviceIdentity(ctx context.Context, teamID uuid.UUID, deviceID string) (*models.Identity, error)
}

// ProvisionAuditor records agents created by heartbeats
type ProvisionAuditor interface {
	LogAgentProvisioned(agent *models.Agent, credentialID *uuid.UUID, source string) error
}

// ProvisionPublisher announces agents created by heartbeats
type ProvisionPublisher interface {
	AgentProvisioned(ctx context.Context, e events.AgentProvisioned)
}

// Service is the heartbeat ingestor
type Service struct {
	agents    repositories.AgentRepository
	resolver  IdentityResolver
	audit     ProvisionAuditor
	publisher ProvisionPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a new heartbeat service
func NewService(
	agents repositories.AgentRepository,
	resolver IdentityResolver,
	audit ProvisionAuditor,
	publisher ProvisionPublisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		agents:    agents,
		resolver:  resolver,
		audit:     audit,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest marks the reporting agent alive, provisioning it on first contact.
//
// The agent is located by the hinted identity first, then by device. Only the
// final insert-or-update touches the (team, device) row, so concurrent
// heartbeats for one device can never produce two agents.
func (s *Service) Ingest(ctx context.Context, req Request) (*Ack, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return nil, services.ErrMissingDeviceID
	}

	now := s.now().UTC()
	hb := &models.Heartbeat{
		TeamID:   req.TeamID,
		DeviceID: deviceID,
		Status:   normalizeStatus(req.Status),
		SeenAt:   now,
	}

	hinted, err := s.resolver.ByHint(ctx, req.TeamID, req.IdentityHint)
	if err != nil {
		return nil, services.WrapInternal("failed to resolve identity hint", err)
	}

	if hinted != nil {
		hb.IdentityID = &hinted.ID

		agent, err := s.applyToIdentityAgent(ctx, hinted.ID, hb)
		if err != nil {
			return nil, err
		}
		if agent != nil {
			s.metrics.HeartbeatRecorded(false)
			return s.ack(now), nil
		}
	} else {
		_, err := s.agents.GetByDevice(ctx, req.TeamID, deviceID)
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			identity, err := s.resolver.DeviceIdentity(ctx, req.TeamID, deviceID)
			if err != nil {
				return nil, services.WrapInternal("failed to provision device identity", err)
			}
			hb.ProvisionIdentityID = &identity.ID
		case err != nil:
			return nil, services.WrapInternal("failed to look up agent", err)
		}
	}

	agent, created, err := s.agents.UpsertHeartbeat(ctx, hb)
	if err != nil {
		return nil, services.WrapInternal("failed to record heartbeat", err)
	}

	s.metrics.HeartbeatRecorded(created)
	if created {
		s.announce(ctx, agent, req.CredentialID)
	}

	return s.ack(now), nil
}

// applyToIdentityAgent moves the identity's agent to the reported device.
// It returns nil without error when the identity has no agent yet, or when
// another agent already owns the device; the caller then upserts by device.
func (s *Service) applyToIdentityAgent(ctx context.Context, identityID uuid.UUID, hb *models.Heartbeat) (*models.Agent, error) {
	existing, err := s.agents.GetByIdentity(ctx, hb.TeamID, identityID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, services.WrapInternal("failed to look up agent by identity", err)
	}

	agent, err := s.agents.ApplyHeartbeat(ctx, existing.ID, hb)
	switch {
	case err == nil:
		return agent, nil
	case errors.Is(err, repositories.ErrDuplicate), errors.Is(err, repositories.ErrNotFound):
		s.logger.Debug("identity agent not movable, applying heartbeat by device",
			zap.String("team_id", hb.TeamID.String()),
			zap.String("agent_id", existing.ID.String()),
			zap.String("device_id", hb.DeviceID))
		return nil, nil
	default:
		return nil, services.WrapInternal("failed to record heartbeat", err)
	}
}

func (s *Service) announce(ctx context.Context, agent *models.Agent, credentialID *uuid.UUID) {
	s.logger.Info("agent provisioned",
		zap.String("team_id", agent.TeamID.String()),
		zap.String("agent_id", agent.ID.String()),
		zap.String("device_id", agent.DeviceID))

	if s.audit != nil {
		_ = s.audit.LogAgentProvisioned(agent, credentialID, provisionSource)
	}
	if s.publisher != nil {
		s.publisher.AgentProvisioned(ctx, events.AgentProvisioned{
			TeamID:   agent.TeamID,
			AgentID:  agent.ID,
			DeviceID: agent.DeviceID,
			Source:   provisionSource,
		})
	}
}

func (s *Service) ack(now time.Time) *Ack {
	return &Ack{OK: true, ShouldUpdate: false, ServerTime: now}
}

func normalizeStatus(status *string) *string {
	if status == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*status)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
