// Package observations accepts software sightings reported by agents.
package observations

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
	"github.com/upb/fleet-control-plane/services/identity"
	"go.uber.org/zap"
)

const (
	provisionSource = "observation"

	DefaultListLimit = 50
	MaxListLimit     = 200

	maxAttributionAttempts = 2
)

// Request is one software sighting from an authenticated agent
type Request struct {
	TeamID         uuid.UUID
	CredentialID   *uuid.UUID
	DeviceID       string
	IdentityHint   string
	SoftwareName   string
	Version        string
	Vendor         string
	InstallPath    string
	SHA256         string
	Running        bool
	LastExecutedAt *time.Time
	RiskHint       *int
}

// IdentityResolver attributes a sighting to an identity. Forget evicts a
// cached identity that turned out to be gone.
type IdentityResolver interface {
	Resolve(ctx context.Context, teamID uuid.UUID, deviceID, hint string) (*identity.Resolution, error)
	Forget(teamID, identityID uuid.UUID) bool
}

// Auditor records registry and observation creation
type Auditor interface {
	LogAgentProvisioned(agent *models.Agent, credentialID *uuid.UUID, source string) error
	LogObservationCreated(obs *models.Observation, credentialID *uuid.UUID) error
}

// ProvisionPublisher announces agents discovered through observations
type ProvisionPublisher interface {
	AgentProvisioned(ctx context.Context, e events.AgentProvisioned)
}

// Service is the software observation intake
type Service struct {
	observations repositories.ObservationRepository
	agents       repositories.AgentRepository
	resolver     IdentityResolver
	audit        Auditor
	publisher    ProvisionPublisher
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewService creates a new observation service
func NewService(
	observations repositories.ObservationRepository,
	agents repositories.AgentRepository,
	resolver IdentityResolver,
	audit Auditor,
	publisher ProvisionPublisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		observations: observations,
		agents:       agents,
		resolver:     resolver,
		audit:        audit,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
	}
}

// Observe records a sighting. The first report of a (team, device, name,
// version) tuple creates a pending observation; later reports refresh its
// telemetry and never touch the verdict.
func (s *Service) Observe(ctx context.Context, req Request) (*models.Observation, bool, error) {
	report, err := s.buildReport(req)
	if err != nil {
		return nil, false, err
	}

	var (
		resolution *identity.Resolution
		obs        *models.Observation
		created    bool
	)
	for attempt := 1; ; attempt++ {
		resolution, err = s.resolver.Resolve(ctx, report.TeamID, report.DeviceID, req.IdentityHint)
		if err != nil {
			return nil, false, services.WrapInternal("failed to resolve identity", err)
		}
		report.IdentityID = resolution.IdentityID

		obs, created, err = s.store(ctx, report, req.CredentialID)
		if err == nil {
			break
		}
		if attempt < maxAttributionAttempts &&
			errors.Is(err, repositories.ErrMissingReference) &&
			s.resolver.Forget(report.TeamID, resolution.IdentityID) {
			continue
		}
		return nil, false, err
	}

	s.metrics.ObservationRecorded(created)
	if created {
		s.logger.Info("new software observation",
			zap.String("team_id", obs.TeamID.String()),
			zap.String("observation_id", obs.ID.String()),
			zap.String("device_id", obs.DeviceID),
			zap.String("software", obs.SoftwareName),
			zap.String("version", obs.Version),
			zap.String("identity_source", string(resolution.Source)))
		if s.audit != nil {
			_ = s.audit.LogObservationCreated(obs, req.CredentialID)
		}
	}

	return obs, created, nil
}

// store registers the reporting device and upserts the sighting under report.IdentityID
func (s *Service) store(ctx context.Context, report *models.ObservationReport, credentialID *uuid.UUID) (*models.Observation, bool, error) {
	agent, agentCreated, err := s.agents.EnsureExists(ctx, report.TeamID, report.DeviceID, report.IdentityID)
	if err != nil {
		return nil, false, services.WrapInternal("failed to register agent", err)
	}
	if agentCreated {
		s.announceAgent(ctx, agent, credentialID)
	}

	obs, created, err := s.observations.Upsert(ctx, report)
	if err != nil {
		return nil, false, services.WrapInternal("failed to record observation", err)
	}
	return obs, created, nil
}

// Get returns one observation of the team
func (s *Service) Get(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error) {
	obs, err := s.observations.GetByID(ctx, teamID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrObservationNotFound
		}
		return nil, services.WrapInternal("failed to get observation", err)
	}
	return obs, nil
}

// List returns the team's observations, optionally filtered by approval state
func (s *Service) List(ctx context.Context, teamID uuid.UUID, state string, limit, offset int) ([]*models.Observation, error) {
	approvalState := models.ApprovalState(strings.ToLower(strings.TrimSpace(state)))
	if approvalState != "" && !approvalState.IsValid() {
		return nil, services.ErrInvalidState.WithDetail("state", state)
	}

	limit, offset = clampPage(limit, offset)

	list, err := s.observations.ListByState(ctx, teamID, approvalState, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to list observations", err)
	}
	return list, nil
}

func (s *Service) buildReport(req Request) (*models.ObservationReport, error) {
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		return nil, services.ErrMissingDeviceID
	}

	name := strings.TrimSpace(req.SoftwareName)
	version := strings.TrimSpace(req.Version)
	if name == "" || version == "" {
		return nil, services.ErrMissingSoftware
	}

	if req.RiskHint != nil && (*req.RiskHint < models.MinRiskScore || *req.RiskHint > models.MaxRiskScore) {
		return nil, services.ErrInvalidRiskScore.WithDetail("riskHint", *req.RiskHint)
	}

	vendor := strings.TrimSpace(req.Vendor)
	if vendor == "" {
		vendor = models.DefaultVendor
	}

	return &models.ObservationReport{
		TeamID:         req.TeamID,
		DeviceID:       deviceID,
		SoftwareName:   name,
		Version:        version,
		Vendor:         vendor,
		InstallPath:    strings.TrimSpace(req.InstallPath),
		SHA256:         strings.ToLower(strings.TrimSpace(req.SHA256)),
		Running:        req.Running,
		LastExecutedAt: req.LastExecutedAt,
		RiskHint:       req.RiskHint,
	}, nil
}

func (s *Service) announceAgent(ctx context.Context, agent *models.Agent, credentialID *uuid.UUID) {
	s.logger.Info("agent discovered through observation",
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

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
