// Package provisioning creates teams and issues agent credentials for operators.
package provisioning

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/services/credentials"
	"github.com/upb/fleet-control-plane/utils"
	"go.uber.org/zap"
)

const (
	// TokenPrefix marks agent tokens so they are recognizable in configs and logs
	TokenPrefix = "fcp_"

	tokenBytes = 32

	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// ErrSlugTaken is returned when another team already owns the slug
var ErrSlugTaken = services.NewDomainError(services.ErrorTypeConflict, "team slug already taken", nil)

// TeamRequest describes a new tenant
type TeamRequest struct {
	Name string `json:"name" validate:"required,max=255"`
	Slug string `json:"slug" validate:"required,max=100,slug"`
}

// CredentialRequest describes a new agent credential for the team named by Slug
type CredentialRequest struct {
	Slug string `json:"team" validate:"required,max=100"`
	Name string `json:"name" validate:"required,max=255"`
}

// IssuedCredential carries the raw token. It is returned exactly once and never stored.
type IssuedCredential struct {
	Credential *models.Credential
	Team       *models.Team
	Token      string
}

// Service provisions tenants and their agent credentials
type Service struct {
	teams       repositories.TeamRepository
	credentials repositories.CredentialRepository
	auditLogs   repositories.AuditRepository
	hasher      credentials.Hasher
	logger      *zap.Logger
	random      io.Reader
}

// NewService creates a new provisioning service
func NewService(
	teams repositories.TeamRepository,
	creds repositories.CredentialRepository,
	auditLogs repositories.AuditRepository,
	hasher credentials.Hasher,
	logger *zap.Logger,
) *Service {
	return &Service{
		teams:       teams,
		credentials: creds,
		auditLogs:   auditLogs,
		hasher:      hasher,
		logger:      logger,
		random:      rand.Reader,
	}
}

// CreateTeam stores a new team. Slugs are unique.
func (s *Service) CreateTeam(ctx context.Context, req TeamRequest) (*models.Team, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Slug = strings.TrimSpace(req.Slug)
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	team := models.NewTeam(req.Name, req.Slug)
	if err := s.teams.Create(ctx, team); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, ErrSlugTaken.WithDetail("slug", req.Slug)
		}
		return nil, services.WrapInternal("failed to create team", err)
	}

	s.logger.Info("team created", zap.String("team_id", team.ID.String()), zap.String("slug", team.Slug))
	s.record(ctx, models.NewAuditLog(models.AuditActionTeamCreated, "team").
		WithTeam(team.ID).
		WithResource(team.ID).
		WithDetails(map[string]string{"slug": team.Slug}))
	return team, nil
}

// IssueCredential generates a random agent token for the team and stores its hash
func (s *Service) IssueCredential(ctx context.Context, req CredentialRequest) (*IssuedCredential, error) {
	req.Slug = strings.TrimSpace(req.Slug)
	req.Name = strings.TrimSpace(req.Name)
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	team, err := s.teamBySlug(ctx, req.Slug)
	if err != nil {
		return nil, err
	}

	token, err := s.newToken()
	if err != nil {
		return nil, services.WrapInternal("failed to generate token", err)
	}

	cred := models.NewCredential(team.ID, req.Name, s.hasher.Hash(token))
	if err := s.credentials.Create(ctx, cred); err != nil {
		return nil, services.WrapInternal("failed to store credential", err)
	}

	s.logger.Info("agent credential issued",
		zap.String("team_id", team.ID.String()),
		zap.String("credential_id", cred.ID.String()),
		zap.String("name", cred.Name))
	s.record(ctx, models.NewAuditLog(models.AuditActionCredentialIssued, "credential").
		WithTeam(team.ID).
		WithResource(cred.ID).
		WithDetails(map[string]string{"name": cred.Name}))

	return &IssuedCredential{Credential: cred, Team: team, Token: token}, nil
}

// AuditTrail returns the team's audit entries, newest first
func (s *Service) AuditTrail(ctx context.Context, slug string, limit, offset int) ([]*models.AuditLog, error) {
	team, err := s.teamBySlug(ctx, strings.TrimSpace(slug))
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	if offset < 0 {
		offset = 0
	}

	logs, err := s.auditLogs.GetByTeamID(ctx, team.ID, limit, offset)
	if err != nil {
		return nil, services.WrapInternal("failed to read audit trail", err)
	}
	return logs, nil
}

func (s *Service) teamBySlug(ctx context.Context, slug string) (*models.Team, error) {
	team, err := s.teams.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTeamNotFound.WithDetail("team", slug)
		}
		return nil, services.WrapInternal("failed to look up team", err)
	}
	return team, nil
}

func (s *Service) newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", err
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}

// record writes the audit entry synchronously; provisioning is rare and operator driven
func (s *Service) record(ctx context.Context, entry *models.AuditLog) {
	if err := s.auditLogs.Insert(ctx, entry); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

func validateRequest(req interface{}) error {
	if err := utils.ValidateStruct(req); err != nil {
		if utils.IsValidationError(err) {
			domainErr := services.NewDomainError(services.ErrorTypeValidation, "invalid provisioning request", err)
			for field, msg := range utils.GetValidationFields(err) {
				domainErr = domainErr.WithDetail(field, msg)
			}
			return domainErr
		}
		return fmt.Errorf("failed to validate request: %w", err)
	}
	return nil
}
