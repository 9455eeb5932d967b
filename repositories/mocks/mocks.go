// Package mocks provides testify mocks of the repository interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
)

// TransactionManager mocks repositories.TransactionManager.
// InTransaction runs fn with a fresh Transaction mock unless an expectation
// for "InTransaction" returns an error first.
type TransactionManager struct {
	mock.Mock
}

func (m *TransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(repositories.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TransactionManager) InTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.Transaction) error) error {
	args := m.Called(ctx)
	if err := args.Error(0); err != nil {
		return err
	}
	return fn(ctx, &Transaction{ctx: ctx})
}

// Transaction mocks repositories.Transaction
type Transaction struct {
	mock.Mock
	ctx context.Context
}

func (m *Transaction) Commit() error {
	return m.Called().Error(0)
}

func (m *Transaction) Rollback() error {
	return m.Called().Error(0)
}

func (m *Transaction) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}

// TeamRepository mocks repositories.TeamRepository
type TeamRepository struct {
	mock.Mock
}

func (m *TeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	args := m.Called(ctx, id)
	if t := args.Get(0); t != nil {
		return t.(*models.Team), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TeamRepository) GetBySlug(ctx context.Context, slug string) (*models.Team, error) {
	args := m.Called(ctx, slug)
	if t := args.Get(0); t != nil {
		return t.(*models.Team), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TeamRepository) Create(ctx context.Context, team *models.Team) error {
	return m.Called(ctx, team).Error(0)
}

func (m *TeamRepository) WithTx(tx repositories.Transaction) repositories.TeamRepository {
	return m
}

// CredentialRepository mocks repositories.CredentialRepository
type CredentialRepository struct {
	mock.Mock
}

func (m *CredentialRepository) GetByKeyHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	args := m.Called(ctx, keyHash)
	if c := args.Get(0); c != nil {
		return c.(*models.Credential), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	return m.Called(ctx, cred).Error(0)
}

func (m *CredentialRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	return m.Called(ctx, id, usedAt).Error(0)
}

func (m *CredentialRepository) WithTx(tx repositories.Transaction) repositories.CredentialRepository {
	return m
}

// IdentityRepository mocks repositories.IdentityRepository
type IdentityRepository struct {
	mock.Mock
}

func (m *IdentityRepository) GetByEmail(ctx context.Context, teamID uuid.UUID, email string) (*models.Identity, error) {
	args := m.Called(ctx, teamID, email)
	if i := args.Get(0); i != nil {
		return i.(*models.Identity), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *IdentityRepository) Create(ctx context.Context, identity *models.Identity) error {
	return m.Called(ctx, identity).Error(0)
}

func (m *IdentityRepository) WithTx(tx repositories.Transaction) repositories.IdentityRepository {
	return m
}

// AgentRepository mocks repositories.AgentRepository
type AgentRepository struct {
	mock.Mock
}

func (m *AgentRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Agent, error) {
	args := m.Called(ctx, teamID, id)
	if a := args.Get(0); a != nil {
		return a.(*models.Agent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AgentRepository) GetByDevice(ctx context.Context, teamID uuid.UUID, deviceID string) (*models.Agent, error) {
	args := m.Called(ctx, teamID, deviceID)
	if a := args.Get(0); a != nil {
		return a.(*models.Agent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AgentRepository) GetByIdentity(ctx context.Context, teamID, identityID uuid.UUID) (*models.Agent, error) {
	args := m.Called(ctx, teamID, identityID)
	if a := args.Get(0); a != nil {
		return a.(*models.Agent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AgentRepository) UpsertHeartbeat(ctx context.Context, hb *models.Heartbeat) (*models.Agent, bool, error) {
	args := m.Called(ctx, hb)
	if a := args.Get(0); a != nil {
		return a.(*models.Agent), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *AgentRepository) ApplyHeartbeat(ctx context.Context, id uuid.UUID, hb *models.Heartbeat) (*models.Agent, error) {
	args := m.Called(ctx, id, hb)
	if a := args.Get(0); a != nil {
		return a.(*models.Agent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AgentRepository) EnsureExists(ctx context.Context, teamID uuid.UUID, deviceID string, identityID uuid.UUID) (*models.Agent, bool, error) {
	args := m.Called(ctx, teamID, deviceID, identityID)
	if a := args.Get(0); a != nil {
		return a.(*models.Agent), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *AgentRepository) DeactivateStale(ctx context.Context, teamID *uuid.UUID, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, teamID, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func (m *AgentRepository) Stats(ctx context.Context, teamID uuid.UUID, aliveCutoff, recentCutoff time.Time) (*models.FleetStats, error) {
	args := m.Called(ctx, teamID, aliveCutoff, recentCutoff)
	if s := args.Get(0); s != nil {
		return s.(*models.FleetStats), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AgentRepository) List(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.Agent, error) {
	args := m.Called(ctx, teamID, limit, offset)
	if a := args.Get(0); a != nil {
		return a.([]*models.Agent), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AgentRepository) WithTx(tx repositories.Transaction) repositories.AgentRepository {
	return m
}

// ObservationRepository mocks repositories.ObservationRepository
type ObservationRepository struct {
	mock.Mock
}

func (m *ObservationRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error) {
	args := m.Called(ctx, teamID, id)
	if o := args.Get(0); o != nil {
		return o.(*models.Observation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ObservationRepository) Upsert(ctx context.Context, report *models.ObservationReport) (*models.Observation, bool, error) {
	args := m.Called(ctx, report)
	if o := args.Get(0); o != nil {
		return o.(*models.Observation), args.Bool(1), args.Error(2)
	}
	return nil, args.Bool(1), args.Error(2)
}

func (m *ObservationRepository) RecordVerdict(ctx context.Context, teamID uuid.UUID, verdict *models.Verdict) (*models.Observation, error) {
	args := m.Called(ctx, teamID, verdict)
	if o := args.Get(0); o != nil {
		return o.(*models.Observation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ObservationRepository) ListByState(ctx context.Context, teamID uuid.UUID, state models.ApprovalState, limit, offset int) ([]*models.Observation, error) {
	args := m.Called(ctx, teamID, state, limit, offset)
	if o := args.Get(0); o != nil {
		return o.([]*models.Observation), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ObservationRepository) WithTx(tx repositories.Transaction) repositories.ObservationRepository {
	return m
}

// AuditRepository mocks repositories.AuditRepository
type AuditRepository struct {
	mock.Mock
}

func (m *AuditRepository) Insert(ctx context.Context, log *models.AuditLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *AuditRepository) GetByTeamID(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.AuditLog, error) {
	args := m.Called(ctx, teamID, limit, offset)
	if l := args.Get(0); l != nil {
		return l.([]*models.AuditLog), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *AuditRepository) WithTx(tx repositories.Transaction) repositories.AuditRepository {
	return m
}

var (
	_ repositories.TransactionManager    = (*TransactionManager)(nil)
	_ repositories.TeamRepository        = (*TeamRepository)(nil)
	_ repositories.CredentialRepository  = (*CredentialRepository)(nil)
	_ repositories.IdentityRepository    = (*IdentityRepository)(nil)
	_ repositories.AgentRepository       = (*AgentRepository)(nil)
	_ repositories.ObservationRepository = (*ObservationRepository)(nil)
	_ repositories.AuditRepository       = (*AuditRepository)(nil)
)
