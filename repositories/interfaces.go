package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/models"
)

var (
	// ErrNotFound is returned when a row does not exist (or belongs to another team)
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert hits a uniqueness constraint
	ErrDuplicate = errors.New("duplicate record")

	// ErrConflict is returned when a conditional update matched no row
	ErrConflict = errors.New("conditional update did not apply")

	// ErrMissingReference is returned when a write points at a row that no longer exists
	ErrMissingReference = errors.New("referenced record does not exist")
)

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction.
	// Commits if the function succeeds, rolls back on error.
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}

// TeamRepository reads tenants
type TeamRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error)
	GetBySlug(ctx context.Context, slug string) (*models.Team, error)
	Create(ctx context.Context, team *models.Team) error
	WithTx(tx Transaction) TeamRepository
}

// CredentialRepository handles agent API keys
type CredentialRepository interface {
	// GetByKeyHash retrieves a credential by the hash of its secret
	GetByKeyHash(ctx context.Context, keyHash string) (*models.Credential, error)

	// Create stores a new credential. Returns ErrDuplicate if the hash exists.
	Create(ctx context.Context, cred *models.Credential) error

	// TouchLastUsed stamps the last-used time
	TouchLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error

	WithTx(tx Transaction) CredentialRepository
}

// IdentityRepository handles the operators agents are linked to
type IdentityRepository interface {
	// GetByEmail retrieves an identity by its team-unique email
	GetByEmail(ctx context.Context, teamID uuid.UUID, email string) (*models.Identity, error)

	// Create inserts an identity. Returns ErrDuplicate on (team, email) conflicts.
	Create(ctx context.Context, identity *models.Identity) error

	WithTx(tx Transaction) IdentityRepository
}

// AgentRepository is the agent registry
type AgentRepository interface {
	GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Agent, error)

	GetByDevice(ctx context.Context, teamID uuid.UUID, deviceID string) (*models.Agent, error)

	// GetByIdentity returns the most recently seen agent linked to the identity
	GetByIdentity(ctx context.Context, teamID, identityID uuid.UUID) (*models.Agent, error)

	// UpsertHeartbeat applies a heartbeat keyed by (team, device): it creates the
	// row or marks the existing one alive. created is true when a row was inserted.
	UpsertHeartbeat(ctx context.Context, hb *models.Heartbeat) (agent *models.Agent, created bool, err error)

	// ApplyHeartbeat marks an existing agent alive and moves it to hb.DeviceID.
	// Returns ErrDuplicate if another agent of the team already owns that device.
	ApplyHeartbeat(ctx context.Context, id uuid.UUID, hb *models.Heartbeat) (*models.Agent, error)

	// EnsureExists creates a never-seen agent for the device if none exists
	EnsureExists(ctx context.Context, teamID uuid.UUID, deviceID string, identityID uuid.UUID) (agent *models.Agent, created bool, err error)

	// DeactivateStale flips alive agents last seen before cutoff (or never) to dead.
	// A nil teamID sweeps every team.
	DeactivateStale(ctx context.Context, teamID *uuid.UUID, cutoff time.Time) (int64, error)

	// Stats aggregates liveness counts for one team
	Stats(ctx context.Context, teamID uuid.UUID, aliveCutoff, recentCutoff time.Time) (*models.FleetStats, error)

	List(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.Agent, error)

	WithTx(tx Transaction) AgentRepository
}

// ObservationRepository handles software observations and their verdicts
type ObservationRepository interface {
	GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error)

	// Upsert creates the observation in pending state or refreshes telemetry of
	// the existing (team, device, name, version) row. Verdict columns are never written.
	Upsert(ctx context.Context, report *models.ObservationReport) (obs *models.Observation, created bool, err error)

	// RecordVerdict moves a pending observation to the verdict's state.
	// Returns ErrConflict if the observation is no longer pending.
	RecordVerdict(ctx context.Context, teamID uuid.UUID, verdict *models.Verdict) (*models.Observation, error)

	ListByState(ctx context.Context, teamID uuid.UUID, state models.ApprovalState, limit, offset int) ([]*models.Observation, error)

	WithTx(tx Transaction) ObservationRepository
}

// AuditRepository handles audit log data operations
type AuditRepository interface {
	Insert(ctx context.Context, log *models.AuditLog) error
	GetByTeamID(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.AuditLog, error)
	WithTx(tx Transaction) AuditRepository
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Teams        TeamRepository
	Credentials  CredentialRepository
	Identities   IdentityRepository
	Agents       AgentRepository
	Observations ObservationRepository
	AuditLogs    AuditRepository
}
