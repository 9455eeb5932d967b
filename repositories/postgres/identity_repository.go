package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

const identityColumns = `id, team_id, email, display_name, department, kind, created_at, updated_at`

// IdentityRepository implements the repositories.IdentityRepository interface
type IdentityRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewIdentityRepository creates a new identity repository
func NewIdentityRepository(db *DB, logger *zap.Logger) repositories.IdentityRepository {
	return &IdentityRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts an identity. A concurrent insert of the same (team, email)
// surfaces as repositories.ErrDuplicate so callers can re-fetch the winner.
func (r *IdentityRepository) Create(ctx context.Context, identity *models.Identity) error {
	query := `
		INSERT INTO identities (` + identityColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query,
		identity.ID,
		identity.TeamID,
		identity.Email,
		identity.DisplayName,
		identity.Department,
		identity.Kind,
		identity.CreatedAt,
		identity.UpdatedAt,
	)
	if err != nil {
		return translate(err, "failed to create identity %q", identity.Email)
	}

	r.logger.Debug("identity created",
		zap.String("id", identity.ID.String()),
		zap.String("team_id", identity.TeamID.String()),
		zap.String("kind", string(identity.Kind)))
	return nil
}

// GetByEmail retrieves an identity of the team by email
func (r *IdentityRepository) GetByEmail(ctx context.Context, teamID uuid.UUID, email string) (*models.Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE team_id = $1 AND email = $2`

	identity, err := scanIdentity(boundExecutor(ctx, r.db, r.tx).QueryRowContext(ctx, query, teamID, email))
	if err != nil {
		return nil, translate(err, "failed to get identity %q", email)
	}
	return identity, nil
}

func scanIdentity(row rowScanner) (*models.Identity, error) {
	identity := &models.Identity{}
	err := row.Scan(
		&identity.ID,
		&identity.TeamID,
		&identity.Email,
		&identity.DisplayName,
		&identity.Department,
		&identity.Kind,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *IdentityRepository) WithTx(tx repositories.Transaction) repositories.IdentityRepository {
	return &IdentityRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}
