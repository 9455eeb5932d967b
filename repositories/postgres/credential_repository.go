package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

// CredentialRepository implements the repositories.CredentialRepository interface
type CredentialRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewCredentialRepository creates a new credential repository
func NewCredentialRepository(db *DB, logger *zap.Logger) repositories.CredentialRepository {
	return &CredentialRepository{
		db:     db,
		logger: logger,
	}
}

// Create stores a new credential
func (r *CredentialRepository) Create(ctx context.Context, cred *models.Credential) error {
	query := `
		INSERT INTO credentials (id, team_id, name, key_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query,
		cred.ID,
		cred.TeamID,
		cred.Name,
		cred.KeyHash,
		cred.CreatedAt,
	)
	if err != nil {
		return translate(err, "failed to create credential")
	}

	r.logger.Debug("credential created", zap.String("id", cred.ID.String()), zap.String("team_id", cred.TeamID.String()))
	return nil
}

// GetByKeyHash retrieves a credential by key hash
func (r *CredentialRepository) GetByKeyHash(ctx context.Context, keyHash string) (*models.Credential, error) {
	query := `
		SELECT id, team_id, name, key_hash, last_used_at, created_at
		FROM credentials
		WHERE key_hash = $1
	`

	cred := &models.Credential{}
	err := boundExecutor(ctx, r.db, r.tx).QueryRowContext(ctx, query, keyHash).Scan(
		&cred.ID,
		&cred.TeamID,
		&cred.Name,
		&cred.KeyHash,
		&cred.LastUsedAt,
		&cred.CreatedAt,
	)
	if err != nil {
		return nil, translate(err, "failed to get credential by key hash")
	}

	return cred, nil
}

// TouchLastUsed stamps the credential's last-used time. Older stamps never
// overwrite newer ones, so out-of-order workers are harmless.
func (r *CredentialRepository) TouchLastUsed(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	query := `
		UPDATE credentials
		SET last_used_at = $2
		WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)
	`

	result, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query, id, usedAt)
	if err != nil {
		return fmt.Errorf("failed to touch credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		r.logger.Debug("credential last-used not advanced", zap.String("id", id.String()))
	}
	return nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *CredentialRepository) WithTx(tx repositories.Transaction) repositories.CredentialRepository {
	return &CredentialRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}
