package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

// TeamRepository implements the repositories.TeamRepository interface
type TeamRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewTeamRepository creates a new team repository
func NewTeamRepository(db *DB, logger *zap.Logger) repositories.TeamRepository {
	return &TeamRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new team
func (r *TeamRepository) Create(ctx context.Context, team *models.Team) error {
	query := `
		INSERT INTO teams (id, name, slug, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := boundExecutor(ctx, r.db, r.tx).ExecContext(ctx, query,
		team.ID,
		team.Name,
		team.Slug,
		team.CreatedAt,
		team.UpdatedAt,
	)
	if err != nil {
		return translate(err, "failed to create team")
	}

	r.logger.Debug("team created", zap.String("id", team.ID.String()), zap.String("slug", team.Slug))
	return nil
}

// GetByID retrieves a team by ID
func (r *TeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	query := `
		SELECT id, name, slug, created_at, updated_at
		FROM teams
		WHERE id = $1
	`
	return r.getOne(ctx, query, id)
}

// GetBySlug retrieves a team by slug
func (r *TeamRepository) GetBySlug(ctx context.Context, slug string) (*models.Team, error) {
	query := `
		SELECT id, name, slug, created_at, updated_at
		FROM teams
		WHERE slug = $1
	`
	return r.getOne(ctx, query, slug)
}

func (r *TeamRepository) getOne(ctx context.Context, query string, arg interface{}) (*models.Team, error) {
	team := &models.Team{}
	err := boundExecutor(ctx, r.db, r.tx).QueryRowContext(ctx, query, arg).Scan(
		&team.ID,
		&team.Name,
		&team.Slug,
		&team.CreatedAt,
		&team.UpdatedAt,
	)
	if err != nil {
		return nil, translate(err, "failed to get team %v", arg)
	}
	return team, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *TeamRepository) WithTx(tx repositories.Transaction) repositories.TeamRepository {
	return &TeamRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}

