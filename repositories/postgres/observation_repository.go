package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

const observationColumns = `id, team_id, device_id, identity_id, software_name, version, vendor,
	install_path, sha256, install_method, detected_by, state, reason, verdict_source,
	risk_score, running, last_executed_at, decided_at, created_at, updated_at`

// ObservationRepository implements the repositories.ObservationRepository interface
type ObservationRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewObservationRepository creates a new observation repository
func NewObservationRepository(db *DB, logger *zap.Logger) repositories.ObservationRepository {
	return &ObservationRepository{
		db:     db,
		logger: logger,
	}
}

// GetByID retrieves an observation of the team by ID
func (r *ObservationRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE team_id = $1 AND id = $2`

	obs, err := scanObservation(r.executor(ctx).QueryRowContext(ctx, query, teamID, id))
	if err != nil {
		return nil, translate(err, "failed to get observation %s", id)
	}
	return obs, nil
}

// Upsert records a sighting. The conflict branch only refreshes telemetry;
// state, reason, verdict_source and decided_at are not in its SET list.
func (r *ObservationRepository) Upsert(ctx context.Context, report *models.ObservationReport) (*models.Observation, bool, error) {
	query := `
		INSERT INTO observations (
			id, team_id, device_id, identity_id, software_name, version, vendor,
			install_path, sha256, install_method, detected_by, state, reason, verdict_source,
			risk_score, running, last_executed_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			'` + models.DefaultInstallMethod + `', '` + models.DefaultDetectedBy + `',
			'` + string(models.ApprovalStatePending) + `', '', '',
			COALESCE($10::int, 0), $11, $12, now(), now()
		)
		ON CONFLICT (team_id, device_id, software_name, version) DO UPDATE SET
			running          = EXCLUDED.running,
			last_executed_at = COALESCE(EXCLUDED.last_executed_at, observations.last_executed_at),
			risk_score       = COALESCE($10::int, observations.risk_score),
			updated_at       = EXCLUDED.updated_at
		RETURNING ` + observationColumns + `, (xmax = 0) AS inserted
	`

	obs := &models.Observation{}
	var inserted bool
	err := r.executor(ctx).QueryRowContext(ctx, query,
		uuid.New(),
		report.TeamID,
		report.DeviceID,
		report.IdentityID,
		report.SoftwareName,
		report.Version,
		report.Vendor,
		report.InstallPath,
		report.SHA256,
		report.RiskHint,
		report.Running,
		report.LastExecutedAt,
	).Scan(observationScanTargets(obs, &inserted)...)
	if err != nil {
		return nil, false, translate(err, "failed to upsert observation %s %s", report.SoftwareName, report.Version)
	}

	return obs, inserted, nil
}

// RecordVerdict writes state, reason, source and score in one conditional
// update. Only a pending row matches, so at most one caller ever decides.
func (r *ObservationRepository) RecordVerdict(ctx context.Context, teamID uuid.UUID, verdict *models.Verdict) (*models.Observation, error) {
	query := `
		UPDATE observations SET
			state          = $3,
			reason         = $4,
			verdict_source = $5,
			risk_score     = $6,
			decided_at     = $7,
			updated_at     = $7
		WHERE team_id = $1 AND id = $2 AND state = '` + string(models.ApprovalStatePending) + `'
		RETURNING ` + observationColumns

	obs, err := scanObservation(r.executor(ctx).QueryRowContext(ctx, query,
		teamID,
		verdict.ObservationID,
		verdict.State,
		verdict.Reason,
		verdict.Source,
		verdict.RiskScore,
		verdict.DecidedAt,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("observation %s is not pending: %w", verdict.ObservationID, repositories.ErrConflict)
		}
		return nil, translate(err, "failed to record verdict for observation %s", verdict.ObservationID)
	}

	r.logger.Debug("verdict recorded",
		zap.String("observation_id", obs.ID.String()),
		zap.String("state", string(obs.State)),
		zap.String("source", string(obs.VerdictSource)))
	return obs, nil
}

// ListByState retrieves the team's observations, optionally filtered by state
func (r *ObservationRepository) ListByState(ctx context.Context, teamID uuid.UUID, state models.ApprovalState, limit, offset int) ([]*models.Observation, error) {
	query := `
		SELECT ` + observationColumns + `
		FROM observations
		WHERE team_id = $1 AND ($2 = '' OR state = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.executor(ctx).QueryContext(ctx, query, teamID, string(state), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer rows.Close()

	var observations []*models.Observation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		observations = append(observations, obs)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return observations, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *ObservationRepository) WithTx(tx repositories.Transaction) repositories.ObservationRepository {
	return &ObservationRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}

func (r *ObservationRepository) executor(ctx context.Context) Executor {
	return boundExecutor(ctx, r.db, r.tx)
}

func observationScanTargets(obs *models.Observation, extra ...interface{}) []interface{} {
	targets := []interface{}{
		&obs.ID,
		&obs.TeamID,
		&obs.DeviceID,
		&obs.IdentityID,
		&obs.SoftwareName,
		&obs.Version,
		&obs.Vendor,
		&obs.InstallPath,
		&obs.SHA256,
		&obs.InstallMethod,
		&obs.DetectedBy,
		&obs.State,
		&obs.Reason,
		&obs.VerdictSource,
		&obs.RiskScore,
		&obs.Running,
		&obs.LastExecutedAt,
		&obs.DecidedAt,
		&obs.CreatedAt,
		&obs.UpdatedAt,
	}
	return append(targets, extra...)
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	obs := &models.Observation{}
	if err := row.Scan(observationScanTargets(obs)...); err != nil {
		return nil, err
	}
	return obs, nil
}
