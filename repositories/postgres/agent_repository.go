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

const agentColumns = `id, team_id, device_id, identity_id, last_seen, alive, status, created_at, updated_at`

// AgentRepository implements the repositories.AgentRepository interface.
// Every write is a single statement so concurrent heartbeats for the same
// device serialize on the (team_id, device_id) row.
type AgentRepository struct {
	db     *DB
	tx     repositories.Transaction
	logger *zap.Logger
}

// NewAgentRepository creates a new agent repository
func NewAgentRepository(db *DB, logger *zap.Logger) repositories.AgentRepository {
	return &AgentRepository{
		db:     db,
		logger: logger,
	}
}

// GetByID retrieves an agent of the team by ID
func (r *AgentRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE team_id = $1 AND id = $2`

	agent, err := scanAgent(r.executor(ctx).QueryRowContext(ctx, query, teamID, id))
	if err != nil {
		return nil, translate(err, "failed to get agent %s", id)
	}
	return agent, nil
}

// GetByDevice retrieves the agent registered for a device
func (r *AgentRepository) GetByDevice(ctx context.Context, teamID uuid.UUID, deviceID string) (*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE team_id = $1 AND device_id = $2`

	agent, err := scanAgent(r.executor(ctx).QueryRowContext(ctx, query, teamID, deviceID))
	if err != nil {
		return nil, translate(err, "failed to get agent for device %q", deviceID)
	}
	return agent, nil
}

// GetByIdentity retrieves the most recently seen agent linked to an identity
func (r *AgentRepository) GetByIdentity(ctx context.Context, teamID, identityID uuid.UUID) (*models.Agent, error) {
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE team_id = $1 AND identity_id = $2
		ORDER BY last_seen DESC NULLS LAST, created_at DESC
		LIMIT 1
	`

	agent, err := scanAgent(r.executor(ctx).QueryRowContext(ctx, query, teamID, identityID))
	if err != nil {
		return nil, translate(err, "failed to get agent for identity %s", identityID)
	}
	return agent, nil
}

// UpsertHeartbeat inserts the agent or, when (team_id, device_id) already
// exists, marks it alive. xmax = 0 only holds for freshly inserted rows.
func (r *AgentRepository) UpsertHeartbeat(ctx context.Context, hb *models.Heartbeat) (*models.Agent, bool, error) {
	query := `
		INSERT INTO agents (id, team_id, device_id, identity_id, last_seen, alive, status, created_at, updated_at)
		VALUES ($1, $2, $3, COALESCE($4::uuid, $5::uuid), $6, true, COALESCE($7::text, '` + models.DefaultAgentStatus + `'), $6, $6)
		ON CONFLICT (team_id, device_id) DO UPDATE SET
			last_seen   = GREATEST(agents.last_seen, EXCLUDED.last_seen),
			alive       = true,
			status      = COALESCE($7::text, agents.status),
			identity_id = COALESCE($4::uuid, agents.identity_id, $5::uuid),
			updated_at  = EXCLUDED.updated_at
		RETURNING ` + agentColumns + `, (xmax = 0) AS inserted
	`

	agent := &models.Agent{}
	var inserted bool
	err := r.executor(ctx).QueryRowContext(ctx, query,
		uuid.New(),
		hb.TeamID,
		hb.DeviceID,
		hb.IdentityID,
		hb.ProvisionIdentityID,
		hb.SeenAt,
		hb.Status,
	).Scan(agentScanTargets(agent, &inserted)...)
	if err != nil {
		return nil, false, translate(err, "failed to upsert agent for device %q", hb.DeviceID)
	}

	if inserted {
		r.logger.Debug("agent provisioned by heartbeat",
			zap.String("team_id", hb.TeamID.String()),
			zap.String("device_id", hb.DeviceID))
	}
	return agent, inserted, nil
}

// ApplyHeartbeat marks an existing agent alive and moves it to hb.DeviceID
func (r *AgentRepository) ApplyHeartbeat(ctx context.Context, id uuid.UUID, hb *models.Heartbeat) (*models.Agent, error) {
	query := `
		UPDATE agents SET
			device_id   = $3,
			last_seen   = GREATEST(last_seen, $4),
			alive       = true,
			status      = COALESCE($5::text, status),
			identity_id = COALESCE($6::uuid, identity_id),
			updated_at  = $4
		WHERE team_id = $1 AND id = $2
		RETURNING ` + agentColumns

	agent, err := scanAgent(r.executor(ctx).QueryRowContext(ctx, query,
		hb.TeamID,
		id,
		hb.DeviceID,
		hb.SeenAt,
		hb.Status,
		hb.IdentityID,
	))
	if err != nil {
		return nil, translate(err, "failed to apply heartbeat to agent %s", id)
	}
	return agent, nil
}

// EnsureExists registers a never-seen agent for the device. The new row is
// dead until its first heartbeat.
func (r *AgentRepository) EnsureExists(ctx context.Context, teamID uuid.UUID, deviceID string, identityID uuid.UUID) (*models.Agent, bool, error) {
	query := `
		INSERT INTO agents (id, team_id, device_id, identity_id, last_seen, alive, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULL, false, '` + models.AgentStatusDiscovered + `', $5, $5)
		ON CONFLICT (team_id, device_id) DO NOTHING
		RETURNING ` + agentColumns

	agent, err := scanAgent(r.executor(ctx).QueryRowContext(ctx, query,
		uuid.New(), teamID, deviceID, identityID, time.Now().UTC()))
	if err == nil {
		return agent, true, nil
	}
	if !isNoRows(err) {
		return nil, false, translate(err, "failed to register agent for device %q", deviceID)
	}

	existing, err := r.GetByDevice(ctx, teamID, deviceID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// DeactivateStale flips stale alive agents to dead and returns how many flipped.
// Re-running it is harmless: dead agents do not match.
func (r *AgentRepository) DeactivateStale(ctx context.Context, teamID *uuid.UUID, cutoff time.Time) (int64, error) {
	query := `
		UPDATE agents
		SET alive = false, updated_at = now()
		WHERE alive AND (last_seen IS NULL OR last_seen < $1)
	`
	args := []interface{}{cutoff}
	if teamID != nil {
		query += ` AND team_id = $2`
		args = append(args, *teamID)
	}

	result, err := r.executor(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate stale agents: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// Stats aggregates the team's liveness counts in one pass
func (r *AgentRepository) Stats(ctx context.Context, teamID uuid.UUID, aliveCutoff, recentCutoff time.Time) (*models.FleetStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE alive AND last_seen >= $2),
			COUNT(*) FILTER (WHERE NOT alive OR last_seen IS NULL OR last_seen < $2),
			COUNT(*),
			MAX(last_seen),
			COUNT(*) FILTER (WHERE alive AND last_seen >= $3),
			COUNT(*) FILTER (WHERE NOT alive AND last_seen >= $3),
			COUNT(*) FILTER (WHERE alive AND (last_seen IS NULL OR last_seen < $2))
		FROM agents
		WHERE team_id = $1
	`

	stats := &models.FleetStats{}
	err := r.executor(ctx).QueryRowContext(ctx, query, teamID, aliveCutoff, recentCutoff).Scan(
		&stats.Alive,
		&stats.Dead,
		&stats.Total,
		&stats.LastSeenOverall,
		&stats.NewlyAlive24h,
		&stats.NewlyDead24h,
		&stats.NeedingAttention,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate agent stats: %w", err)
	}
	return stats, nil
}

// List retrieves the team's agents, most recently seen first
func (r *AgentRepository) List(ctx context.Context, teamID uuid.UUID, limit, offset int) ([]*models.Agent, error) {
	query := `
		SELECT ` + agentColumns + `
		FROM agents
		WHERE team_id = $1
		ORDER BY last_seen DESC NULLS LAST, device_id
		LIMIT $2 OFFSET $3
	`

	rows, err := r.executor(ctx).QueryContext(ctx, query, teamID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating agents: %w", err)
	}
	return agents, nil
}

// WithTx returns a new repository instance bound to the transaction
func (r *AgentRepository) WithTx(tx repositories.Transaction) repositories.AgentRepository {
	return &AgentRepository{
		db:     r.db,
		tx:     tx,
		logger: r.logger,
	}
}

func (r *AgentRepository) executor(ctx context.Context) Executor {
	return boundExecutor(ctx, r.db, r.tx)
}

func agentScanTargets(agent *models.Agent, extra ...interface{}) []interface{} {
	targets := []interface{}{
		&agent.ID,
		&agent.TeamID,
		&agent.DeviceID,
		&agent.IdentityID,
		&agent.LastSeen,
		&agent.Alive,
		&agent.Status,
		&agent.CreatedAt,
		&agent.UpdatedAt,
	}
	return append(targets, extra...)
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	agent := &models.Agent{}
	if err := row.Scan(agentScanTargets(agent)...); err != nil {
		return nil, err
	}
	return agent, nil
}
