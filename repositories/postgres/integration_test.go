package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fleet-control-plane/config"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap/zaptest"
)

// openTestDatabase connects to FLEET_TEST_DATABASE_URL and applies the migrations.
// Every test provisions its own team, so runs do not interfere.
func openTestDatabase(t *testing.T) (*repositories.Repositories, *DB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	dsn := os.Getenv("FLEET_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FLEET_TEST_DATABASE_URL not set")
	}

	logger := zaptest.NewLogger(t)
	db, err := NewDB(config.DatabaseConfig{ConnectionString: dsn, MaxOpenConns: 4, MaxIdleConns: 2}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return NewRepositoryFactoryFromDB(db, logger).NewRepositories(), db
}

func createTestTeam(t *testing.T, repos *repositories.Repositories) *models.Team {
	t.Helper()
	slug := "it-" + uuid.NewString()[:8]
	team := models.NewTeam("Integration "+slug, slug)
	require.NoError(t, repos.Teams.Create(context.Background(), team))
	return team
}

func TestIntegration_ObservationLifecycle(t *testing.T) {
	repos, _ := openTestDatabase(t)
	ctx := context.Background()
	team := createTestTeam(t, repos)

	sentinel := models.NewUnresolvedIdentity(team.ID)
	require.NoError(t, repos.Identities.Create(ctx, sentinel))
	assert.ErrorIs(t, repos.Identities.Create(ctx, models.NewUnresolvedIdentity(team.ID)), repositories.ErrDuplicate)

	report := &models.ObservationReport{
		TeamID:       team.ID,
		DeviceID:     "D1",
		IdentityID:   sentinel.ID,
		SoftwareName: "AppX",
		Version:      "1.0",
		Vendor:       models.DefaultVendor,
	}

	first, created, err := repos.Observations.Upsert(ctx, report)
	require.NoError(t, err)
	assert.True(t, created, "first sighting inserts")
	assert.Equal(t, models.ApprovalStatePending, first.State)

	verdict := &models.Verdict{
		ObservationID: first.ID,
		State:         models.ApprovalStateApproved,
		Reason:        "software verified by risk service",
		RiskScore:     10,
		Source:        models.VerdictSourceExternal,
		DecidedAt:     time.Now().UTC(),
	}
	decided, err := repos.Observations.RecordVerdict(ctx, team.ID, verdict)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStateApproved, decided.State)

	_, err = repos.Observations.RecordVerdict(ctx, team.ID, verdict)
	assert.ErrorIs(t, err, repositories.ErrConflict, "verdicts are recorded once")

	report.Running = true
	again, created, err := repos.Observations.Upsert(ctx, report)
	require.NoError(t, err)
	assert.False(t, created, "repeat sighting updates in place")
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.ApprovalStateApproved, again.State)
	assert.Equal(t, "software verified by risk service", again.Reason)
	assert.True(t, again.Running)
}

func TestIntegration_UpsertWithDeletedIdentity(t *testing.T) {
	repos, _ := openTestDatabase(t)
	team := createTestTeam(t, repos)

	_, _, err := repos.Observations.Upsert(context.Background(), &models.ObservationReport{
		TeamID:       team.ID,
		DeviceID:     "D1",
		IdentityID:   uuid.New(),
		SoftwareName: "AppX",
		Version:      "1.0",
		Vendor:       models.DefaultVendor,
	})

	assert.ErrorIs(t, err, repositories.ErrMissingReference)
}

func TestIntegration_AgentLivenessAndStats(t *testing.T) {
	repos, _ := openTestDatabase(t)
	ctx := context.Background()
	team := createTestTeam(t, repos)
	now := time.Now().UTC()

	for _, hb := range []*models.Heartbeat{
		{TeamID: team.ID, DeviceID: "fresh", SeenAt: now.Add(-10 * time.Second)},
		{TeamID: team.ID, DeviceID: "stale", SeenAt: now.Add(-10 * time.Minute)},
	} {
		agent, created, err := repos.Agents.UpsertHeartbeat(ctx, hb)
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, agent.Alive)
	}

	_, _, err := repos.Agents.EnsureExists(ctx, team.ID, "discovered", uuid.New())
	assert.ErrorIs(t, err, repositories.ErrMissingReference)

	sentinel := models.NewUnresolvedIdentity(team.ID)
	require.NoError(t, repos.Identities.Create(ctx, sentinel))
	discovered, created, err := repos.Agents.EnsureExists(ctx, team.ID, "discovered", sentinel.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, discovered.Alive)

	flipped, err := repos.Agents.DeactivateStale(ctx, &team.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), flipped)

	stats, err := repos.Agents.Stats(ctx, team.ID, now.Add(-time.Minute), now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Alive)
	assert.Equal(t, 2, stats.Dead)
	require.NotNil(t, stats.LastSeenOverall)

	again, err := repos.Agents.DeactivateStale(ctx, &team.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, again, "sweeping twice flips nothing new")
}

func TestIntegration_CredentialsAndAuditTrail(t *testing.T) {
	repos, _ := openTestDatabase(t)
	ctx := context.Background()
	team := createTestTeam(t, repos)

	found, err := repos.Teams.GetBySlug(ctx, team.Slug)
	require.NoError(t, err)
	assert.Equal(t, team.ID, found.ID)

	cred := models.NewCredential(team.ID, "ci", "hash-"+uuid.NewString())
	require.NoError(t, repos.Credentials.Create(ctx, cred))
	byHash, err := repos.Credentials.GetByKeyHash(ctx, cred.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, byHash.ID)

	older := models.NewAuditLog(models.AuditActionTeamCreated, "team").WithTeam(team.ID).WithResource(team.ID)
	older.Timestamp = time.Now().UTC().Add(-time.Minute)
	newer := models.NewAuditLog(models.AuditActionCredentialIssued, "credential").
		WithTeam(team.ID).
		WithResource(cred.ID).
		WithDetails(map[string]string{"name": "ci"})
	require.NoError(t, repos.AuditLogs.Insert(ctx, older))
	require.NoError(t, repos.AuditLogs.Insert(ctx, newer))

	logs, err := repos.AuditLogs.GetByTeamID(ctx, team.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, models.AuditActionCredentialIssued, logs[0].Action)
	assert.JSONEq(t, `{"name":"ci"}`, string(logs[0].Details))
	assert.Equal(t, models.AuditActionTeamCreated, logs[1].Action)
}
