package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

var observationRowColumns = []string{
	"id", "team_id", "device_id", "identity_id", "software_name", "version", "vendor",
	"install_path", "sha256", "install_method", "detected_by", "state", "reason", "verdict_source",
	"risk_score", "running", "last_executed_at", "decided_at", "created_at", "updated_at",
}

func observationRow(id, teamID uuid.UUID, state models.ApprovalState, reason string, source models.VerdictSource, decidedAt interface{}) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id.String(), teamID.String(), "D1", uuid.New().String(), "AppX", "1.0", "Acme",
		"/opt/appx", "abc123", "manual", "agent", string(state), reason, string(source),
		15, true, nil, decidedAt, now, now,
	}
}

func TestObservationRepository_Upsert_NewSighting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewObservationRepository(db, zap.NewNop())

	teamID := uuid.New()
	obsID := uuid.New()
	hint := 15

	mock.ExpectQuery(`INSERT INTO observations .* ON CONFLICT \(team_id, device_id, software_name, version\) DO UPDATE SET\s+running`).
		WithArgs(sqlmock.AnyArg(), teamID, "D1", sqlmock.AnyArg(), "AppX", "1.0", "Acme", "/opt/appx", "abc123", hint, true, nil).
		WillReturnRows(sqlmock.NewRows(append(observationRowColumns, "inserted")).
			AddRow(append(observationRow(obsID, teamID, models.ApprovalStatePending, "", models.VerdictSourceNone, nil), true)...))

	obs, created, err := repo.Upsert(context.Background(), &models.ObservationReport{
		TeamID:       teamID,
		DeviceID:     "D1",
		IdentityID:   uuid.New(),
		SoftwareName: "AppX",
		Version:      "1.0",
		Vendor:       "Acme",
		InstallPath:  "/opt/appx",
		SHA256:       "abc123",
		Running:      true,
		RiskHint:     &hint,
	})

	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, obsID, obs.ID)
	assert.Equal(t, models.ApprovalStatePending, obs.State)
	assert.Empty(t, obs.Reason)
	assert.Equal(t, 15, obs.RiskScore)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationRepository_Upsert_ConflictBranchLeavesVerdictAlone(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewObservationRepository(db, zap.NewNop())

	// the conflict branch must not assign any verdict column
	mock.ExpectQuery(`DO UPDATE SET\s+running\s+= EXCLUDED.running,\s+last_executed_at\s+= .*,\s+risk_score\s+= .*,\s+updated_at\s+= EXCLUDED.updated_at\s+RETURNING`).
		WillReturnRows(sqlmock.NewRows(append(observationRowColumns, "inserted")).
			AddRow(append(observationRow(uuid.New(), uuid.New(), models.ApprovalStateApproved, "verified", models.VerdictSourceExternal, time.Now()), false)...))

	obs, created, err := repo.Upsert(context.Background(), &models.ObservationReport{
		TeamID: uuid.New(), DeviceID: "D1", SoftwareName: "AppX", Version: "1.0",
	})

	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, models.ApprovalStateApproved, obs.State)
	assert.Equal(t, "verified", obs.Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationRepository_RecordVerdict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewObservationRepository(db, zap.NewNop())

	teamID := uuid.New()
	obsID := uuid.New()
	decidedAt := time.Now().UTC()
	verdict := &models.Verdict{
		ObservationID: obsID,
		State:         models.ApprovalStateDenied,
		Reason:        "[fallback] risk service unavailable",
		RiskScore:     15,
		Source:        models.VerdictSourceFallback,
		DecidedAt:     decidedAt,
	}

	mock.ExpectQuery(`UPDATE observations SET .* WHERE team_id = \$1 AND id = \$2 AND state = 'pending'`).
		WithArgs(teamID, obsID, "denied", verdict.Reason, "fallback", 15, decidedAt).
		WillReturnRows(sqlmock.NewRows(observationRowColumns).
			AddRow(observationRow(obsID, teamID, models.ApprovalStateDenied, verdict.Reason, models.VerdictSourceFallback, decidedAt)...))

	obs, err := repo.RecordVerdict(context.Background(), teamID, verdict)

	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStateDenied, obs.State)
	assert.Equal(t, models.VerdictSourceFallback, obs.VerdictSource)
	require.NotNil(t, obs.DecidedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationRepository_RecordVerdict_AlreadyDecided(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewObservationRepository(db, zap.NewNop())

	mock.ExpectQuery(`UPDATE observations SET`).
		WillReturnRows(sqlmock.NewRows(observationRowColumns))

	_, err := repo.RecordVerdict(context.Background(), uuid.New(), &models.Verdict{
		ObservationID: uuid.New(),
		State:         models.ApprovalStateApproved,
		Reason:        "ok",
		Source:        models.VerdictSourceExternal,
		DecidedAt:     time.Now(),
	})

	assert.True(t, errors.Is(err, repositories.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationRepository_ListByState(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewObservationRepository(db, zap.NewNop())
	teamID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM observations WHERE team_id = \$1 AND \(\$2 = '' OR state = \$2\)`).
		WithArgs(teamID, "pending", 50, 0).
		WillReturnRows(sqlmock.NewRows(observationRowColumns).
			AddRow(observationRow(uuid.New(), teamID, models.ApprovalStatePending, "", models.VerdictSourceNone, nil)...).
			AddRow(observationRow(uuid.New(), teamID, models.ApprovalStatePending, "", models.VerdictSourceNone, nil)...))

	list, err := repo.ListByState(context.Background(), teamID, models.ApprovalStatePending, 50, 0)

	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestObservationRepository_Upsert_MissingIdentity(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewObservationRepository(db, zap.NewNop())

	mock.ExpectQuery(`INSERT INTO observations`).
		WillReturnError(&pq.Error{Code: "23503", Constraint: "observations_identity_id_fkey"})

	_, _, err := repo.Upsert(context.Background(), &models.ObservationReport{
		TeamID:       uuid.New(),
		DeviceID:     "D1",
		IdentityID:   uuid.New(),
		SoftwareName: "AppX",
		Version:      "1.0",
	})

	assert.ErrorIs(t, err, repositories.ErrMissingReference)
	assert.False(t, errors.Is(err, repositories.ErrDuplicate))
	assert.NoError(t, mock.ExpectationsWereMet())
}
