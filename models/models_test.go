package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Team tests
func TestNewTeam(t *testing.T) {
	team := NewTeam("Acme", "acme")

	assert.NotEqual(t, uuid.Nil, team.ID)
	assert.Equal(t, "Acme", team.Name)
	assert.Equal(t, "acme", team.Slug)
	assert.False(t, team.CreatedAt.IsZero())
	assert.Equal(t, team.CreatedAt, team.UpdatedAt)
	assert.Equal(t, "teams", team.TableName())
}

// Credential tests
func TestNewCredential(t *testing.T) {
	teamID := uuid.New()

	cred := NewCredential(teamID, "laptops", "hashed_key")

	assert.NotEqual(t, uuid.Nil, cred.ID)
	assert.Equal(t, teamID, cred.TeamID)
	assert.Equal(t, "hashed_key", cred.KeyHash)
	assert.Nil(t, cred.LastUsedAt)
	assert.Equal(t, "credentials", cred.TableName())
}

func TestCredential_JSONHidesHash(t *testing.T) {
	cred := NewCredential(uuid.New(), "laptops", "secret-hash")

	data, err := json.Marshal(cred)
	require.NoError(t, err)

	assert.NotContains(t, string(data), "secret-hash")
	assert.NotContains(t, string(data), "key_hash")
}

// Identity tests
func TestNewDeviceIdentity(t *testing.T) {
	teamID := uuid.New()

	identity := NewDeviceIdentity(teamID, "D1")

	assert.Equal(t, teamID, identity.TeamID)
	assert.Equal(t, "device_D1@unknown.local", identity.Email)
	assert.Equal(t, "Device D1", identity.DisplayName)
	assert.Equal(t, "Unassigned", identity.Department)
	assert.Equal(t, IdentityKindDevice, identity.Kind)
	assert.False(t, identity.IsSentinel())
}

func TestNewUnresolvedIdentity(t *testing.T) {
	identity := NewUnresolvedIdentity(uuid.New())

	assert.Equal(t, UnresolvedIdentityEmail, identity.Email)
	assert.Equal(t, IdentityKindSystem, identity.Kind)
	assert.True(t, identity.IsSentinel())
}

// Agent tests
func TestAgent_Liveness(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	window := 60 * time.Second
	recent := now.Add(-10 * time.Second)
	old := now.Add(-90 * time.Second)

	tests := []struct {
		name      string
		agent     Agent
		wantStale bool
		wantAlive bool
	}{
		{"recent heartbeat", Agent{Alive: true, LastSeen: &recent}, false, true},
		{"heartbeat older than window", Agent{Alive: true, LastSeen: &old}, true, false},
		{"never seen but flagged alive", Agent{Alive: true}, true, false},
		{"recent but flagged dead", Agent{Alive: false, LastSeen: &recent}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStale, tt.agent.IsStale(now, window))
			assert.Equal(t, tt.wantAlive, tt.agent.IsAlive(now, window))
		})
	}
}

func TestAgent_WindowBoundaryIsAlive(t *testing.T) {
	now := time.Now()
	edge := now.Add(-60 * time.Second)
	agent := Agent{Alive: true, LastSeen: &edge}

	assert.False(t, agent.IsStale(now, 60*time.Second))
}

// Observation tests
func TestApprovalState(t *testing.T) {
	assert.True(t, ApprovalStatePending.IsValid())
	assert.True(t, ApprovalStateApproved.IsValid())
	assert.True(t, ApprovalStateDenied.IsValid())
	assert.False(t, ApprovalState("APPROVED:").IsValid())

	assert.False(t, ApprovalStatePending.IsFinal())
	assert.True(t, ApprovalStateApproved.IsFinal())
	assert.True(t, ApprovalStateDenied.IsFinal())
}

func TestObservation_Verdict(t *testing.T) {
	decided := time.Now()
	obs := Observation{
		ID:            uuid.New(),
		State:         ApprovalStatePending,
		RiskScore:     12,
		VerdictSource: VerdictSourceNone,
	}
	assert.Nil(t, obs.Verdict())

	obs.State = ApprovalStateDenied
	obs.Reason = "[fallback] risk service unavailable"
	obs.VerdictSource = VerdictSourceFallback
	obs.DecidedAt = &decided

	v := obs.Verdict()
	require.NotNil(t, v)
	assert.Equal(t, obs.ID, v.ObservationID)
	assert.Equal(t, ApprovalStateDenied, v.State)
	assert.Equal(t, 12, v.RiskScore)
	assert.Equal(t, decided, v.DecidedAt)
	assert.True(t, v.IsFallback())
	assert.False(t, obs.IsApproved())
}

func TestClampRiskScore(t *testing.T) {
	assert.Equal(t, 0, ClampRiskScore(-5))
	assert.Equal(t, 42, ClampRiskScore(42))
	assert.Equal(t, 100, ClampRiskScore(250))
}

// AuditLog tests
func TestNewAuditLog(t *testing.T) {
	log := NewAuditLog(AuditActionVerdictRecorded, "observation")

	assert.NotEqual(t, uuid.Nil, log.ID)
	assert.Nil(t, log.TeamID)
	assert.Equal(t, AuditActionVerdictRecorded, log.Action)
	assert.Equal(t, "observation", log.ResourceType)
	assert.False(t, log.Timestamp.IsZero())
	assert.Equal(t, "audit_logs", log.TableName())
}

func TestAuditLog_BuilderMethods(t *testing.T) {
	teamID := uuid.New()
	credID := uuid.New()
	resourceID := uuid.New()

	log := NewAuditLog(AuditActionAgentProvisioned, "agent").
		WithTeam(teamID).
		WithCredential(credID).
		WithResource(resourceID).
		WithDetails(map[string]string{"device_id": "D1"}).
		WithRequest("req-1")

	require.NotNil(t, log.TeamID)
	assert.Equal(t, teamID, *log.TeamID)
	assert.Equal(t, credID, *log.CredentialID)
	assert.Equal(t, resourceID, *log.ResourceID)
	assert.JSONEq(t, `{"device_id":"D1"}`, string(log.Details))
	assert.Equal(t, "req-1", log.RequestID)
}
