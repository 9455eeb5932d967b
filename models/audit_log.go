package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of action being audited
type AuditAction string

const (
	AuditActionAgentProvisioned    AuditAction = "agent_provisioned"
	AuditActionIdentityProvisioned AuditAction = "identity_provisioned"
	AuditActionObservationCreated  AuditAction = "observation_created"
	AuditActionVerdictRecorded     AuditAction = "verdict_recorded"
	AuditActionFallbackVerdict     AuditAction = "fallback_verdict"
	AuditActionAgentsDeactivated   AuditAction = "agents_deactivated"
	AuditActionTeamCreated         AuditAction = "team_created"
	AuditActionCredentialIssued    AuditAction = "credential_issued"
)

// AuditLog represents an audit trail entry
type AuditLog struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TeamID       *uuid.UUID      `json:"team_id,omitempty" db:"team_id"` // nil for fleet-wide events such as sweeps
	CredentialID *uuid.UUID      `json:"credential_id,omitempty" db:"credential_id"`
	ActorID      *uuid.UUID      `json:"actor_id,omitempty" db:"actor_id"`
	Action       AuditAction     `json:"action" db:"action"`
	ResourceType string          `json:"resource_type" db:"resource_type"` // agent, observation, identity, team, credential
	ResourceID   *uuid.UUID      `json:"resource_id,omitempty" db:"resource_id"`
	Details      json.RawMessage `json:"details" db:"details"`
	RequestID    string          `json:"request_id" db:"request_id"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// TableName returns the table name for the AuditLog model
func (AuditLog) TableName() string {
	return "audit_logs"
}

// NewAuditLog creates a new AuditLog instance
func NewAuditLog(action AuditAction, resourceType string) *AuditLog {
	return &AuditLog{
		ID:           uuid.New(),
		Action:       action,
		ResourceType: resourceType,
		Timestamp:    time.Now(),
	}
}

// WithTeam scopes the entry to a team
func (a *AuditLog) WithTeam(teamID uuid.UUID) *AuditLog {
	a.TeamID = &teamID
	return a
}

// WithCredential sets the agent credential that caused the event
func (a *AuditLog) WithCredential(credentialID uuid.UUID) *AuditLog {
	a.CredentialID = &credentialID
	return a
}

// WithActor sets the dashboard user that caused the event
func (a *AuditLog) WithActor(actorID uuid.UUID) *AuditLog {
	a.ActorID = &actorID
	return a
}

// WithResource sets the resource ID
func (a *AuditLog) WithResource(resourceID uuid.UUID) *AuditLog {
	a.ResourceID = &resourceID
	return a
}

// WithDetails sets the details
func (a *AuditLog) WithDetails(details interface{}) *AuditLog {
	if data, err := json.Marshal(details); err == nil {
		a.Details = data
	}
	return a
}

// WithRequest sets the request correlation id
func (a *AuditLog) WithRequest(requestID string) *AuditLog {
	a.RequestID = requestID
	return a
}
