package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultAgentStatus is stored when a heartbeat carries no status
	DefaultAgentStatus = "active"

	// AgentStatusDiscovered marks agents first seen through a software report
	AgentStatusDiscovered = "discovered"
)

// Agent is the registry entry for one device within a team
type Agent struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TeamID     uuid.UUID  `json:"team_id" db:"team_id"`
	DeviceID   string     `json:"device_id" db:"device_id"`
	IdentityID *uuid.UUID `json:"identity_id,omitempty" db:"identity_id"`
	LastSeen   *time.Time `json:"last_seen,omitempty" db:"last_seen"`
	Alive      bool       `json:"alive" db:"alive"`
	Status     string     `json:"status" db:"status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Agent model
func (Agent) TableName() string {
	return "agents"
}

// IsStale reports whether the agent has to be treated as dead at now.
// An agent that has never been seen is always stale.
func (a *Agent) IsStale(now time.Time, window time.Duration) bool {
	if a.LastSeen == nil {
		return true
	}
	return a.LastSeen.Before(now.Add(-window))
}

// IsAlive is the read-time liveness rule: flagged alive and seen within the window
func (a *Agent) IsAlive(now time.Time, window time.Duration) bool {
	return a.Alive && !a.IsStale(now, window)
}

// Heartbeat describes one liveness ping to be applied to the registry
type Heartbeat struct {
	TeamID   uuid.UUID
	DeviceID string
	// IdentityID re-links the agent when set
	IdentityID *uuid.UUID
	// ProvisionIdentityID is linked only when the agent has no identity yet
	ProvisionIdentityID *uuid.UUID
	Status              *string
	SeenAt              time.Time
}

// FleetStats is the liveness summary of one team
type FleetStats struct {
	Alive            int        `json:"alive"`
	Dead             int        `json:"dead"`
	Total            int        `json:"total"`
	LastSeenOverall  *time.Time `json:"lastSeenOverall,omitempty"`
	NewlyAlive24h    int        `json:"newlyAlive24h"`
	NewlyDead24h     int        `json:"newlyDead24h"`
	NeedingAttention int        `json:"needingAttention"`
}
