package models

import (
	"time"

	"github.com/google/uuid"
)

// Credential is an agent API key. Only the one-way hash of the secret is stored.
type Credential struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TeamID     uuid.UUID  `json:"team_id" db:"team_id"`
	Name       string     `json:"name" db:"name"`
	KeyHash    string     `json:"-" db:"key_hash"` // Never expose in JSON
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// TableName returns the table name for the Credential model
func (Credential) TableName() string {
	return "credentials"
}

// NewCredential creates a new Credential instance
func NewCredential(teamID uuid.UUID, name, keyHash string) *Credential {
	return &Credential{
		ID:        uuid.New(),
		TeamID:    teamID,
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: time.Now(),
	}
}
