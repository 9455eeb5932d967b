package models

import (
	"time"

	"github.com/google/uuid"
)

// Team is the tenant boundary. Every agent, identity, credential and observation belongs to exactly one team.
type Team struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Slug      string    `json:"slug" db:"slug"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Team model
func (Team) TableName() string {
	return "teams"
}

// NewTeam creates a new Team instance
func NewTeam(name, slug string) *Team {
	now := time.Now()
	return &Team{
		ID:        uuid.New(),
		Name:      name,
		Slug:      slug,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
