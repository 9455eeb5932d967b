package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// IdentityKind distinguishes real operators from identities the system creates on its own
type IdentityKind string

const (
	IdentityKindOperator IdentityKind = "operator"
	IdentityKindDevice   IdentityKind = "device"
	IdentityKindSystem   IdentityKind = "system"
)

// UnresolvedIdentityEmail is the key of the per-team sentinel identity that owns
// observations whose reporter could not be matched to anyone.
const UnresolvedIdentityEmail = "unresolved-identity"

// Identity is the human operator (or placeholder) an agent is linked to
type Identity struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	TeamID      uuid.UUID    `json:"team_id" db:"team_id"`
	Email       string       `json:"email" db:"email"`
	DisplayName string       `json:"display_name" db:"display_name"`
	Department  string       `json:"department" db:"department"`
	Kind        IdentityKind `json:"kind" db:"kind"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Identity model
func (Identity) TableName() string {
	return "identities"
}

// NewIdentity creates a new Identity instance
func NewIdentity(teamID uuid.UUID, email, displayName string, kind IdentityKind) *Identity {
	now := time.Now()
	return &Identity{
		ID:          uuid.New(),
		TeamID:      teamID,
		Email:       email,
		DisplayName: displayName,
		Department:  "Unassigned",
		Kind:        kind,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewDeviceIdentity builds the synthetic identity used when a device shows up
// without anyone it can be attributed to.
func NewDeviceIdentity(teamID uuid.UUID, deviceID string) *Identity {
	return NewIdentity(teamID,
		fmt.Sprintf("device_%s@unknown.local", deviceID),
		fmt.Sprintf("Device %s", deviceID),
		IdentityKindDevice)
}

// NewUnresolvedIdentity builds the team's sentinel identity
func NewUnresolvedIdentity(teamID uuid.UUID) *Identity {
	return NewIdentity(teamID, UnresolvedIdentityEmail, "Unresolved identity", IdentityKindSystem)
}

// IsSentinel reports whether the identity is the team's unresolved-identity placeholder
func (i *Identity) IsSentinel() bool {
	return i.Kind == IdentityKindSystem && i.Email == UnresolvedIdentityEmail
}
