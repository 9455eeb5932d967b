package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalState is the position of an observation in the approval workflow
type ApprovalState string

const (
	ApprovalStatePending  ApprovalState = "pending"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateDenied   ApprovalState = "denied"
)

// IsValid checks if the approval state is known
func (s ApprovalState) IsValid() bool {
	switch s {
	case ApprovalStatePending, ApprovalStateApproved, ApprovalStateDenied:
		return true
	}
	return false
}

// IsFinal reports whether no further transition is allowed
func (s ApprovalState) IsFinal() bool {
	return s == ApprovalStateApproved || s == ApprovalStateDenied
}

// VerdictSource records who produced a verdict
type VerdictSource string

const (
	VerdictSourceNone     VerdictSource = ""
	VerdictSourceExternal VerdictSource = "external"
	VerdictSourceFallback VerdictSource = "fallback"
)

const (
	DefaultVendor        = "Unknown"
	DefaultInstallMethod = "manual"
	DefaultDetectedBy    = "agent"
	DefaultRiskScore     = 0
	MinRiskScore         = 0
	MaxRiskScore         = 100
)

// Observation is one (team, device, software, version) sighting and its approval verdict
type Observation struct {
	ID             uuid.UUID     `json:"id" db:"id"`
	TeamID         uuid.UUID     `json:"team_id" db:"team_id"`
	DeviceID       string        `json:"device_id" db:"device_id"`
	IdentityID     uuid.UUID     `json:"identity_id" db:"identity_id"`
	SoftwareName   string        `json:"software_name" db:"software_name"`
	Version        string        `json:"version" db:"version"`
	Vendor         string        `json:"vendor" db:"vendor"`
	InstallPath    string        `json:"install_path,omitempty" db:"install_path"`
	SHA256         string        `json:"sha256,omitempty" db:"sha256"`
	InstallMethod  string        `json:"install_method" db:"install_method"`
	DetectedBy     string        `json:"detected_by" db:"detected_by"`
	State          ApprovalState `json:"state" db:"state"`
	Reason         string        `json:"reason" db:"reason"`
	VerdictSource  VerdictSource `json:"verdict_source,omitempty" db:"verdict_source"`
	RiskScore      int           `json:"risk_score" db:"risk_score"`
	Running        bool          `json:"running" db:"running"`
	LastExecutedAt *time.Time    `json:"last_executed_at,omitempty" db:"last_executed_at"`
	DecidedAt      *time.Time    `json:"decided_at,omitempty" db:"decided_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// TableName returns the table name for the Observation model
func (Observation) TableName() string {
	return "observations"
}

// IsApproved reports whether the software is approved
func (o *Observation) IsApproved() bool {
	return o.State == ApprovalStateApproved
}

// Verdict returns the stored decision, or nil while the observation is pending
func (o *Observation) Verdict() *Verdict {
	if !o.State.IsFinal() {
		return nil
	}
	v := &Verdict{
		ObservationID: o.ID,
		State:         o.State,
		Reason:        o.Reason,
		RiskScore:     o.RiskScore,
		Source:        o.VerdictSource,
	}
	if o.DecidedAt != nil {
		v.DecidedAt = *o.DecidedAt
	}
	return v
}

// ObservationReport is the telemetry an agent sends for one piece of software
type ObservationReport struct {
	TeamID         uuid.UUID
	DeviceID       string
	IdentityID     uuid.UUID
	SoftwareName   string
	Version        string
	Vendor         string
	InstallPath    string
	SHA256         string
	Running        bool
	LastExecutedAt *time.Time
	RiskHint       *int
}

// Verdict is the outcome of the approval workflow
type Verdict struct {
	ObservationID uuid.UUID     `json:"observationId"`
	State         ApprovalState `json:"state"`
	Reason        string        `json:"reason"`
	RiskScore     int           `json:"riskScore"`
	Source        VerdictSource `json:"source"`
	DecidedAt     time.Time     `json:"decidedAt"`
}

// IsFallback reports whether the verdict was produced without the risk service
func (v *Verdict) IsFallback() bool {
	return v.Source == VerdictSourceFallback
}

// ClampRiskScore bounds a score to the 0-100 range
func ClampRiskScore(score int) int {
	if score < MinRiskScore {
		return MinRiskScore
	}
	if score > MaxRiskScore {
		return MaxRiskScore
	}
	return score
}
