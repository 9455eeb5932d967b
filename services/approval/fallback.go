package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/services/approval/riskclient"
)

// FallbackPrefix tags every reason written without the risk service
const FallbackPrefix = "[fallback]"

// FallbackPolicy decides an observation when the risk service gave no usable answer
type FallbackPolicy string

const (
	FallbackDeny    FallbackPolicy = "deny"
	FallbackApprove FallbackPolicy = "approve"
)

// ParseFallbackPolicy maps a configuration value to a policy
func ParseFallbackPolicy(s string) (FallbackPolicy, error) {
	switch p := FallbackPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case FallbackDeny, FallbackApprove:
		return p, nil
	case "":
		return FallbackDeny, nil
	}
	return "", fmt.Errorf("unknown fallback policy %q", s)
}

// Apply builds the fallback verdict. It depends only on its arguments: the
// same observation and failure always yield the same state and reason.
func (p FallbackPolicy) Apply(obs *models.Observation, failure riskclient.FailureKind, decidedAt time.Time) *models.Verdict {
	state := models.ApprovalStateDenied
	if p == FallbackApprove {
		state = models.ApprovalStateApproved
	}

	return &models.Verdict{
		ObservationID: obs.ID,
		State:         state,
		Reason:        fmt.Sprintf("%s %s by policy: %s", FallbackPrefix, state, describeFailure(failure)),
		RiskScore:     obs.RiskScore,
		Source:        models.VerdictSourceFallback,
		DecidedAt:     decidedAt,
	}
}

func describeFailure(kind riskclient.FailureKind) string {
	switch kind {
	case riskclient.FailureNotConfigured:
		return "risk service not configured"
	case riskclient.FailureTimeout:
		return "risk service timed out"
	case riskclient.FailureBadStatus:
		return "risk service returned an error"
	case riskclient.FailureMalformed:
		return "risk service returned malformed data"
	default:
		return "risk service unreachable"
	}
}
