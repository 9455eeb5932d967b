// Package approval drives pending observations to an approved or denied verdict.
package approval

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/internal/events"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/services/approval/riskclient"
	"go.uber.org/zap"
)

const (
	reasonApproved = "software verified by risk service"
	reasonDenied   = "software does not meet security criteria"
)

// Assessor is the external risk-scoring collaborator
type Assessor interface {
	Assess(ctx context.Context, req riskclient.Request) (*riskclient.Assessment, error)
}

// VerdictAuditor records persisted verdicts
type VerdictAuditor interface {
	LogVerdict(teamID uuid.UUID, verdict *models.Verdict, actorID *uuid.UUID, requestID string) error
}

// VerdictPublisher announces persisted verdicts
type VerdictPublisher interface {
	VerdictDecided(ctx context.Context, e events.VerdictDecided)
}

// Request names the observation to decide and who asked
type Request struct {
	TeamID        uuid.UUID
	ObservationID uuid.UUID
	ActorID       *uuid.UUID
	RequestID     string
}

// Result is the verdict returned to the caller
type Result struct {
	ObservationID uuid.UUID            `json:"observationId"`
	State         models.ApprovalState `json:"state"`
	Reason        string               `json:"reason"`
	RiskScore     int                  `json:"riskScore"`
	Source        models.VerdictSource `json:"source"`
	Fallback      bool                 `json:"fallback"`
	DecidedAt     time.Time            `json:"decidedAt"`
	// Details echoes the risk service's scoring inputs. It is set only when
	// this call reached the risk service; stored verdicts do not keep it.
	Details *AssessmentDetails `json:"details,omitempty"`

	// Changed is false when the observation had already been decided
	Changed bool `json:"-"`
}

// AssessmentDetails carries the raw confidence figures of an external verdict
type AssessmentDetails struct {
	Confidence           *float64 `json:"confidence"`
	EvaluationConfidence *float64 `json:"evaluationConfidence"`
	ToleranceThreshold   *float64 `json:"toleranceThreshold"`
}

func newAssessmentDetails(a *riskclient.Assessment) *AssessmentDetails {
	if a == nil {
		return nil
	}
	return &AssessmentDetails{
		Confidence:           a.Confidence,
		EvaluationConfidence: a.EvaluationConfidence,
		ToleranceThreshold:   a.ToleranceThreshold,
	}
}

func newResult(v *models.Verdict, changed bool) *Result {
	return &Result{
		ObservationID: v.ObservationID,
		State:         v.State,
		Reason:        v.Reason,
		RiskScore:     v.RiskScore,
		Source:        v.Source,
		Fallback:      v.IsFallback(),
		DecidedAt:     v.DecidedAt,
		Changed:       changed,
	}
}

// Service is the approval workflow
type Service struct {
	observations repositories.ObservationRepository
	teams        repositories.TeamRepository
	risk         Assessor
	fallback     FallbackPolicy
	audit        VerdictAuditor
	publisher    VerdictPublisher
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
}

// NewService creates a new approval service
func NewService(
	observations repositories.ObservationRepository,
	teams repositories.TeamRepository,
	risk Assessor,
	fallback FallbackPolicy,
	audit VerdictAuditor,
	publisher VerdictPublisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Service {
	if fallback == "" {
		fallback = FallbackDeny
	}
	return &Service{
		observations: observations,
		teams:        teams,
		risk:         risk,
		fallback:     fallback,
		audit:        audit,
		publisher:    publisher,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
	}
}

// Decide moves a pending observation to approved or denied. An observation
// that is already decided returns its stored verdict untouched. A risk service
// failure never surfaces: the fallback policy decides instead.
func (s *Service) Decide(ctx context.Context, req Request) (*Result, error) {
	obs, err := s.load(ctx, req.TeamID, req.ObservationID)
	if err != nil {
		return nil, err
	}
	if stored := obs.Verdict(); stored != nil {
		return newResult(stored, false), nil
	}

	team, err := s.teams.GetByID(ctx, req.TeamID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrTeamNotFound
		}
		return nil, services.WrapInternal("failed to load team", err)
	}

	verdict, assessment := s.evaluate(ctx, obs, team)

	persisted, err := s.observations.RecordVerdict(ctx, req.TeamID, verdict)
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return s.lostRace(ctx, req)
		}
		return nil, services.WrapInternal("failed to record verdict", err)
	}

	final := persisted.Verdict()
	if final == nil {
		final = verdict
	}

	s.metrics.VerdictRecorded(string(final.State), string(final.Source))
	s.logger.Info("verdict recorded",
		zap.String("team_id", req.TeamID.String()),
		zap.String("observation_id", final.ObservationID.String()),
		zap.String("state", string(final.State)),
		zap.String("source", string(final.Source)),
		zap.Int("risk_score", final.RiskScore),
		zap.String("request_id", req.RequestID))

	if s.audit != nil {
		_ = s.audit.LogVerdict(req.TeamID, final, req.ActorID, req.RequestID)
	}
	if s.publisher != nil {
		s.publisher.VerdictDecided(ctx, events.VerdictDecided{
			TeamID:        req.TeamID,
			ObservationID: final.ObservationID,
			State:         string(final.State),
			Source:        string(final.Source),
			Reason:        final.Reason,
			RiskScore:     final.RiskScore,
			DecidedAt:     final.DecidedAt,
		})
	}

	result := newResult(final, true)
	if final.Source == models.VerdictSourceExternal {
		result.Details = newAssessmentDetails(assessment)
	}
	return result, nil
}

// evaluate asks the risk service for a verdict, falling back to the policy on
// failure. The assessment is nil for fallback verdicts.
func (s *Service) evaluate(ctx context.Context, obs *models.Observation, team *models.Team) (*models.Verdict, *riskclient.Assessment) {
	decidedAt := s.now().UTC()

	assessment, err := s.risk.Assess(ctx, riskclient.Request{
		ApplicationName: obs.SoftwareName,
		Organization:    team.Name,
		Vendor:          obs.Vendor,
		Version:         obs.Version,
		ContentHash:     obs.SHA256,
		RequestedAt:     decidedAt,
	})
	if err != nil {
		kind := riskclient.KindOf(err)
		s.logger.Warn("applying fallback verdict",
			zap.String("observation_id", obs.ID.String()),
			zap.String("policy", string(s.fallback)),
			zap.String("failure", string(kind)))
		return s.fallback.Apply(obs, kind, decidedAt), nil
	}

	state := models.ApprovalStateDenied
	reason := stripFallbackPrefix(assessment.Reason)
	if assessment.Authorized {
		state = models.ApprovalStateApproved
	}
	if reason == "" {
		reason = reasonDenied
		if assessment.Authorized {
			reason = reasonApproved
		}
	}

	return &models.Verdict{
		ObservationID: obs.ID,
		State:         state,
		Reason:        reason,
		RiskScore:     DeriveRiskScore(assessment, obs.RiskScore),
		Source:        models.VerdictSourceExternal,
		DecidedAt:     decidedAt,
	}, assessment
}

// stripFallbackPrefix keeps FallbackPrefix reserved for policy verdicts, so an
// external reason can never be mistaken for one
func stripFallbackPrefix(reason string) string {
	for {
		trimmed := strings.TrimSpace(reason)
		if !strings.HasPrefix(trimmed, FallbackPrefix) {
			return trimmed
		}
		reason = strings.TrimPrefix(trimmed, FallbackPrefix)
	}
}

// lostRace returns the verdict written by whoever moved the observation out of pending first
func (s *Service) lostRace(ctx context.Context, req Request) (*Result, error) {
	obs, err := s.load(ctx, req.TeamID, req.ObservationID)
	if err != nil {
		return nil, err
	}
	stored := obs.Verdict()
	if stored == nil {
		return nil, services.ErrConcurrentUpdate
	}

	s.logger.Debug("observation decided concurrently",
		zap.String("observation_id", req.ObservationID.String()),
		zap.String("state", string(stored.State)))
	return newResult(stored, false), nil
}

func (s *Service) load(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error) {
	obs, err := s.observations.GetByID(ctx, teamID, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, services.ErrObservationNotFound
		}
		return nil, services.WrapInternal("failed to get observation", err)
	}
	return obs, nil
}

// DeriveRiskScore turns the risk service's confidence into a 0-100 score.
// evaluationConfidence wins over confidence; fractions are scaled by 100.
// Without either value the current score is kept.
func DeriveRiskScore(a *riskclient.Assessment, current int) int {
	var value *float64
	switch {
	case a.EvaluationConfidence != nil:
		value = a.EvaluationConfidence
	case a.Confidence != nil:
		value = a.Confidence
	default:
		return current
	}

	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return current
	}
	if v >= 0 && v <= 1 {
		v *= 100
	}
	v = math.Max(models.MinRiskScore, math.Min(models.MaxRiskScore, v))
	return models.ClampRiskScore(int(math.Round(v)))
}
