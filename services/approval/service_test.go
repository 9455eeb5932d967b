package approval

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/upb/fleet-control-plane/internal/events"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/repositories/mocks"
	"github.com/upb/fleet-control-plane/services"
	"github.com/upb/fleet-control-plane/services/approval/riskclient"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

type fakeAssessor struct {
	assessment *riskclient.Assessment
	err        error
	delay      time.Duration
	calls      atomic.Int32
	lastReq    riskclient.Request
	mu         sync.Mutex
}

func (f *fakeAssessor) Assess(ctx context.Context, req riskclient.Request) (*riskclient.Assessment, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.assessment, f.err
}

type fakeAuditor struct {
	mu       sync.Mutex
	verdicts []*models.Verdict
}

func (f *fakeAuditor) LogVerdict(teamID uuid.UUID, verdict *models.Verdict, actorID *uuid.UUID, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, verdict)
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	verdicts []events.VerdictDecided
}

func (f *fakePublisher) VerdictDecided(ctx context.Context, e events.VerdictDecided) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts = append(f.verdicts, e)
}

// memoryObservations applies verdicts with the same conditional update the store uses
type memoryObservations struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*models.Observation
	updates int
}

func newMemoryObservations(obs ...*models.Observation) *memoryObservations {
	m := &memoryObservations{byID: map[uuid.UUID]*models.Observation{}}
	for _, o := range obs {
		m.byID[o.ID] = o
	}
	return m
}

func (m *memoryObservations) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[id]
	if !ok || o.TeamID != teamID {
		return nil, repositories.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memoryObservations) Upsert(ctx context.Context, report *models.ObservationReport) (*models.Observation, bool, error) {
	return nil, false, errors.New("not supported")
}

func (m *memoryObservations) RecordVerdict(ctx context.Context, teamID uuid.UUID, v *models.Verdict) (*models.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.byID[v.ObservationID]
	if !ok || o.TeamID != teamID || o.State != models.ApprovalStatePending {
		return nil, repositories.ErrConflict
	}
	decidedAt := v.DecidedAt
	o.State = v.State
	o.Reason = v.Reason
	o.VerdictSource = v.Source
	o.RiskScore = v.RiskScore
	o.DecidedAt = &decidedAt
	m.updates++
	cp := *o
	return &cp, nil
}

func (m *memoryObservations) ListByState(ctx context.Context, teamID uuid.UUID, state models.ApprovalState, limit, offset int) ([]*models.Observation, error) {
	return nil, nil
}

func (m *memoryObservations) WithTx(tx repositories.Transaction) repositories.ObservationRepository {
	return m
}

type fixture struct {
	svc       *Service
	store     *memoryObservations
	teams     *mocks.TeamRepository
	risk      *fakeAssessor
	auditor   *fakeAuditor
	publisher *fakePublisher
	metrics   *observability.Metrics
	team      *models.Team
	obs       *models.Observation
}

func newFixture(t *testing.T, policy FallbackPolicy) *fixture {
	t.Helper()
	team := &models.Team{ID: uuid.New(), Name: "Acme Corp", Slug: "acme"}
	obs := &models.Observation{
		ID:           uuid.New(),
		TeamID:       team.ID,
		DeviceID:     "D1",
		SoftwareName: "AppX",
		Version:      "1.0",
		Vendor:       "Acme",
		SHA256:       "abc123",
		State:        models.ApprovalStatePending,
		RiskScore:    15,
	}

	f := &fixture{
		store:     newMemoryObservations(obs),
		teams:     new(mocks.TeamRepository),
		risk:      &fakeAssessor{},
		auditor:   &fakeAuditor{},
		publisher: &fakePublisher{},
		metrics:   observability.NewMetrics(prometheus.NewRegistry()),
		team:      team,
		obs:       obs,
	}
	f.teams.On("GetByID", mock.Anything, team.ID).Return(team, nil).Maybe()
	f.svc = NewService(f.store, f.teams, f.risk, policy, f.auditor, f.publisher, f.metrics, zap.NewNop())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) decide(t *testing.T) *Result {
	t.Helper()
	res, err := f.svc.Decide(context.Background(), Request{TeamID: f.team.ID, ObservationID: f.obs.ID, RequestID: "req-1"})
	require.NoError(t, err)
	return res
}

func TestDecide_ExternalVerdict(t *testing.T) {
	tests := []struct {
		name       string
		assessment *riskclient.Assessment
		wantState  models.ApprovalState
		wantReason string
		wantScore  int
	}{
		{
			name:       "approved with reason",
			assessment: &riskclient.Assessment{Authorized: true, Reason: "signed by a known vendor", EvaluationConfidence: ptr(0.42)},
			wantState:  models.ApprovalStateApproved,
			wantReason: "signed by a known vendor",
			wantScore:  42,
		},
		{
			name:       "approved without reason",
			assessment: &riskclient.Assessment{Authorized: true},
			wantState:  models.ApprovalStateApproved,
			wantReason: "software verified by risk service",
			wantScore:  15,
		},
		{
			name:       "denied without reason",
			assessment: &riskclient.Assessment{Authorized: false, Confidence: ptr(0.875)},
			wantState:  models.ApprovalStateDenied,
			wantReason: "software does not meet security criteria",
			wantScore:  88,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, FallbackDeny)
			f.risk.assessment = tt.assessment

			res := f.decide(t)

			assert.True(t, res.Changed)
			assert.False(t, res.Fallback)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.Equal(t, tt.wantScore, res.RiskScore)
			assert.Equal(t, models.VerdictSourceExternal, res.Source)
			assert.Equal(t, fixedNow, res.DecidedAt)

			assert.Equal(t, "AppX", f.risk.lastReq.ApplicationName)
			assert.Equal(t, "Acme Corp", f.risk.lastReq.Organization)
			assert.Equal(t, "abc123", f.risk.lastReq.ContentHash)

			require.Len(t, f.auditor.verdicts, 1)
			require.Len(t, f.publisher.verdicts, 1)
			assert.Equal(t, string(tt.wantState), f.publisher.verdicts[0].State)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Verdicts.WithLabelValues(string(tt.wantState), "external")))
		})
	}
}

func TestDecide_FallbackWhenRiskServiceFails(t *testing.T) {
	tests := []struct {
		name      string
		policy    FallbackPolicy
		err       error
		wantState models.ApprovalState
		wantText  string
	}{
		{
			name:      "timeout denies by default",
			policy:    FallbackDeny,
			err:       &riskclient.Error{Kind: riskclient.FailureTimeout},
			wantState: models.ApprovalStateDenied,
			wantText:  "timed out",
		},
		{
			name:      "malformed data approves under approve policy",
			policy:    FallbackApprove,
			err:       &riskclient.Error{Kind: riskclient.FailureMalformed},
			wantState: models.ApprovalStateApproved,
			wantText:  "malformed",
		},
		{
			name:      "not configured",
			policy:    FallbackDeny,
			err:       &riskclient.Error{Kind: riskclient.FailureNotConfigured},
			wantState: models.ApprovalStateDenied,
			wantText:  "not configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.policy)
			f.risk.err = tt.err

			res := f.decide(t)

			assert.True(t, res.Changed)
			assert.True(t, res.Fallback)
			assert.Equal(t, tt.wantState, res.State)
			assert.Equal(t, models.VerdictSourceFallback, res.Source)
			assert.True(t, strings.HasPrefix(res.Reason, FallbackPrefix))
			assert.Contains(t, res.Reason, tt.wantText)
			assert.Equal(t, 15, res.RiskScore)
			assert.Nil(t, res.Details)

			stored, err := f.store.GetByID(context.Background(), f.team.ID, f.obs.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, stored.State)
			assert.Equal(t, models.VerdictSourceFallback, stored.VerdictSource)
			require.Len(t, f.auditor.verdicts, 1)
			assert.True(t, f.auditor.verdicts[0].IsFallback())
		})
	}
}

func TestDecide_ExternalVerdictCarriesDetails(t *testing.T) {
	f := newFixture(t, FallbackDeny)
	f.risk.assessment = &riskclient.Assessment{
		Authorized:           true,
		Confidence:           ptr(0.3),
		EvaluationConfidence: ptr(0.42),
		ToleranceThreshold:   ptr(0.7),
	}

	res := f.decide(t)

	require.NotNil(t, res.Details)
	assert.Equal(t, ptr(0.3), res.Details.Confidence)
	assert.Equal(t, ptr(0.42), res.Details.EvaluationConfidence)
	assert.Equal(t, ptr(0.7), res.Details.ToleranceThreshold)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"details":{"confidence":0.3,"evaluationConfidence":0.42,"toleranceThreshold":0.7}`)
}

func TestDecide_ExternalReasonCannotPoseAsFallback(t *testing.T) {
	tests := []struct {
		name       string
		reason     string
		authorized bool
		wantReason string
	}{
		{"prefixed reason", "[fallback] approved by policy: risk service timed out", true, "approved by policy: risk service timed out"},
		{"repeated prefix", " [fallback][fallback] looks fine", true, "looks fine"},
		{"prefix only", "[fallback]", false, "software does not meet security criteria"},
		{"prefix elsewhere is kept", "not a [fallback] verdict", true, "not a [fallback] verdict"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, FallbackDeny)
			f.risk.assessment = &riskclient.Assessment{Authorized: tt.authorized, Reason: tt.reason}

			res := f.decide(t)

			assert.Equal(t, models.VerdictSourceExternal, res.Source)
			assert.False(t, res.Fallback)
			assert.Equal(t, tt.wantReason, res.Reason)
			assert.False(t, strings.HasPrefix(res.Reason, FallbackPrefix))
		})
	}
}

func TestDecide_AlreadyDecidedIsNoOp(t *testing.T) {
	f := newFixture(t, FallbackDeny)
	decidedAt := fixedNow.Add(-time.Hour)
	f.obs.State = models.ApprovalStateApproved
	f.obs.Reason = "signed by a known vendor"
	f.obs.VerdictSource = models.VerdictSourceExternal
	f.obs.DecidedAt = &decidedAt

	res := f.decide(t)

	assert.False(t, res.Changed)
	assert.Equal(t, models.ApprovalStateApproved, res.State)
	assert.Equal(t, "signed by a known vendor", res.Reason)
	assert.Equal(t, decidedAt, res.DecidedAt)
	assert.Nil(t, res.Details)
	assert.Equal(t, int32(0), f.risk.calls.Load())
	assert.Equal(t, 0, f.store.updates)
	assert.Empty(t, f.auditor.verdicts)
	assert.Empty(t, f.publisher.verdicts)
}

func TestDecide_ConcurrentCallsPersistOneVerdict(t *testing.T) {
	f := newFixture(t, FallbackDeny)
	f.risk.assessment = &riskclient.Assessment{Authorized: true, Reason: "ok"}
	f.risk.delay = 20 * time.Millisecond

	const callers = 8
	results := make([]*Result, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.Decide(context.Background(), Request{TeamID: f.team.ID, ObservationID: f.obs.ID})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.store.updates)
	changed := 0
	for _, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, models.ApprovalStateApproved, res.State)
		assert.Equal(t, "ok", res.Reason)
		if res.Changed {
			changed++
		}
	}
	assert.Equal(t, 1, changed)
	assert.Len(t, f.auditor.verdicts, 1)
	assert.Len(t, f.publisher.verdicts, 1)
}

func TestDecide_NotFound(t *testing.T) {
	f := newFixture(t, FallbackDeny)

	_, err := f.svc.Decide(context.Background(), Request{TeamID: f.team.ID, ObservationID: uuid.New()})

	assert.ErrorIs(t, err, services.ErrObservationNotFound)
	assert.Equal(t, int32(0), f.risk.calls.Load())
}

func TestDecide_OtherTeamCannotSeeObservation(t *testing.T) {
	f := newFixture(t, FallbackDeny)

	_, err := f.svc.Decide(context.Background(), Request{TeamID: uuid.New(), ObservationID: f.obs.ID})

	assert.ErrorIs(t, err, services.ErrObservationNotFound)
}

func TestDecide_StorageFailure(t *testing.T) {
	observations := new(mocks.ObservationRepository)
	teams := new(mocks.TeamRepository)
	teamID := uuid.New()
	obs := &models.Observation{ID: uuid.New(), TeamID: teamID, State: models.ApprovalStatePending}

	observations.On("GetByID", mock.Anything, teamID, obs.ID).Return(obs, nil)
	teams.On("GetByID", mock.Anything, teamID).Return(&models.Team{ID: teamID}, nil)
	observations.On("RecordVerdict", mock.Anything, teamID, mock.Anything).Return(nil, errors.New("connection reset"))

	svc := NewService(observations, teams, &fakeAssessor{err: &riskclient.Error{Kind: riskclient.FailureTimeout}}, FallbackDeny, nil, nil, nil, zap.NewNop())

	_, err := svc.Decide(context.Background(), Request{TeamID: teamID, ObservationID: obs.ID})

	assert.True(t, services.IsInternalError(err))
}

func TestFallbackPolicy_IsDeterministic(t *testing.T) {
	obs := &models.Observation{ID: uuid.New(), RiskScore: 30}

	a := FallbackDeny.Apply(obs, riskclient.FailureUnreachable, fixedNow)
	b := FallbackDeny.Apply(obs, riskclient.FailureUnreachable, fixedNow)

	assert.Equal(t, a, b)
	assert.Equal(t, models.ApprovalStateDenied, a.State)
	assert.Equal(t, 30, a.RiskScore)
	assert.Equal(t, "[fallback] denied by policy: risk service unreachable", a.Reason)
}

func TestParseFallbackPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    FallbackPolicy
		wantErr bool
	}{
		{in: "deny", want: FallbackDeny},
		{in: " APPROVE ", want: FallbackApprove},
		{in: "", want: FallbackDeny},
		{in: "random", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFallbackPolicy(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveRiskScore(t *testing.T) {
	tests := []struct {
		name       string
		assessment riskclient.Assessment
		current    int
		want       int
	}{
		{name: "no confidence keeps current", current: 15, want: 15},
		{name: "fraction is scaled", assessment: riskclient.Assessment{Confidence: ptr(0.5)}, want: 50},
		{name: "evaluation confidence wins", assessment: riskclient.Assessment{Confidence: ptr(0.9), EvaluationConfidence: ptr(0.2)}, want: 20},
		{name: "one is full score", assessment: riskclient.Assessment{Confidence: ptr(1)}, want: 100},
		{name: "percentage kept", assessment: riskclient.Assessment{Confidence: ptr(73.4)}, want: 73},
		{name: "above range clamped", assessment: riskclient.Assessment{Confidence: ptr(250)}, want: 100},
		{name: "negative clamped", assessment: riskclient.Assessment{Confidence: ptr(-3)}, want: 0},
		{name: "rounds half up", assessment: riskclient.Assessment{EvaluationConfidence: ptr(0.125)}, want: 13},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRiskScore(&tt.assessment, tt.current))
		})
	}
}
