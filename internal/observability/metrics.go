package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the fleet control plane.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Heartbeats          *prometheus.CounterVec
	Observations        *prometheus.CounterVec
	Verdicts            *prometheus.CounterVec
	RiskRequests        *prometheus.CounterVec
	RiskRequestDuration prometheus.Histogram
	SweepRuns           *prometheus.CounterVec
	SweepDeactivated    prometheus.Counter
	CredentialChecks    *prometheus.CounterVec
	AsyncDropped        *prometheus.CounterVec
}

// NewMetrics registers all collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		Heartbeats: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_heartbeats_total",
			Help: "Heartbeats applied to the agent registry",
		}, []string{"result"}),
		Observations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_observations_total",
			Help: "Software observations accepted",
		}, []string{"result"}),
		Verdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_verdicts_total",
			Help: "Verdicts persisted by the approval workflow",
		}, []string{"state", "source"}),
		RiskRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_risk_requests_total",
			Help: "Calls to the external risk service",
		}, []string{"outcome"}),
		RiskRequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleet_risk_request_duration_seconds",
			Help:    "Latency of calls to the external risk service",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 30},
		}),
		SweepRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_sweep_runs_total",
			Help: "Liveness sweep runs by outcome",
		}, []string{"outcome"}),
		SweepDeactivated: factory.NewCounter(prometheus.CounterOpts{
			Name: "fleet_sweep_deactivated_total",
			Help: "Agents flipped to dead by sweeps",
		}),
		CredentialChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_credential_checks_total",
			Help: "Agent credential validations by result",
		}, []string{"result"}),
		AsyncDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_async_dropped_total",
			Help: "Background jobs dropped because their queue was full",
		}, []string{"queue"}),
	}
}

func createdLabel(created bool) string {
	if created {
		return "created"
	}
	return "updated"
}

// HeartbeatRecorded counts one applied heartbeat
func (m *Metrics) HeartbeatRecorded(created bool) {
	if m == nil {
		return
	}
	m.Heartbeats.WithLabelValues(createdLabel(created)).Inc()
}

// ObservationRecorded counts one accepted observation
func (m *Metrics) ObservationRecorded(created bool) {
	if m == nil {
		return
	}
	m.Observations.WithLabelValues(createdLabel(created)).Inc()
}

// VerdictRecorded counts one persisted verdict
func (m *Metrics) VerdictRecorded(state, source string) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(state, source).Inc()
}

// RiskRequest records the outcome ("ok" or "error") and latency of a risk service call
func (m *Metrics) RiskRequest(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.RiskRequests.WithLabelValues(outcome).Inc()
	m.RiskRequestDuration.Observe(took.Seconds())
}

// SweepRun records a sweep outcome ("ok", "error" or "skipped")
func (m *Metrics) SweepRun(outcome string, deactivated int64) {
	if m == nil {
		return
	}
	m.SweepRuns.WithLabelValues(outcome).Inc()
	if deactivated > 0 {
		m.SweepDeactivated.Add(float64(deactivated))
	}
}

// CredentialCheck records a credential validation result
func (m *Metrics) CredentialCheck(result string) {
	if m == nil {
		return
	}
	m.CredentialChecks.WithLabelValues(result).Inc()
}

// Dropped counts a background job that did not fit in its queue
func (m *Metrics) Dropped(queue string) {
	if m == nil {
		return
	}
	m.AsyncDropped.WithLabelValues(queue).Inc()
}
