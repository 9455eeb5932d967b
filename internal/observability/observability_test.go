package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "json info", level: "info", format: "json"},
		{name: "console debug", level: "debug", format: "console"},
		{name: "default format", level: "warn", format: ""},
		{name: "uppercase level", level: "ERROR", format: "json"},
		{name: "unknown level", level: "loud", format: "json", wantErr: true},
		{name: "unknown format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.HeartbeatRecorded(true)
	m.HeartbeatRecorded(false)
	m.HeartbeatRecorded(false)
	m.VerdictRecorded("denied", "fallback")
	m.SweepRun("ok", 3)
	m.SweepRun("skipped", 0)
	m.CredentialCheck("invalid")
	m.Dropped("audit")
	m.RiskRequest("error", 150*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Heartbeats.WithLabelValues("created")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Heartbeats.WithLabelValues("updated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Verdicts.WithLabelValues("denied", "fallback")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.SweepDeactivated))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SweepRuns.WithLabelValues("skipped")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CredentialChecks.WithLabelValues("invalid")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.AsyncDropped.WithLabelValues("audit")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RiskRequests.WithLabelValues("error")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.HeartbeatRecorded(true)
		m.ObservationRecorded(false)
		m.VerdictRecorded("approved", "external")
		m.RiskRequest("ok", time.Second)
		m.SweepRun("ok", 1)
		m.CredentialCheck("valid")
		m.Dropped("credential_touch")
	})
}

func TestInitTracing_Disabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracing_InvalidEndpoint(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Endpoint: "http://", ServiceName: "fleet"})
	assert.Error(t, err)
}

func TestHTTPMiddleware_PassesThrough(t *testing.T) {
	handler := HTTPMiddleware("fleet")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}
