package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/fleet-control-plane/app"
	"github.com/upb/fleet-control-plane/handlers"
	"github.com/upb/fleet-control-plane/internal/observability"
	fleetmw "github.com/upb/fleet-control-plane/middleware"
	"github.com/upb/fleet-control-plane/session"
	"github.com/upb/fleet-control-plane/utils"
)

const requestTimeout = 60 * time.Second

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	if deps.Config.Observability.TracingEnabled {
		r.Use(observability.HTTPMiddleware(deps.Config.Observability.ServiceName))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.HTTP.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", fleetmw.APIKeyHeader},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	health := handlers.NewHealthHandler(deps.DB.DB, deps.EventsConnected, deps.Logger)
	agents := handlers.NewAgentHandler(deps.Heartbeats, deps.Sweeper, deps.Liveness, deps.Liveness, deps.Logger)
	observations := handlers.NewObservationHandler(deps.ObservationService, deps.Approvals, deps.Logger)

	r.Get("/health", health.HandleHealth)
	r.Get("/health/live", health.HandleHealth)
	r.Get("/health/ready", health.HandleReadiness)

	if deps.Config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Agent routes, authenticated by credential
		r.Group(func(r chi.Router) {
			r.Use(agentRateLimit(deps.Config.HTTP.AgentRateLimitPerMinute))
			r.Use(deps.AgentAuth.RequireAgent)

			r.Post("/agents/heartbeat", agents.HandleHeartbeat)
			r.Post("/agents/check-activity", agents.HandleCheckActivity)
			r.Post("/software/observations", observations.HandleCreate)
		})

		// Dashboard routes, authenticated by session
		r.Group(func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)

			r.Get("/agents", agents.HandleListAgents)
			r.Get("/agents/stats", agents.HandleStats)
			r.Get("/agents/{id}", agents.HandleGetAgent)
			r.Get("/software/observations", observations.HandleList)
			r.Get("/software/observations/{id}", observations.HandleGet)

			r.With(deps.AuthMiddleware.RequireRole(session.RoleAdmin)).
				Post("/software/observations/{id}/decide", observations.HandleDecide)
		})
	})

	return r
}

// agentRateLimit limits agent traffic per client IP. A non-positive limit disables it.
func agentRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			_ = utils.WriteTooManyRequests(w, "Agent rate limit exceeded")
		}),
	)
}
