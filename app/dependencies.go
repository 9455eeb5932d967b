package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/upb/fleet-control-plane/config"
	"github.com/upb/fleet-control-plane/internal/events"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/middleware"
	"github.com/upb/fleet-control-plane/repositories"
	"github.com/upb/fleet-control-plane/repositories/postgres"
	"github.com/upb/fleet-control-plane/services/approval"
	"github.com/upb/fleet-control-plane/services/approval/riskclient"
	"github.com/upb/fleet-control-plane/services/audit"
	"github.com/upb/fleet-control-plane/services/credentials"
	"github.com/upb/fleet-control-plane/services/heartbeat"
	"github.com/upb/fleet-control-plane/services/identity"
	"github.com/upb/fleet-control-plane/services/liveness"
	"github.com/upb/fleet-control-plane/services/observations"
	"github.com/upb/fleet-control-plane/session"
	"go.uber.org/zap"
)

const backgroundStopTimeout = 10 * time.Second

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config          *config.Config
	DB              *postgres.DB
	Logger          *zap.Logger
	MetricsRegistry *prometheus.Registry
	Metrics         *observability.Metrics
	Events          *events.Publisher

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Repositories
	Teams        repositories.TeamRepository
	Credentials  repositories.CredentialRepository
	Identities   repositories.IdentityRepository
	Agents       repositories.AgentRepository
	Observations repositories.ObservationRepository
	AuditLogs    repositories.AuditRepository
	TxManager    repositories.TransactionManager

	// Background workers
	Audit   *audit.AuditService
	Toucher *credentials.Toucher
	Sweeper *liveness.Sweeper

	// Services
	Gate               *credentials.Gate
	Resolver           *identity.Resolver
	Heartbeats         *heartbeat.Service
	ObservationService *observations.Service
	Liveness           *liveness.Service
	RiskClient         *riskclient.Client
	Approvals          *approval.Service

	// Auth
	Sessions       *session.Validator
	AgentAuth      *middleware.AgentAuth
	AuthMiddleware *middleware.AuthMiddleware

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewDependencies opens the database and wires every component on top of it
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	factory, err := postgres.NewRepositoryFactory(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps, err := NewDependenciesFromFactory(cfg, factory, logger)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}
	return deps, nil
}

// NewDependenciesFromFactory wires every component on an open repository factory
func NewDependenciesFromFactory(cfg *config.Config, factory *postgres.RepositoryFactory, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		RepoFactory: factory,
		DB:          factory.GetDB(),
	}

	deps.initRepositories()
	deps.initMetrics()

	if err := deps.initEvents(); err != nil {
		return nil, fmt.Errorf("failed to initialize events: %w", err)
	}

	if err := deps.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	deps.initAuth()

	logger.Info("all dependencies initialized successfully",
		zap.Bool("risk_service", deps.RiskClient.Enabled()),
		zap.Bool("events", deps.Events.Enabled()),
		zap.Bool("sweeper", cfg.Fleet.SweepEnabled))
	return deps, nil
}

// initRepositories initializes all repository instances
func (d *Dependencies) initRepositories() {
	repos := d.RepoFactory.NewRepositories()

	d.Teams = repos.Teams
	d.Credentials = repos.Credentials
	d.Identities = repos.Identities
	d.Agents = repos.Agents
	d.Observations = repos.Observations
	d.AuditLogs = repos.AuditLogs
	d.TxManager = d.RepoFactory.GetTransactionManager()
}

func (d *Dependencies) initMetrics() {
	d.MetricsRegistry = prometheus.NewRegistry()
	d.MetricsRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.MetricsRegistry)
}

// initEvents connects the NATS publisher. A broker that is down at startup
// is retried in the background instead of failing the process.
func (d *Dependencies) initEvents() error {
	publisher, err := events.NewPublisher(
		d.Config.Events.NATSURL,
		d.Config.Events.SubjectPrefix,
		d.Logger,
		nats.RetryOnFailedConnect(true),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return err
	}
	d.Events = publisher
	return nil
}

func (d *Dependencies) initServices() error {
	cfg := d.Config

	d.Audit = audit.NewAuditService(d.AuditLogs, d.Logger, d.Metrics, auditConfig(cfg.Audit))

	d.Toucher = credentials.NewToucher(d.Credentials, d.Logger, d.Metrics, cfg.Credentials.TouchWorkers, cfg.Credentials.TouchBuffer)
	d.Gate = credentials.NewGate(d.Credentials, credentials.NewHasher(cfg.Credentials.Pepper), d.Toucher, d.Metrics, d.Logger)

	resolver, err := identity.NewResolver(d.Identities, d.Agents, d.Audit, d.Logger, identity.DefaultCacheSize)
	if err != nil {
		return err
	}
	d.Resolver = resolver

	d.Heartbeats = heartbeat.NewService(d.Agents, d.Resolver, d.Audit, d.Events, d.Metrics, d.Logger)
	d.ObservationService = observations.NewService(d.Observations, d.Agents, d.Resolver, d.Audit, d.Events, d.Metrics, d.Logger)

	d.Liveness = liveness.NewService(d.Agents, d.TxManager, liveness.Config{
		Window:       cfg.Fleet.LivenessWindow,
		RecentWindow: cfg.Fleet.RecentActivityWindow,
	}, d.Logger)
	d.Sweeper = liveness.NewSweeper(d.Liveness, cfg.Fleet.SweepInterval, cfg.Fleet.SweepTimeout, d.Audit, d.Events, d.Metrics, d.Logger)

	policy, err := approval.ParseFallbackPolicy(cfg.Risk.FallbackVerdict)
	if err != nil {
		return err
	}
	d.RiskClient = riskclient.NewClient(riskclient.Config{
		URL:      cfg.Risk.URL,
		Timeout:  cfg.Risk.Timeout,
		CallerID: cfg.Risk.CallerID,
	}, d.Metrics, d.Logger)
	if !d.RiskClient.Enabled() {
		d.Logger.Warn("risk service not configured, every decision uses the fallback policy",
			zap.String("fallback", string(policy)))
	}
	d.Approvals = approval.NewService(d.Observations, d.Teams, d.RiskClient, policy, d.Audit, d.Events, d.Metrics, d.Logger)

	return nil
}

// auditConfig starts from the audit defaults and applies the positive settings of c
func auditConfig(c config.AuditConfig) audit.Config {
	out := audit.DefaultConfig()
	if c.BufferSize > 0 {
		out.BufferSize = c.BufferSize
	}
	if c.Workers > 0 {
		out.WorkerCount = c.Workers
	}
	return out
}

func (d *Dependencies) initAuth() {
	d.AgentAuth = middleware.NewAgentAuth(d.Gate, d.Logger)

	if d.Config.Session.Secret == "" {
		d.Logger.Warn("SESSION_SECRET not set, dashboard routes reject every request")
	}
	d.Sessions = session.NewValidator(session.Config{
		Secret: d.Config.Session.Secret,
		Issuer: d.Config.Session.Issuer,
	})
	d.AuthMiddleware = middleware.NewAuthMiddleware(d.Sessions, d.Logger)
}

// Start launches the background workers: the audit pool, the last-used
// toucher and, when enabled, the periodic liveness sweeper.
func (d *Dependencies) Start(ctx context.Context) error {
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}
	if err := d.Toucher.Start(); err != nil {
		return fmt.Errorf("failed to start credential toucher: %w", err)
	}

	if d.Config.Fleet.SweepEnabled {
		sweepCtx, cancel := context.WithCancel(ctx)
		d.sweepCancel = cancel
		d.sweepDone = make(chan struct{})
		go func() {
			defer close(d.sweepDone)
			if err := d.Sweeper.Start(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
				d.Logger.Error("liveness sweeper stopped", zap.Error(err))
			}
		}()
		d.Logger.Info("liveness sweeper started", zap.Duration("interval", d.Config.Fleet.SweepInterval))
	}

	return nil
}

// EventsConnected reports the broker connection state for readiness checks
func (d *Dependencies) EventsConnected() bool {
	return d.Events.Connected()
}

// Close stops the background workers and then gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.sweepCancel != nil {
		d.Sweeper.Stop()
		d.sweepCancel()
		select {
		case <-d.sweepDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("liveness sweeper did not stop: %w", ctx.Err()))
		}
	}

	if d.Toucher != nil && d.Toucher.Running() {
		if err := d.Toucher.Stop(backgroundStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop credential toucher: %w", err))
		}
	}

	if d.Audit != nil && d.Audit.GetStats().Started {
		if err := d.Audit.Stop(backgroundStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	d.Events.Close()

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	return errors.Join(errs...)
}
