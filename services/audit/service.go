package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/models"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

const dropQueue = "audit"

// AuditEvent represents an event to be audited
type AuditEvent struct {
	Log *models.AuditLog
}

// AuditService writes audit entries from a pool of background workers.
// Request paths only enqueue; a full buffer drops the entry.
type AuditService struct {
	auditRepo   repositories.AuditRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	eventChan   chan *AuditEvent
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	started     bool
	stopped     bool
	mu          sync.Mutex
}

// Config holds configuration for the AuditService
type Config struct {
	BufferSize  int // Size of the event buffer channel
	WorkerCount int // Number of concurrent workers
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:  512,
		WorkerCount: 2,
	}
}

// NewAuditService creates a new AuditService instance
func NewAuditService(auditRepo repositories.AuditRepository, logger *zap.Logger, metrics *observability.Metrics, config Config) *AuditService {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}

	return &AuditService{
		auditRepo:   auditRepo,
		logger:      logger,
		metrics:     metrics,
		eventChan:   make(chan *AuditEvent, config.BufferSize),
		workerCount: config.WorkerCount,
		bufferSize:  config.BufferSize,
	}
}

// Start starts the background workers
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}

	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.workerCount),
		zap.Int("buffer_size", s.bufferSize))

	return nil
}

// Stop stops accepting events and waits for queued ones to be written
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	pending := len(s.eventChan)
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// LogEvent queues an event without blocking
func (s *AuditService) LogEvent(event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return fmt.Errorf("audit service not running")
	}

	select {
	case s.eventChan <- event:
		return nil
	default:
		s.metrics.Dropped(dropQueue)
		s.logger.Warn("audit event channel full, dropping event",
			zap.String("action", string(event.Log.Action)),
			zap.Stringp("team_id", teamString(event.Log.TeamID)))
		return fmt.Errorf("audit event buffer full")
	}
}

func (s *AuditService) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	for event := range s.eventChan {
		if err := s.processEvent(event); err != nil {
			s.logger.Error("failed to process audit event",
				zap.Int("worker_id", id),
				zap.Error(err),
				zap.String("action", string(event.Log.Action)),
				zap.Stringp("team_id", teamString(event.Log.TeamID)))
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) processEvent(event *AuditEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.auditRepo.Insert(ctx, event.Log); err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// GetStats returns statistics about the audit service
func (s *AuditService) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		BufferSize:    s.bufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.workerCount,
		Started:       s.started && !s.stopped,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}

func teamString(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

// Convenience methods for logging fleet events

// LogAgentProvisioned records a registry entry created by a heartbeat or an observation
func (s *AuditService) LogAgentProvisioned(agent *models.Agent, credentialID *uuid.UUID, source string) error {
	log := models.NewAuditLog(models.AuditActionAgentProvisioned, "agent").
		WithTeam(agent.TeamID).
		WithResource(agent.ID).
		WithDetails(map[string]interface{}{
			"device_id": agent.DeviceID,
			"source":    source,
			"status":    agent.Status,
		})
	if credentialID != nil {
		log.WithCredential(*credentialID)
	}

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogIdentityProvisioned records a synthetic or sentinel identity created by the system
func (s *AuditService) LogIdentityProvisioned(identity *models.Identity) error {
	log := models.NewAuditLog(models.AuditActionIdentityProvisioned, "identity").
		WithTeam(identity.TeamID).
		WithResource(identity.ID).
		WithDetails(map[string]interface{}{
			"email": identity.Email,
			"kind":  identity.Kind,
		})

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogObservationCreated records the first sighting of a software version on a device
func (s *AuditService) LogObservationCreated(obs *models.Observation, credentialID *uuid.UUID) error {
	log := models.NewAuditLog(models.AuditActionObservationCreated, "observation").
		WithTeam(obs.TeamID).
		WithResource(obs.ID).
		WithDetails(map[string]interface{}{
			"device_id":     obs.DeviceID,
			"software_name": obs.SoftwareName,
			"version":       obs.Version,
		})
	if credentialID != nil {
		log.WithCredential(*credentialID)
	}

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogVerdict records a persisted verdict. Fallback verdicts get their own action
// so unverified decisions can be listed directly.
func (s *AuditService) LogVerdict(teamID uuid.UUID, verdict *models.Verdict, actorID *uuid.UUID, requestID string) error {
	action := models.AuditActionVerdictRecorded
	if verdict.IsFallback() {
		action = models.AuditActionFallbackVerdict
	}

	log := models.NewAuditLog(action, "observation").
		WithTeam(teamID).
		WithResource(verdict.ObservationID).
		WithRequest(requestID).
		WithDetails(map[string]interface{}{
			"state":      verdict.State,
			"source":     verdict.Source,
			"reason":     verdict.Reason,
			"risk_score": verdict.RiskScore,
		})
	if actorID != nil {
		log.WithActor(*actorID)
	}

	return s.LogEvent(&AuditEvent{Log: log})
}

// LogSweep records a liveness sweep that deactivated at least one agent.
// teamID is nil for fleet-wide sweeps.
func (s *AuditService) LogSweep(teamID *uuid.UUID, deactivated int64, trigger string) error {
	log := models.NewAuditLog(models.AuditActionAgentsDeactivated, "agent").
		WithDetails(map[string]interface{}{
			"deactivated": deactivated,
			"trigger":     trigger,
		})
	if teamID != nil {
		log.WithTeam(*teamID)
	}

	return s.LogEvent(&AuditEvent{Log: log})
}
