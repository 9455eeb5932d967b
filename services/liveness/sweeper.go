package liveness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/internal/events"
	"github.com/upb/fleet-control-plane/internal/observability"
	"go.uber.org/zap"
)

// Sweep triggers
const (
	TriggerSchedule = "schedule"
	TriggerAgent    = "agent"
)

// SweepResult is the outcome of one RunOnce call
type SweepResult struct {
	Deactivated int64     `json:"deactivated"`
	Skipped     bool      `json:"skipped"`
	RanAt       time.Time `json:"ranAt"`
}

// SweepAuditor records sweeps that changed something
type SweepAuditor interface {
	LogSweep(teamID *uuid.UUID, deactivated int64, trigger string) error
}

// SweepPublisher announces completed sweeps
type SweepPublisher interface {
	SweepCompleted(ctx context.Context, e events.SweepCompleted)
}

// Sweeper runs Service.Sweep on a fixed period. At most one sweep runs at a
// time: a tick or an on-demand request that finds one in flight is skipped.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	timeout   time.Duration
	audit     SweepAuditor
	publisher SweepPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	running   atomic.Bool
	done      chan struct{}
	stopped   atomic.Bool
}

// NewSweeper creates a sweeper. timeout bounds every run.
func NewSweeper(service *Service, interval, timeout time.Duration, audit SweepAuditor, publisher SweepPublisher, metrics *observability.Metrics, logger *zap.Logger) *Sweeper {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sweeper{
		service:   service,
		interval:  interval,
		timeout:   timeout,
		audit:     audit,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start sweeps once and then on every tick until ctx is cancelled or Stop is called
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("starting liveness sweeper",
		zap.Duration("interval", s.interval),
		zap.Duration("timeout", s.timeout))

	s.RunOnce(ctx, TriggerSchedule)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("context canceled, stopping sweeper")
			return ctx.Err()
		case <-s.done:
			s.logger.Info("received done signal, stopping sweeper")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx, TriggerSchedule)
		}
	}
}

// Stop ends the Start loop. Safe to call more than once.
func (s *Sweeper) Stop() {
	if s.stopped.CompareAndSwap(false, true) {
		close(s.done)
	}
}

// RunOnce sweeps unless a sweep is already running.
func (s *Sweeper) RunOnce(ctx context.Context, trigger string) (SweepResult, error) {
	ranAt := time.Now().UTC()

	if !s.running.CompareAndSwap(false, true) {
		s.metrics.SweepRun("skipped", 0)
		s.logger.Debug("sweep already running, skipping", zap.String("trigger", trigger))
		return SweepResult{Skipped: true, RanAt: ranAt}, nil
	}
	defer s.running.Store(false)

	sweepCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.service.Sweep(sweepCtx)
	if err != nil {
		s.metrics.SweepRun("error", 0)
		s.logger.Error("liveness sweep failed", zap.String("trigger", trigger), zap.Error(err))
		return SweepResult{RanAt: ranAt}, err
	}

	s.metrics.SweepRun("ok", n)
	s.logger.Debug("liveness sweep completed",
		zap.String("trigger", trigger),
		zap.Int64("deactivated", n))

	if n > 0 && s.audit != nil {
		_ = s.audit.LogSweep(nil, n, trigger)
	}
	if s.publisher != nil {
		s.publisher.SweepCompleted(ctx, events.SweepCompleted{Deactivated: n, RanAt: ranAt, Trigger: trigger})
	}

	return SweepResult{Deactivated: n, RanAt: ranAt}, nil
}
