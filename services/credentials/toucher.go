package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/fleet-control-plane/internal/observability"
	"github.com/upb/fleet-control-plane/repositories"
	"go.uber.org/zap"
)

const dropQueue = "credential_touch"

type touchJob struct {
	credentialID uuid.UUID
	usedAt       time.Time
}

// Toucher stamps credentials.last_used_at from background workers
// so a slow or failing write never reaches the request that authenticated.
type Toucher struct {
	repo        repositories.CredentialRepository
	logger      *zap.Logger
	metrics     *observability.Metrics
	jobs        chan touchJob
	workerCount int
	wg          sync.WaitGroup
	mu          sync.Mutex
	started     bool
	stopped     bool
}

// NewToucher creates a toucher with the given pool size
func NewToucher(repo repositories.CredentialRepository, logger *zap.Logger, metrics *observability.Metrics, workers, buffer int) *Toucher {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Toucher{
		repo:        repo,
		logger:      logger,
		metrics:     metrics,
		jobs:        make(chan touchJob, buffer),
		workerCount: workers,
	}
}

// Start launches the workers
func (t *Toucher) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("credential toucher already started")
	}
	for i := 0; i < t.workerCount; i++ {
		t.wg.Add(1)
		go t.worker()
	}
	t.started = true
	return nil
}

// Stop stops accepting jobs and waits for queued ones
func (t *Toucher) Stop(timeout time.Duration) error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return fmt.Errorf("credential toucher not running")
	}
	t.stopped = true
	close(t.jobs)
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("credential toucher stop timeout after %v", timeout)
	}
}

// Running reports whether Start was called and Stop was not
func (t *Toucher) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.stopped
}

// Touch queues a last-used update. It never blocks; when the queue is full
// or the toucher is not running the update is dropped.
func (t *Toucher) Touch(credentialID uuid.UUID, usedAt time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.stopped {
		return false
	}

	select {
	case t.jobs <- touchJob{credentialID: credentialID, usedAt: usedAt}:
		return true
	default:
		t.metrics.Dropped(dropQueue)
		t.logger.Debug("credential touch queue full, dropping update",
			zap.String("credential_id", credentialID.String()))
		return false
	}
}

func (t *Toucher) worker() {
	defer t.wg.Done()

	for job := range t.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.repo.TouchLastUsed(ctx, job.credentialID, job.usedAt); err != nil {
			t.logger.Warn("failed to update credential last use",
				zap.String("credential_id", job.credentialID.String()),
				zap.Error(err))
		}
		cancel()
	}
}
