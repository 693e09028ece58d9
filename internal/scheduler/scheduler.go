package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"inbound-mail-webhooks-go/internal/config"
)

// Job is the periodic work run by the scheduler.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Scheduler periodically refreshes background state such as the tenant
// verification snapshot.
type Scheduler struct {
	cron      *cron.Cron
	entryID   cron.EntryID
	config    *config.SchedulerConfig
	job       Job
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
	runMu     sync.Mutex

	statusMu sync.RWMutex
	lastRun  time.Time
	lastErr  error
}

// NewScheduler creates a scheduler for job.
func NewScheduler(cfg *config.SchedulerConfig, job Job) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		config: cfg,
		job:    job,
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("scheduler is already running")
	}
	if s.config.IntervalMinutes <= 0 {
		return fmt.Errorf("invalid scheduler interval: %d", s.config.IntervalMinutes)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	schedule := fmt.Sprintf("@every %dm", s.config.IntervalMinutes)
	entryID, err := s.cron.AddFunc(schedule, s.runJob)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Scheduler started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop stops the scheduler and waits up to 30s for a running refresh.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}

	s.cancel()
	done := s.cron.Stop()
	s.cron.Remove(s.entryID)
	s.isRunning = false
	s.mu.Unlock()

	select {
	case <-done.Done():
		logrus.Info("Scheduler stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Scheduler stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) runJob() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		logrus.Info("Scheduler not running, skipping refresh cycle")
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if err := s.execute(ctx); err != nil {
		logrus.Errorf("Scheduled refresh failed: %v", err)
	}
}

// execute runs the job once; concurrent calls are serialized.
func (s *Scheduler) execute(ctx context.Context) error {
	s.wg.Add(1)
	defer s.wg.Done()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	err := s.job.Run(ctx)

	s.statusMu.Lock()
	s.lastRun = start
	s.lastErr = err
	s.statusMu.Unlock()

	logrus.WithField("duration", time.Since(start).String()).Debug("Refresh cycle completed")
	return err
}

// RunOnce runs the job immediately (for manual triggering).
func (s *Scheduler) RunOnce(ctx context.Context) error {
	logrus.Info("Running refresh once")
	return s.execute(ctx)
}

// GetNextRun returns the time of the next scheduled run
func (s *Scheduler) GetNextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// GetLastRun returns the start time of the last completed run, scheduled or manual.
func (s *Scheduler) GetLastRun() time.Time {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastRun
}

// LastError returns the error of the last run, if any.
func (s *Scheduler) LastError() error {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.lastErr
}

// Wait waits for in-flight runs to finish.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
