package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron"

	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/task"
	"github.com/ntt-orchestrator/internal/types"
)

// StatusReader looks up a call submitted earlier
type StatusReader interface {
	GetTaskStatus(ctx context.Context, callID string) (*types.Call, error)
}

// Scheduler submits check-events on a cron schedule. A tick is skipped while
// the previously submitted call is still queued or running.
type Scheduler struct {
	cron    *cron.Cron
	spec    string
	starter task.Starter
	status  StatusReader
	params  Params
	timeout time.Duration
	logger  *logging.Logger

	mu       sync.Mutex
	lastCall string
	running  bool
}

// SchedulerConfig holds configuration for a Scheduler
type SchedulerConfig struct {
	// Spec is a robfig/cron expression, e.g. "@every 30s" or "0 */1 * * * *"
	Spec    string
	Starter task.Starter
	// Status is optional; without it every tick submits
	Status StatusReader
	Params Params
	Logger *logging.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(cfg *SchedulerConfig) (*Scheduler, error) {
	if cfg.Starter == nil {
		return nil, fmt.Errorf("task starter cannot be nil")
	}
	if cfg.Spec == "" {
		return nil, fmt.Errorf("schedule cannot be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		cron:    cron.New(),
		spec:    cfg.Spec,
		starter: cfg.Starter,
		status:  cfg.Status,
		params:  cfg.Params,
		timeout: 10 * time.Second,
		logger:  logger.WithField("component", "scheduler"),
	}, nil
}

// Start registers the schedule and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	if err := s.cron.AddFunc(s.spec, s.Tick); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.running = true
	s.logger.WithField("schedule", s.spec).Info("Check-events scheduler started")
	return nil
}

// Stop halts the cron loop. Calls already submitted are unaffected.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Stop()
	s.running = false
	s.logger.Info("Check-events scheduler stopped")
}

// Tick submits one check-events call unless the previous one is still pending
func (s *Scheduler) Tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.mu.Lock()
	last := s.lastCall
	s.mu.Unlock()

	if last != "" && s.status != nil {
		call, err := s.status.GetTaskStatus(ctx, last)
		if err == nil && (call.Status == types.CallStatusQueued || call.Status == types.CallStatusInProgress) {
			s.logger.WithField("callId", last).Debug("Previous check-events still pending, skipping tick")
			return
		}
	}

	callID, err := s.starter.StartTask(ctx, string(task.CheckEvents), s.params)
	if err != nil {
		s.logger.WithError(err).Error("Failed to submit check-events")
		return
	}

	s.mu.Lock()
	s.lastCall = callID
	s.mu.Unlock()
	s.logger.WithField("callId", callID).Debug("Submitted check-events")
}

// LastCall returns the id of the most recent submission
func (s *Scheduler) LastCall() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCall
}
