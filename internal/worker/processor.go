package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/queue"
	"github.com/ntt-orchestrator/internal/task"
	"github.com/ntt-orchestrator/internal/types"
)

// CallLedger is what the processor needs from the call ledger
type CallLedger interface {
	task.CallStore
	task.CheckpointStore
}

// Processor attaches one consumer per registered task kind and keeps each
// call's status in step with its job
type Processor struct {
	registry    *task.Registry
	queues      *queue.Manager
	calls       CallLedger
	concurrency int
	logger      *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// ProcessorConfig holds configuration for a processor
type ProcessorConfig struct {
	Registry    *task.Registry
	Queues      *queue.Manager
	Calls       CallLedger
	Concurrency int
	Logger      *logging.Logger
}

// NewProcessor creates a new processor
func NewProcessor(cfg *ProcessorConfig) (*Processor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("task registry cannot be nil")
	}
	if cfg.Queues == nil {
		return nil, fmt.Errorf("queue manager cannot be nil")
	}
	if cfg.Calls == nil {
		return nil, fmt.Errorf("call ledger cannot be nil")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Processor{
		registry:    cfg.Registry,
		queues:      cfg.Queues,
		calls:       cfg.Calls,
		concurrency: concurrency,
		logger:      logger.WithField("component", "processor"),
	}, nil
}

// Start attaches a consumer to the queue of every registered task
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("processor is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.doneCh = make(chan struct{})
	p.running = true

	var wg sync.WaitGroup
	for _, name := range p.registry.Names() {
		fn, _ := p.registry.Lookup(string(name))
		q := p.queues.GetQueue(string(name))
		handler := p.handlerFor(name, fn)

		wg.Add(1)
		go func(name task.Name) {
			defer wg.Done()
			err := q.Process(runCtx, queue.ProcessOptions{
				Concurrency: p.concurrency,
				ShouldRetry: apperrors.IsRetryable,
			}, handler)
			if err != nil {
				p.logger.WithField("task", string(name)).WithError(err).Error("Consumer stopped")
			}
		}(name)

		p.logger.WithField("task", string(name)).Info("Consumer attached")
	}

	go func() {
		wg.Wait()
		close(p.doneCh)
	}()

	return nil
}

// Stop cancels every consumer and waits for in-flight jobs to return
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("processor is not running")
	}
	p.cancel()
	done := p.doneCh
	p.mu.Unlock()

	select {
	case <-done:
		p.logger.Info("Processor stopped gracefully")
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("stop timeout")
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// handlerFor wraps a task function with the call status lifecycle
func (p *Processor) handlerFor(name task.Name, fn task.Func) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (interface{}, error) {
		var payload task.Payload
		if err := job.Decode(&payload); err != nil {
			return nil, apperrors.NewValidationError("job payload", err.Error())
		}

		logger := p.logger.WithFields(map[string]interface{}{
			"task":    string(name),
			"callId":  payload.CallID,
			"jobId":   job.ID,
			"attempt": job.AttemptsMade + 1,
		})

		if err := p.calls.UpdateCall(ctx, payload.CallID, types.CallStatusInProgress, nil); err != nil {
			if apperrors.IsConflict(err) {
				// The call already finished; this is a redelivery of a job
				// whose completion was recorded on the ledger but not the broker.
				logger.Warn("Call already finished, skipping redelivered job")
				return nil, nil
			}
			return nil, fmt.Errorf("failed to mark call in-progress: %w", err)
		}

		taskCtx := task.WithCallID(ctx, payload.CallID)
		taskCtx = task.WithCheckpoint(taskCtx, task.NewCallCheckpoint(p.calls, payload.CallID))
		taskCtx = logging.WithLogger(taskCtx, logger)

		logger.Info("Task started")
		result, runErr := fn(taskCtx, payload.Params)

		if runErr != nil {
			// A call stays in-progress while the broker will retry it, so
			// failed is only ever written once and never left again.
			if job.IsFinalAttempt() || !apperrors.IsRetryable(runErr) {
				failure := map[string]string{"error": runErr.Error()}
				if err := p.calls.UpdateCall(ctx, payload.CallID, types.CallStatusFailed, failure); err != nil {
					logger.WithError(err).Error("Failed to record task failure")
				}
				logger.WithError(runErr).Error("Task failed")
				return nil, runErr
			}
			logger.WithError(runErr).Warn("Task attempt failed, will retry")
			return nil, runErr
		}

		if err := p.calls.UpdateCall(ctx, payload.CallID, types.CallStatusCompleted, result); err != nil {
			return nil, fmt.Errorf("failed to record task result: %w", err)
		}

		logger.Info("Task completed")
		return result, nil
	}
}
