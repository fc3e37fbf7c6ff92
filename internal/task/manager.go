package task

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/metrics"
	"github.com/ntt-orchestrator/internal/queue"
	"github.com/ntt-orchestrator/internal/types"
)

// CallStore is the call ledger as seen by the dispatcher and the worker
type CallStore interface {
	InsertCall(ctx context.Context, taskName string, params interface{}, status types.CallStatus) (string, error)
	UpdateCall(ctx context.Context, id string, status types.CallStatus, result interface{}) error
	GetCallByID(ctx context.Context, id string) (*types.Call, error)
}

// Starter submits new work. Tasks that chain follow-up work depend on this
// rather than on the Manager itself.
type Starter interface {
	StartTask(ctx context.Context, taskName string, params interface{}) (string, error)
}

// Payload is the job body placed on a queue
type Payload struct {
	Params json.RawMessage `json:"params"`
	CallID string          `json:"callId"`
}

// Manager is the dispatcher: it validates submissions, records a call and
// enqueues the job on the queue named after the task
type Manager struct {
	registry *Registry
	calls    CallStore
	queues   *queue.Manager
	jobOpts  queue.JobOptions
	logger   *logging.Logger
}

// NewManager creates a dispatcher
func NewManager(registry *Registry, calls CallStore, queues *queue.Manager, jobOpts queue.JobOptions, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Manager{
		registry: registry,
		calls:    calls,
		queues:   queues,
		jobOpts:  jobOpts,
		logger:   logger,
	}
}

// StartTask records a queued call for taskName and enqueues it. It returns as
// soon as the job is on the queue. Unknown names fail before any side effect.
func (m *Manager) StartTask(ctx context.Context, taskName string, params interface{}) (string, error) {
	if _, ok := m.registry.Lookup(taskName); !ok {
		return "", apperrors.NewUnknownTaskError(taskName)
	}

	raw, err := encodeParams(params)
	if err != nil {
		return "", apperrors.NewValidationError("params", err.Error())
	}

	callID, err := m.calls.InsertCall(ctx, taskName, raw, types.CallStatusQueued)
	if err != nil {
		return "", fmt.Errorf("failed to record call for %s: %w", taskName, err)
	}

	job, err := m.queues.GetQueue(taskName).Add(ctx, Payload{Params: raw, CallID: callID}, m.jobOpts)
	if err != nil {
		m.logger.WithFields(map[string]interface{}{
			"task":   taskName,
			"callId": callID,
		}).WithError(err).Error("Call recorded but job could not be enqueued")
		return "", fmt.Errorf("failed to enqueue %s: %w", taskName, err)
	}

	metrics.TasksStarted.WithLabelValues(taskName).Inc()
	m.logger.WithFields(map[string]interface{}{
		"task":   taskName,
		"callId": callID,
		"jobId":  job.ID,
	}).Info("Task queued")

	return callID, nil
}

// GetTaskStatus returns the current projection of a call
func (m *Manager) GetTaskStatus(ctx context.Context, callID string) (*types.Call, error) {
	return m.calls.GetCallByID(ctx, callID)
}

func encodeParams(params interface{}) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("params are not valid JSON")
		}
		return p, nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}
