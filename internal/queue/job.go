// Package queue implements durable named job queues on Redis.
//
// Each queue keeps its jobs in a hash and moves job ids between four lists:
// wait, active, completed and failed. A consumer claims a job by atomically
// moving its id from wait to active and taking a lock on it, and keeps the
// lock alive while the handler runs. A crashed worker stops refreshing, so
// its lock expires and any consumer's stalled check returns the id to wait.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// JobOptions mirror the per-job settings accepted by Add
type JobOptions struct {
	// Timeout bounds a single attempt; zero disables it
	Timeout time.Duration `json:"timeout"`
	// Attempts is the total number of tries before the job is failed
	Attempts int `json:"attempts"`
	// RemoveOnComplete drops the job record instead of keeping it in history
	RemoveOnComplete bool `json:"removeOnComplete"`
	// RemoveOnFail drops the job record instead of keeping it in history
	RemoveOnFail bool `json:"removeOnFail"`
}

// DefaultJobOptions: no timeout, two attempts, history kept
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Timeout:          0,
		Attempts:         2,
		RemoveOnComplete: false,
		RemoveOnFail:     false,
	}
}

// Job is one unit of work stored in a queue
type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Data         json.RawMessage `json:"data"`
	Opts         JobOptions      `json:"opts"`
	AttemptsMade int             `json:"attemptsMade"`
	FailedReason string          `json:"failedReason,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	CreatedAt    time.Time       `json:"timestamp"`
	ProcessedOn  *time.Time      `json:"processedOn,omitempty"`
	FinishedOn   *time.Time      `json:"finishedOn,omitempty"`
}

// IsFinalAttempt reports whether the attempt in progress is the last one allowed
func (j *Job) IsFinalAttempt() bool {
	return j.AttemptsMade+1 >= j.Opts.Attempts
}

// Decode unmarshals the job payload into v
func (j *Job) Decode(v interface{}) error {
	return json.Unmarshal(j.Data, v)
}

// Handler runs one attempt of a job. The returned value is stored as the
// job's return value on success.
type Handler func(ctx context.Context, job *Job) (interface{}, error)
