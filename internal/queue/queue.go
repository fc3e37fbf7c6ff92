package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/metrics"
	"github.com/ntt-orchestrator/internal/retry"
)

// ErrAlreadyProcessing is returned when a second consumer is attached to the same Queue value
var ErrAlreadyProcessing = errors.New("queue already has a consumer")

type keySet struct {
	base      string
	wait      string
	active    string
	completed string
	failed    string
	jobs      string
}

func newKeySet(prefix, name string) keySet {
	base := fmt.Sprintf("%s:%s", prefix, name)
	return keySet{
		base:      base,
		wait:      base + ":wait",
		active:    base + ":active",
		completed: base + ":completed",
		failed:    base + ":failed",
		jobs:      base + ":jobs",
	}
}

// lock is the key owned by the consumer running job id
func (k keySet) lock(id string) string {
	return k.base + ":" + id + ":lock"
}

// claimScript moves the oldest waiting id to active and locks it in one step,
// so no stalled check can observe an active id without its lock.
var claimScript = redis.NewScript(`
local id = redis.call('RPOPLPUSH', KEYS[1], KEYS[2])
if not id then
  return false
end
redis.call('SET', ARGV[1] .. ':' .. id .. ':lock', ARGV[2], 'PX', ARGV[3])
return id
`)

// extendScript refreshes a lock only while the caller still owns it
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lock only while the caller still owns it
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// stalledScript returns active ids whose lock has expired to the head of wait
var stalledScript = redis.NewScript(`
local ids = redis.call('LRANGE', KEYS[1], 0, -1)
local moved = 0
for _, id in ipairs(ids) do
  if redis.call('EXISTS', ARGV[1] .. ':' .. id .. ':lock') == 0 then
    redis.call('LREM', KEYS[1], 1, id)
    redis.call('RPUSH', KEYS[2], id)
    moved = moved + 1
  end
end
return moved
`)

// Queue is a durable FIFO of jobs for one task kind
type Queue struct {
	name            string
	client          *redis.Client
	keys            keySet
	pollInterval    time.Duration
	lockDuration    time.Duration
	stalledInterval time.Duration
	logger          *logging.Logger

	mu         sync.Mutex
	processing bool
}

// ProcessOptions configure a consumer
type ProcessOptions struct {
	// Concurrency is the number of jobs run at once; defaults to 1
	Concurrency int
	// ShouldRetry decides whether a failed attempt is retried when attempts
	// remain; nil retries every error
	ShouldRetry func(error) bool
}

// JobCounts reports the length of each list
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Add stores a job and appends it to the wait list
func (q *Queue) Add(ctx context.Context, data interface{}, opts JobOptions) (*Job, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job data: %w", err)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	job := &Job{
		ID:        uuid.New().String(),
		Queue:     q.name,
		Data:      payload,
		Opts:      opts,
		CreatedAt: time.Now().UTC(),
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keys.jobs, job.ID, encoded)
	pipe.LPush(ctx, q.keys.wait, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.NewStorageError("enqueue job", err)
	}

	metrics.JobsEnqueued.WithLabelValues(q.name).Inc()
	return job, nil
}

// GetJob loads a job by id
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.HGet(ctx, q.keys.jobs, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NewNotFoundError("job", id)
		}
		return nil, apperrors.NewStorageError("load job", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

// Counts returns the size of each job list
func (q *Queue) Counts(ctx context.Context) (*JobCounts, error) {
	pipe := q.client.Pipeline()
	wait := pipe.LLen(ctx, q.keys.wait)
	active := pipe.LLen(ctx, q.keys.active)
	completed := pipe.LLen(ctx, q.keys.completed)
	failed := pipe.LLen(ctx, q.keys.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperrors.NewStorageError("count jobs", err)
	}

	return &JobCounts{
		Waiting:   wait.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// Completed returns kept completed jobs, newest first
func (q *Queue) Completed(ctx context.Context) ([]*Job, error) {
	return q.history(ctx, q.keys.completed)
}

// Failed returns kept failed jobs, newest first
func (q *Queue) Failed(ctx context.Context) ([]*Job, error) {
	return q.history(ctx, q.keys.failed)
}

func (q *Queue) history(ctx context.Context, listKey string) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, apperrors.NewStorageError("list jobs", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	values, err := q.client.HMGet(ctx, q.keys.jobs, ids...).Result()
	if err != nil {
		return nil, apperrors.NewStorageError("load jobs", err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			q.logger.WithError(err).Warn("Skipping undecodable job record")
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Process consumes jobs until ctx is cancelled. Every claimed job holds a lock
// that is refreshed while its handler runs. Active ids whose lock has expired
// belong to a dead consumer and are moved back to wait on start and every
// stalled interval. Jobs interrupted by cancellation release their lock so
// the next consumer picks them up without waiting for it to expire.
func (q *Queue) Process(ctx context.Context, opts ProcessOptions, handler Handler) error {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return ErrAlreadyProcessing
	}
	q.processing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	if err := q.recoverStalled(ctx); err != nil {
		return err
	}

	workerSem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	stalled := time.NewTicker(q.stalledInterval)
	defer stalled.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stalled.C:
			if err := q.recoverStalled(ctx); err != nil && ctx.Err() == nil {
				q.logger.WithError(err).Warn("Stalled job check failed")
			}
		case <-ticker.C:
			q.claimAvailable(ctx, workerSem, &wg, opts, handler)
		}
	}
}

// claimAvailable starts as many waiting jobs as there are free worker slots
func (q *Queue) claimAvailable(ctx context.Context, workerSem chan struct{}, wg *sync.WaitGroup, opts ProcessOptions, handler Handler) {
	for {
		select {
		case workerSem <- struct{}{}:
		default:
			return
		}

		token := uuid.New().String()
		id, err := claimScript.Run(ctx, q.client,
			[]string{q.keys.wait, q.keys.active},
			q.keys.base, token, q.lockDuration.Milliseconds(),
		).Text()
		if err != nil {
			<-workerSem
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.WithError(err).Warn("Failed to claim job")
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-workerSem }()
			q.runJob(ctx, id, token, opts, handler)
		}()
	}
}

func (q *Queue) runJob(ctx context.Context, id, token string, opts ProcessOptions, handler Handler) {
	logger := q.logger.WithField("jobId", id)

	job, err := q.GetJob(ctx, id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			pipe := q.client.TxPipeline()
			pipe.LRem(ctx, q.keys.active, 1, id)
			pipe.Del(ctx, q.keys.lock(id))
			_, _ = pipe.Exec(ctx)
		}
		logger.WithError(err).Error("Failed to load claimed job")
		return
	}

	now := time.Now().UTC()
	job.ProcessedOn = &now

	stopRefresh := q.keepLocked(ctx, id, token, logger)
	start := time.Now()
	result, runErr := q.invoke(ctx, job, handler)
	metrics.JobDuration.WithLabelValues(q.name).Observe(time.Since(start).Seconds())
	stopRefresh()

	if ctx.Err() != nil {
		q.releaseLock(id, token, logger)
		logger.Warn("Job interrupted by shutdown; left active for recovery")
		return
	}

	if runErr == nil {
		if err := q.complete(ctx, job, result); err != nil {
			logger.WithError(err).Error("Failed to record job completion")
		}
		return
	}

	job.AttemptsMade++
	job.FailedReason = runErr.Error()

	retryable := opts.ShouldRetry == nil || opts.ShouldRetry(runErr)
	if retryable && job.AttemptsMade < job.Opts.Attempts {
		logger.WithError(runErr).WithField("attemptsMade", job.AttemptsMade).Warn("Job attempt failed, retrying")
		if err := q.requeue(ctx, job); err != nil {
			logger.WithError(err).Error("Failed to requeue job")
		}
		return
	}

	logger.WithError(runErr).WithField("attemptsMade", job.AttemptsMade).Error("Job failed")
	if err := q.fail(ctx, job); err != nil {
		logger.WithError(err).Error("Failed to record job failure")
	}
}

// keepLocked refreshes the job lock every half lock duration until the
// returned stop function is called
func (q *Queue) keepLocked(ctx context.Context, id, token string, logger *logging.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(q.lockDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := extendScript.Run(ctx, q.client, []string{q.keys.lock(id)},
					token, q.lockDuration.Milliseconds()).Int()
				if err != nil {
					if ctx.Err() == nil {
						logger.WithError(err).Warn("Failed to extend job lock")
					}
					continue
				}
				if ok == 0 {
					logger.Warn("Job lock lost; another consumer may run this job")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// releaseLock drops the lock of an interrupted job. It runs on a fresh context
// because the consumer context is already cancelled.
func (q *Queue) releaseLock(id, token string, logger *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, q.client, []string{q.keys.lock(id)}, token).Err(); err != nil {
		logger.WithError(err).Warn("Failed to release job lock")
	}
}

// invoke runs the handler with the attempt timeout and converts panics to errors
func (q *Queue) invoke(ctx context.Context, job *Job, handler Handler) (result interface{}, err error) {
	if job.Opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Opts.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.WithFields(map[string]interface{}{
				"jobId": job.ID,
				"stack": string(debug.Stack()),
			}).Error("Job handler panicked")
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()

	return handler(ctx, job)
}

func (q *Queue) complete(ctx context.Context, job *Job, result interface{}) error {
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to encode return value: %w", err)
		}
		job.ReturnValue = encoded
	}
	now := time.Now().UTC()
	job.FinishedOn = &now
	job.FailedReason = ""

	metrics.JobsProcessed.WithLabelValues(q.name, "completed").Inc()
	return q.move(ctx, job, q.keys.completed, job.Opts.RemoveOnComplete)
}

func (q *Queue) fail(ctx context.Context, job *Job) error {
	now := time.Now().UTC()
	job.FinishedOn = &now

	metrics.JobsProcessed.WithLabelValues(q.name, "failed").Inc()
	return q.move(ctx, job, q.keys.failed, job.Opts.RemoveOnFail)
}

func (q *Queue) requeue(ctx context.Context, job *Job) error {
	metrics.JobsProcessed.WithLabelValues(q.name, "retried").Inc()
	return q.move(ctx, job, q.keys.wait, false)
}

// move takes the job out of active and files it under dest. The write is
// retried because losing it would re-run a finished job after a restart.
func (q *Queue) move(ctx context.Context, job *Job, dest string, drop bool) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	return retry.Do(ctx, &retry.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
	}, func(ctx context.Context, attempt int) error {
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.keys.active, 1, job.ID)
		pipe.Del(ctx, q.keys.lock(job.ID))
		if drop {
			pipe.HDel(ctx, q.keys.jobs, job.ID)
		} else {
			pipe.HSet(ctx, q.keys.jobs, job.ID, encoded)
			pipe.LPush(ctx, dest, job.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return apperrors.NewStorageError("move job", err)
		}
		return nil
	})
}

// recoverStalled moves active ids whose lock has expired back to wait. Ids
// still locked belong to a live consumer, possibly in another process.
func (q *Queue) recoverStalled(ctx context.Context) error {
	recovered, err := stalledScript.Run(ctx, q.client,
		[]string{q.keys.active, q.keys.wait}, q.keys.base).Int()
	if err != nil {
		return apperrors.NewStorageError("recover stalled jobs", err)
	}

	if recovered > 0 {
		metrics.StalledJobsRecovered.WithLabelValues(q.name).Add(float64(recovered))
		q.logger.WithField("recovered", recovered).Warn("Recovered stalled jobs")
	}
	return nil
}
