package queue

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntt-orchestrator/internal/logging"
)

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return newManagerOn(t, mr, Options{}), mr
}

// newManagerOn connects a separate Manager to mr, as a second worker process would
func newManagerOn(t *testing.T, mr *miniredis.Miniredis, opts Options) *Manager {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts.Prefix = "test"
	opts.PollInterval = 10 * time.Millisecond
	opts.Logger = logging.NewNop()
	return NewManager(client, opts)
}

// runConsumer starts Process in the background and stops it on cleanup
func runConsumer(t *testing.T, q *Queue, opts ProcessOptions, h Handler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Process(ctx, opts, h)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestManager_GetQueueIsMemoized(t *testing.T) {
	m, _ := setupManager(t)

	a := m.GetQueue("check-events")
	b := m.GetQueue("check-events")
	c := m.GetQueue("process-events")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Len(t, m.Queues(), 2)
	assert.Equal(t, "check-events", m.Queues()[0].Name())
}

func TestQueue_AddStoresJob(t *testing.T) {
	m, mr := setupManager(t)
	q := m.GetQueue("create-project")
	ctx := context.Background()

	job, err := q.Add(ctx, map[string]string{"callId": "abc"}, DefaultJobOptions())
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Opts.Attempts)
	assert.Equal(t, time.Duration(0), stored.Opts.Timeout)
	assert.False(t, stored.Opts.RemoveOnComplete)
	assert.JSONEq(t, `{"callId":"abc"}`, string(stored.Data))

	waiting, err := mr.List("test:create-project:wait")
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, waiting)
}

func TestQueue_ProcessCompletesInOrder(t *testing.T) {
	m, _ := setupManager(t)
	q := m.GetQueue("check-events")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, map[string]int{"n": i}, DefaultJobOptions())
		require.NoError(t, err)
	}

	seen := make(chan int, 3)
	runConsumer(t, q, ProcessOptions{Concurrency: 1}, func(ctx context.Context, job *Job) (interface{}, error) {
		var p struct{ N int }
		assert.NoError(t, job.Decode(&p))
		seen <- p.N
		return map[string]int{"doubled": p.N * 2}, nil
	})

	for want := 0; want < 3; want++ {
		select {
		case got := <-seen:
			assert.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job")
		}
	}

	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Completed == 3 && counts.Active == 0
	}, 2*time.Second, 10*time.Millisecond)

	completed, err := q.Completed(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 3)
	assert.JSONEq(t, `{"doubled":4}`, string(completed[0].ReturnValue))
	assert.NotNil(t, completed[0].FinishedOn)
}

func TestQueue_RetriesThenFails(t *testing.T) {
	m, _ := setupManager(t)
	q := m.GetQueue("process-events")
	ctx := context.Background()

	job, err := q.Add(ctx, map[string]string{}, DefaultJobOptions())
	require.NoError(t, err)

	var attempts int32
	finalSeen := make(chan bool, 2)
	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		atomic.AddInt32(&attempts, 1)
		finalSeen <- j.IsFinalAttempt()
		return nil, errors.New("ntt add-chain failed")
	})

	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.False(t, <-finalSeen)
	assert.True(t, <-finalSeen)

	failed, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, failed.AttemptsMade)
	assert.Equal(t, "ntt add-chain failed", failed.FailedReason)
}

func TestQueue_NonRetryableFailsOnFirstAttempt(t *testing.T) {
	m, _ := setupManager(t)
	q := m.GetQueue("process-events")
	ctx := context.Background()

	_, err := q.Add(ctx, map[string]string{}, DefaultJobOptions())
	require.NoError(t, err)

	var attempts int32
	runConsumer(t, q, ProcessOptions{ShouldRetry: func(error) bool { return false }},
		func(ctx context.Context, j *Job) (interface{}, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("bad payload")
		})

	require.Eventually(t, func() bool {
		counts, err := q.Counts(ctx)
		return err == nil && counts.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestQueue_PanicIsAFailure(t *testing.T) {
	m, _ := setupManager(t)
	q := m.GetQueue("generate-solana-key")
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.Attempts = 1
	job, err := q.Add(ctx, nil, opts)
	require.NoError(t, err)

	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		panic("boom")
	})

	require.Eventually(t, func() bool {
		j, err := q.GetJob(ctx, job.ID)
		return err == nil && j.FinishedOn != nil
	}, 2*time.Second, 10*time.Millisecond)

	j, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, j.FailedReason, "boom")
}

func TestQueue_RemoveOnComplete(t *testing.T) {
	m, _ := setupManager(t)
	q := m.GetQueue("notify-frontend")
	ctx := context.Background()

	opts := DefaultJobOptions()
	opts.RemoveOnComplete = true
	job, err := q.Add(ctx, nil, opts)
	require.NoError(t, err)

	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		return "ok", nil
	})

	require.Eventually(t, func() bool {
		_, err := q.GetJob(ctx, job.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Completed)
}

func TestQueue_RecoversStalledJobs(t *testing.T) {
	m, mr := setupManager(t)
	q := m.GetQueue("check-events")
	ctx := context.Background()

	job, err := q.Add(ctx, nil, DefaultJobOptions())
	require.NoError(t, err)

	// Simulate a worker that claimed the job and died
	_, err = mr.Lpop("test:check-events:wait")
	require.NoError(t, err)
	_, err = mr.Lpush("test:check-events:active", job.ID)
	require.NoError(t, err)

	done := make(chan string, 1)
	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		done <- j.ID
		return nil, nil
	})

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled job was not recovered")
	}
}

func TestQueue_LockedJobIsNotRecoveredByAnotherInstance(t *testing.T) {
	m, mr := setupManager(t)
	first := m.GetQueue("process-events")
	second := newManagerOn(t, mr, Options{}).GetQueue("process-events")
	ctx := context.Background()

	job, err := first.Add(ctx, nil, DefaultJobOptions())
	require.NoError(t, err)

	var runs int32
	started := make(chan struct{}, 2)
	handler := func(ctx context.Context, j *Job) (interface{}, error) {
		atomic.AddInt32(&runs, 1)
		started <- struct{}{}
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil, nil
	}

	runConsumer(t, first, ProcessOptions{}, handler)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first instance never claimed the job")
	}
	assert.True(t, mr.Exists("test:process-events:"+job.ID+":lock"))

	// A second worker starting mid-run must not requeue the locked job
	runConsumer(t, second, ProcessOptions{}, handler)

	require.Eventually(t, func() bool {
		counts, err := first.Counts(ctx)
		return err == nil && counts.Completed == 1 && counts.Active == 0
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
	assert.False(t, mr.Exists("test:process-events:"+job.ID+":lock"))
}

func TestQueue_ExpiredLockIsRecovered(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	job, err := m.GetQueue("check-events").Add(ctx, nil, DefaultJobOptions())
	require.NoError(t, err)

	// A consumer that died holding the lock
	_, err = mr.Lpop("test:check-events:wait")
	require.NoError(t, err)
	_, err = mr.Lpush("test:check-events:active", job.ID)
	require.NoError(t, err)
	lockKey := "test:check-events:" + job.ID + ":lock"
	require.NoError(t, mr.Set(lockKey, "dead-consumer"))
	mr.SetTTL(lockKey, 30*time.Second)

	q := newManagerOn(t, mr, Options{StalledInterval: 20 * time.Millisecond}).GetQueue("check-events")
	done := make(chan string, 1)
	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		done <- j.ID
		return nil, nil
	})

	select {
	case <-done:
		t.Fatal("job ran while its lock was still held")
	case <-time.After(100 * time.Millisecond):
	}

	mr.FastForward(time.Minute)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("job with expired lock was not recovered")
	}
}

func TestQueue_SecondConsumerRejected(t *testing.T) {
	m, _ := setupManager(t)
	q := m.GetQueue("check-events")

	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		return nil, nil
	})

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.processing
	}, time.Second, 5*time.Millisecond)

	err := q.Process(context.Background(), ProcessOptions{}, nil)
	assert.ErrorIs(t, err, ErrAlreadyProcessing)
}

func TestExportProcessedJobs(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	q := m.GetQueue("check-events")

	opts := DefaultJobOptions()
	opts.Attempts = 1
	_, err := q.Add(ctx, map[string]string{"callId": "ok"}, opts)
	require.NoError(t, err)
	_, err = q.Add(ctx, map[string]string{"callId": "bad"}, opts)
	require.NoError(t, err)

	runConsumer(t, q, ProcessOptions{}, func(ctx context.Context, j *Job) (interface{}, error) {
		var p struct{ CallID string `json:"callId"` }
		_ = j.Decode(&p)
		if p.CallID == "bad" {
			return nil, errors.New("rpc down")
		}
		return "done", nil
	})

	require.Eventually(t, func() bool {
		c, err := q.Counts(ctx)
		return err == nil && c.Completed == 1 && c.Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	dir := t.TempDir()

	jsonPath, err := ExportProcessedJobs(ctx, m.Queues(), dir, FormatJSON)
	require.NoError(t, err)
	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var rows []ExportedJob
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "completed", rows[0].Status)
	assert.Equal(t, "failed", rows[1].Status)
	assert.Equal(t, "rpc down", rows[1].FailedReason)

	csvPath, err := ExportProcessedJobs(ctx, m.Queues(), dir, FormatCSV)
	require.NoError(t, err)
	f, err := os.Open(csvPath)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Equal(t, "queue", records[0][0])

	_, err = ExportProcessedJobs(ctx, m.Queues(), dir, "xml")
	assert.Error(t, err)
}
