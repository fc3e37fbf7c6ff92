package task

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/queue"
	"github.com/ntt-orchestrator/internal/types"
)

// memoryCalls is an in-memory call ledger for tests
type memoryCalls struct {
	mu         sync.Mutex
	calls      map[string]*types.Call
	checkpoint map[string]map[string]json.RawMessage
	insertErr  error
	lastID     int64
}

func newMemoryCalls() *memoryCalls {
	return &memoryCalls{
		calls:      make(map[string]*types.Call),
		checkpoint: make(map[string]map[string]json.RawMessage),
	}
}

func (m *memoryCalls) InsertCall(ctx context.Context, taskName string, params interface{}, status types.CallStatus) (string, error) {
	if m.insertErr != nil {
		return "", m.insertErr
	}
	raw, _ := json.Marshal(params)
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastID++
	id := strconv.FormatInt(m.lastID, 10)
	m.calls[id] = &types.Call{ID: id, TaskName: taskName, Params: raw, Status: status, CreatedAt: now, UpdatedAt: now}
	return id, nil
}

func (m *memoryCalls) UpdateCall(ctx context.Context, id string, status types.CallStatus, result interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return apperrors.NewNotFoundError("call", id)
	}
	c.Status = status
	c.Result = nil
	if result != nil {
		c.Result, _ = json.Marshal(result)
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *memoryCalls) GetCallByID(ctx context.Context, id string) (*types.Call, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("call", id)
	}
	cp := *c
	return &cp, nil
}

func (m *memoryCalls) SaveCheckpoint(ctx context.Context, id, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.checkpoint[id] == nil {
		m.checkpoint[id] = make(map[string]json.RawMessage)
	}
	m.checkpoint[id][key] = raw
	return nil
}

func (m *memoryCalls) LoadCheckpoint(ctx context.Context, id string) (map[string]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]json.RawMessage)
	for k, v := range m.checkpoint[id] {
		out[k] = v
	}
	return out, nil
}

func noopTask(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return nil, nil
}

func setupDispatcher(t *testing.T) (*Manager, *memoryCalls, *queue.Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queues := queue.NewManager(client, queue.Options{Prefix: "test", Logger: logging.NewNop()})
	registry := NewRegistry().
		Register(CheckEvents, noopTask).
		Register(CreateProject, noopTask)
	calls := newMemoryCalls()

	return NewManager(registry, calls, queues, queue.DefaultJobOptions(), logging.NewNop()), calls, queues, mr
}

func TestRegistry(t *testing.T) {
	r := NewRegistry().Register(CheckEvents, noopTask)

	_, ok := r.Lookup("check-events")
	assert.True(t, ok)
	_, ok = r.Lookup("does-not-exist")
	assert.False(t, ok)

	assert.Equal(t, []Name{CheckEvents}, r.Names())
	assert.NoError(t, r.Validate(CheckEvents))
	assert.Error(t, r.Validate(CheckEvents, ProcessEvents))

	assert.Panics(t, func() { r.Register(CheckEvents, noopTask) })
}

func TestTypedDecodesParams(t *testing.T) {
	type params struct {
		BasePath  string `json:"basePath"`
		ProjectID string `json:"projectId"`
	}

	fn := Typed(func(ctx context.Context, p params) (interface{}, error) {
		return p.BasePath + "/" + p.ProjectID, nil
	})

	out, err := fn(context.Background(), json.RawMessage(`{"basePath":"/tmp","projectId":"p1"}`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/p1", out)

	_, err = fn(context.Background(), json.RawMessage(`[1,2]`))
	assert.True(t, apperrors.IsValidation(err))

	out, err = fn(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "/", out)
}

func TestStartTask_QueuesCallAndJob(t *testing.T) {
	m, calls, queues, _ := setupDispatcher(t)
	ctx := context.Background()

	callID, err := m.StartTask(ctx, "create-project", map[string]string{"basePath": "/tmp", "projectId": "p1"})
	require.NoError(t, err)

	call, err := m.GetTaskStatus(ctx, callID)
	require.NoError(t, err)
	assert.Equal(t, types.CallStatusQueued, call.Status)
	assert.Equal(t, "create-project", call.TaskName)
	assert.JSONEq(t, `{"basePath":"/tmp","projectId":"p1"}`, string(call.Params))
	assert.Nil(t, call.Result)

	counts, err := queues.GetQueue("create-project").Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	assert.Len(t, calls.calls, 1)
}

func TestStartTask_PayloadCarriesCallID(t *testing.T) {
	m, _, queues, _ := setupDispatcher(t)
	ctx := context.Background()

	callID, err := m.StartTask(ctx, "check-events", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	var got Payload
	processed := make(chan struct{})
	q := queues.GetQueue("check-events")
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = q.Process(qctx, queue.ProcessOptions{}, func(ctx context.Context, job *queue.Job) (interface{}, error) {
			assert.NoError(t, job.Decode(&got))
			assert.Equal(t, 2, job.Opts.Attempts)
			close(processed)
			return nil, nil
		})
	}()

	select {
	case <-processed:
	case <-time.After(3 * time.Second):
		t.Fatal("job not consumed")
	}
	assert.Equal(t, callID, got.CallID)
	assert.JSONEq(t, `{"x":1}`, string(got.Params))
}

func TestStartTask_UnknownTaskHasNoSideEffects(t *testing.T) {
	m, calls, queues, _ := setupDispatcher(t)
	ctx := context.Background()

	_, err := m.StartTask(ctx, "does-not-exist", map[string]string{})
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))

	assert.Empty(t, calls.calls)
	assert.Empty(t, queues.Queues())
}

func TestStartTask_StorageFailure(t *testing.T) {
	m, calls, queues, _ := setupDispatcher(t)
	calls.insertErr = apperrors.NewStorageError("insert call", errors.New("connection refused"))

	_, err := m.StartTask(context.Background(), "check-events", nil)
	require.Error(t, err)
	assert.Equal(t, 500, apperrors.GetHTTPStatusCode(err))
	assert.Empty(t, queues.Queues())
}

func TestStartTask_BrokerFailure(t *testing.T) {
	m, _, _, mr := setupDispatcher(t)
	mr.Close()

	_, err := m.StartTask(context.Background(), "check-events", nil)
	require.Error(t, err)
	assert.Equal(t, 500, apperrors.GetHTTPStatusCode(err))
}

func TestGetTaskStatus_Unknown(t *testing.T) {
	m, _, _, _ := setupDispatcher(t)

	_, err := m.GetTaskStatus(context.Background(), "424242")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestCallCheckpoint(t *testing.T) {
	calls := newMemoryCalls()
	id, err := calls.InsertCall(context.Background(), "process-events", nil, types.CallStatusQueued)
	require.NoError(t, err)

	ctx := WithCheckpoint(context.Background(), NewCallCheckpoint(calls, id))
	cp := CheckpointFrom(ctx)

	var path string
	found, err := cp.Load(ctx, "project", &path)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cp.Save(ctx, "project", "/tmp/p1"))

	found, err = cp.Load(ctx, "project", &path)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "/tmp/p1", path)

	// a fresh checkpoint for the same call sees the saved value
	fresh := NewCallCheckpoint(calls, id)
	found, err = fresh.Load(ctx, "project", &path)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCheckpointFromEmptyContext(t *testing.T) {
	cp := CheckpointFrom(context.Background())
	var v string
	found, err := cp.Load(context.Background(), "anything", &v)
	assert.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, cp.Save(context.Background(), "anything", "x"))
	assert.Equal(t, "", CallIDFrom(context.Background()))
}
