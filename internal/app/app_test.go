package app

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntt-orchestrator/internal/config"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/storage"
	"github.com/ntt-orchestrator/internal/task"
)

func testConfig() *config.Config {
	return &config.Config{
		Queue:   config.QueueConfig{Prefix: "test", Attempts: 3},
		Scanner: config.ScannerConfig{Networks: []string{"84532"}, CursorMode: config.CursorAfterScan},
		Chains:  config.ChainsConfig{Chains: map[string]config.ChainConfig{}},
		NTT:     config.NTTConfig{BasePath: testBasePath},
	}
}

const testBasePath = "/tmp/ntt-projects"

func newBroker(t *testing.T) *storage.RedisBroker {
	mr := miniredis.RunT(t)
	return storage.NewRedisBrokerFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestAssemble_RegistersEveryTask(t *testing.T) {
	a, err := Assemble(testConfig(), &storage.PostgresDB{}, newBroker(t), logging.NewNop())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Registry.Validate(task.DefaultNames()...))
	assert.ElementsMatch(t, task.DefaultNames(), a.Registry.Names())

	var queued []string
	for _, q := range a.Queues.Queues() {
		queued = append(queued, q.Name())
	}
	assert.Len(t, queued, len(task.DefaultNames()))
	assert.Contains(t, queued, string(task.ProcessEvents))

	assert.False(t, a.Notifier.Configured())
	assert.Contains(t, a.HealthChecks(), "postgres")
	assert.Contains(t, a.HealthChecks(), "redis")
}

func TestAssemble_RejectsUnknownCursorMode(t *testing.T) {
	cfg := testConfig()
	cfg.Scanner.CursorMode = "sometimes"

	_, err := Assemble(cfg, &storage.PostgresDB{}, newBroker(t), logging.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCANNER_CURSOR_MODE")
}
