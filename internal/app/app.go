// Package app assembles the orchestrator's components from configuration.
// The API server, the worker and nttctl all start from the same App so a task
// name accepted by one is served by the other.
package app

import (
	"fmt"
	"time"

	"github.com/ntt-orchestrator/internal/adapter"
	"github.com/ntt-orchestrator/internal/api"
	"github.com/ntt-orchestrator/internal/config"
	"github.com/ntt-orchestrator/internal/logging"
	"github.com/ntt-orchestrator/internal/notify"
	"github.com/ntt-orchestrator/internal/ntt"
	"github.com/ntt-orchestrator/internal/pipeline"
	"github.com/ntt-orchestrator/internal/queue"
	"github.com/ntt-orchestrator/internal/retry"
	"github.com/ntt-orchestrator/internal/scanner"
	"github.com/ntt-orchestrator/internal/storage"
	"github.com/ntt-orchestrator/internal/task"
)

// App holds the wired components
type App struct {
	Config *config.Config
	Logger *logging.Logger

	Postgres *storage.PostgresDB
	Redis    *storage.RedisBroker
	Calls    *storage.CallRepository
	Events   *storage.EventRepository

	Queues   *queue.Manager
	Registry *task.Registry
	Tasks    *task.Manager

	Chains   *adapter.ChainSet
	NTT      *ntt.Client
	Solana   *ntt.SolanaTools
	Notifier *notify.Client
	Scanner  *scanner.Scanner
}

// Open connects to Postgres and Redis and assembles the App
func Open(cfg *config.Config, logger *logging.Logger) (*App, error) {
	db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	broker, err := storage.NewRedisBroker(&cfg.Database.Redis)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	a, err := Assemble(cfg, db, broker, logger)
	if err != nil {
		db.Close()
		_ = broker.Close()
		return nil, err
	}
	return a, nil
}

// Assemble wires every component on top of already opened stores. Chain RPC
// connections are made lazily on first use.
func Assemble(cfg *config.Config, db *storage.PostgresDB, broker *storage.RedisBroker, logger *logging.Logger) (*App, error) {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Postgres: db,
		Redis:    broker,
		Calls:    storage.NewCallRepository(db),
		Events:   storage.NewEventRepository(db),
		Registry: task.NewRegistry(),
	}

	a.Queues = queue.NewManager(broker.Client(), queue.Options{
		Prefix:          cfg.Queue.Prefix,
		PollInterval:    cfg.Queue.PollInterval,
		LockDuration:    cfg.Queue.LockDuration,
		StalledInterval: cfg.Queue.StalledInterval,
		Logger:          logger,
	})
	jobOpts := queue.DefaultJobOptions()
	if cfg.Queue.Attempts > 0 {
		jobOpts.Attempts = cfg.Queue.Attempts
	}
	a.Tasks = task.NewManager(a.Registry, a.Calls, a.Queues, jobOpts, logger)

	a.Chains = adapter.NewChainSet(&adapter.ChainSetConfig{
		Chains:              cfg.Chains,
		Dial:                adapter.DialEthClient,
		Retry:               retry.DefaultRetryConfig(),
		ReceiptPollInterval: 2 * time.Second,
		ReceiptTimeout:      5 * time.Minute,
		Logger:              logger,
	})

	runner := ntt.NewExecRunner(logger)
	a.NTT = ntt.NewClient(&ntt.ClientConfig{
		Runner:     runner,
		Binary:     cfg.NTT.Binary,
		BasePath:   cfg.NTT.BasePath,
		NetworkEnv: cfg.NTT.NetworkEnv,
		Logger:     logger,
	})
	a.Solana = ntt.NewSolanaTools(&ntt.SolanaConfig{
		Runner:         runner,
		NTTBinary:      cfg.NTT.Binary,
		KeygenBinary:   cfg.Solana.KeygenBinary,
		SPLTokenBinary: cfg.Solana.SPLTokenBinary,
		Logger:         logger,
	})
	a.Notifier = notify.NewClient(cfg.Frontend, logger)

	processor := pipeline.NewEventProcessor(&pipeline.Dependencies{
		Projects: a.NTT,
		Solana:   a.Solana,
		EVM:      a.Chains,
		Starter:  a.Tasks,
		Options: pipeline.Options{
			SolanaPayer:     cfg.Solana.PayerPath,
			SolanaDecimals:  cfg.Solana.Decimals,
			PushAfterLimits: cfg.NTT.PushAfterLimits,
			NotifyFrontend:  a.Notifier.Configured(),
		},
		Logger: logger,
	})
	pipeline.Register(a.Registry, &pipeline.TaskDependencies{
		Processor:   processor,
		Initializer: a.NTT,
		Solana:      a.Solana,
		Notifier:    a.Notifier,
		Logger:      logger,
	})

	sc, err := scanner.New(&scanner.Config{
		Store:   a.Events,
		Source:  a.Chains,
		Starter: a.Tasks,
		Scanner: cfg.Scanner,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	a.Scanner = sc
	sc.Register(a.Registry)

	if err := a.Registry.Validate(task.DefaultNames()...); err != nil {
		return nil, err
	}

	// One queue per task so exports and the worker see the same set
	for _, name := range a.Registry.Names() {
		a.Queues.GetQueue(string(name))
	}

	return a, nil
}

// HealthChecks returns the dependency probes used by /health
func (a *App) HealthChecks() map[string]api.HealthCheck {
	return map[string]api.HealthCheck{
		"postgres": a.Postgres.Ping,
		"redis":    a.Redis.Ping,
	}
}

// Close releases connections in reverse order of opening
func (a *App) Close() {
	if a.Chains != nil {
		a.Chains.Close()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
