package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ntt-orchestrator/internal/logging"
)

// Options configure a Manager
type Options struct {
	Prefix          string
	PollInterval    time.Duration
	// LockDuration is how long a claim stays valid without a refresh
	LockDuration    time.Duration
	// StalledInterval is how often active ids with expired locks are requeued
	StalledInterval time.Duration
	Logger          *logging.Logger
}

// Manager hands out one Queue per task name, all sharing a single Redis client
type Manager struct {
	client *redis.Client
	opts   Options

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a queue manager on top of client
func NewManager(client *redis.Client, opts Options) *Manager {
	if opts.Prefix == "" {
		opts.Prefix = "bull"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LockDuration <= 0 {
		opts.LockDuration = 30 * time.Second
	}
	if opts.StalledInterval <= 0 {
		opts.StalledInterval = opts.LockDuration
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}

	return &Manager{
		client: client,
		opts:   opts,
		queues: make(map[string]*Queue),
	}
}

// GetQueue returns the queue for name, creating it on first use. Repeated
// calls with the same name return the same *Queue.
func (m *Manager) GetQueue(name string) *Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q
	}

	q := &Queue{
		name:            name,
		client:          m.client,
		keys:            newKeySet(m.opts.Prefix, name),
		pollInterval:    m.opts.PollInterval,
		lockDuration:    m.opts.LockDuration,
		stalledInterval: m.opts.StalledInterval,
		logger:          m.opts.Logger.WithField("queue", name),
	}
	m.queues[name] = q
	return q
}

// Queues returns every queue created so far, ordered by name
func (m *Manager) Queues() []*Queue {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Client returns the shared broker client
func (m *Manager) Client() *redis.Client {
	return m.client
}
