package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ntt-orchestrator/internal/logging"
)

// DialFunc connects to one RPC endpoint
type DialFunc func(ctx context.Context, url string) (Backend, error)

// DialEthClient dials a go-ethereum client
func DialEthClient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// RPCPool manages the RPC endpoints of one chain with failover.
// Strategy: stick to the current endpoint until it is rate limited or
// unreachable, then move to the next one not in cooldown.
type RPCPool struct {
	endpoints    []string
	clients      []Backend
	currentIndex int
	mu           sync.RWMutex
	cooldowns    map[int]time.Time
	cooldownTime time.Duration
	dial         DialFunc
	logger       *logging.Logger
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints is a list of RPC URLs, primary first
	Endpoints []string
	// CooldownTime is how long a failed endpoint is skipped. Default: 60 seconds
	CooldownTime time.Duration
	// Dial connects to an endpoint. Default: DialEthClient
	Dial   DialFunc
	Logger *logging.Logger
}

// NewRPCPool creates a pool and connects to the primary endpoint
func NewRPCPool(ctx context.Context, cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	pool := &RPCPool{
		endpoints:    cfg.Endpoints,
		clients:      make([]Backend, len(cfg.Endpoints)),
		cooldowns:    make(map[int]time.Time),
		cooldownTime: cfg.CooldownTime,
		dial:         cfg.Dial,
		logger:       cfg.Logger,
	}
	if pool.cooldownTime == 0 {
		pool.cooldownTime = 60 * time.Second
	}
	if pool.dial == nil {
		pool.dial = DialEthClient
	}
	if pool.logger == nil {
		pool.logger = logging.GetGlobalLogger()
	}

	// Connect to first endpoint only (lazy connect others)
	client, err := pool.dial(ctx, cfg.Endpoints[0])
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}
	pool.clients[0] = client

	return pool, nil
}

// SplitEndpoints parses a comma-separated endpoint list
func SplitEndpoints(urls string) []string {
	var endpoints []string
	for _, ep := range strings.Split(urls, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	return endpoints
}

// Client returns the current active client
func (p *RPCPool) Client() Backend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.clients[p.currentIndex]
}

// CurrentIndex returns the current endpoint index
func (p *RPCPool) CurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.currentIndex
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// Failover marks the current endpoint as cooling down and switches to the
// next available one. It returns an error when every endpoint is cooling down.
func (p *RPCPool) Failover(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cooldowns[p.currentIndex] = time.Now()

	startIndex := p.currentIndex
	for i := 0; i < len(p.endpoints)-1; i++ {
		nextIndex := (startIndex + 1 + i) % len(p.endpoints)

		if since, exists := p.cooldowns[nextIndex]; exists {
			if time.Since(since) < p.cooldownTime {
				continue
			}
			delete(p.cooldowns, nextIndex)
		}

		if err := p.switchToEndpoint(ctx, nextIndex); err != nil {
			p.logger.WithError(err).WithField("endpoint", nextIndex).Warn("Failed to switch RPC endpoint")
			continue
		}

		p.logger.WithFields(map[string]interface{}{
			"from": startIndex,
			"to":   nextIndex,
		}).Warn("Switched RPC endpoint")
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are unavailable", len(p.endpoints))
}

// switchToEndpoint switches to a specific endpoint (must hold lock)
func (p *RPCPool) switchToEndpoint(ctx context.Context, index int) error {
	if p.clients[index] == nil {
		client, err := p.dial(ctx, p.endpoints[index])
		if err != nil {
			return fmt.Errorf("failed to connect to endpoint %d: %w", index, err)
		}
		p.clients[index] = client
	}

	p.currentIndex = index
	return nil
}

// ShouldFailover reports whether err warrants trying another endpoint
func ShouldFailover(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "too many requests",
		"timeout", "deadline exceeded",
		"connection refused", "connection reset", "no such host", "eof",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// Close closes all client connections
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, client := range p.clients {
		if client != nil {
			client.Close()
			p.clients[i] = nil
		}
	}
}
