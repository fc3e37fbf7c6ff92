package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ntt-orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
)

// RedisBroker wraps the single Redis client shared by every job queue
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker connects to the broker described by cfg.URL
func NewRedisBroker(cfg *config.RedisConfig) (*RedisBroker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an existing client
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

// Close closes the Redis connection
func (r *RedisBroker) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Client returns the underlying Redis client
func (r *RedisBroker) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis is reachable
func (r *RedisBroker) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
