package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// CheckpointStore persists named progress markers per call
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, callID, key string, value interface{}) error
	LoadCheckpoint(ctx context.Context, callID string) (map[string]json.RawMessage, error)
}

// Checkpoint lets a task record completed steps so that a retried attempt
// of the same call can skip them
type Checkpoint interface {
	// Load decodes the value stored under key into v and reports whether it existed
	Load(ctx context.Context, key string, v interface{}) (bool, error)
	// Save stores v under key
	Save(ctx context.Context, key string, v interface{}) error
}

type callCheckpoint struct {
	store  CheckpointStore
	callID string

	mu     sync.Mutex
	loaded map[string]json.RawMessage
}

// NewCallCheckpoint returns a Checkpoint backed by the call's ledger row
func NewCallCheckpoint(store CheckpointStore, callID string) Checkpoint {
	return &callCheckpoint{store: store, callID: callID}
}

func (c *callCheckpoint) Load(ctx context.Context, key string, v interface{}) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loaded == nil {
		entries, err := c.store.LoadCheckpoint(ctx, c.callID)
		if err != nil {
			return false, err
		}
		c.loaded = entries
	}

	raw, ok := c.loaded[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode checkpoint %s: %w", key, err)
	}
	return true, nil
}

func (c *callCheckpoint) Save(ctx context.Context, key string, v interface{}) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", key, err)
	}
	if err := c.store.SaveCheckpoint(ctx, c.callID, key, json.RawMessage(encoded)); err != nil {
		return err
	}

	c.mu.Lock()
	if c.loaded != nil {
		c.loaded[key] = encoded
	}
	c.mu.Unlock()
	return nil
}

// noopCheckpoint is used when a task runs outside the worker
type noopCheckpoint struct{}

func (noopCheckpoint) Load(context.Context, string, interface{}) (bool, error) { return false, nil }
func (noopCheckpoint) Save(context.Context, string, interface{}) error         { return nil }

type checkpointKey struct{}
type callIDKey struct{}

// WithCheckpoint attaches cp to ctx
func WithCheckpoint(ctx context.Context, cp Checkpoint) context.Context {
	return context.WithValue(ctx, checkpointKey{}, cp)
}

// CheckpointFrom returns the checkpoint attached to ctx, or one that remembers nothing
func CheckpointFrom(ctx context.Context) Checkpoint {
	if cp, ok := ctx.Value(checkpointKey{}).(Checkpoint); ok {
		return cp
	}
	return noopCheckpoint{}
}

// WithCallID attaches the id of the call being executed
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, callIDKey{}, callID)
}

// CallIDFrom returns the id of the call being executed, if any
func CallIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
