// Package task holds the registry of task kinds, the dispatcher that turns a
// submission into a tracked call plus a queued job, and the checkpoint store
// tasks use to resume after a retry.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	apperrors "github.com/ntt-orchestrator/internal/errors"
)

// Name identifies a task kind. It doubles as the queue name.
type Name string

const (
	CheckEvents       Name = "check-events"
	ProcessEvents     Name = "process-events"
	CreateProject     Name = "create-project"
	GenerateSolanaKey Name = "generate-solana-key"
	NotifyFrontend    Name = "notify-frontend"
)

// DefaultNames lists every task kind the worker is expected to serve
func DefaultNames() []Name {
	return []Name{CheckEvents, ProcessEvents, CreateProject, GenerateSolanaKey, NotifyFrontend}
}

// Func runs one task invocation with its JSON parameters
type Func func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Typed adapts a function taking a concrete parameter struct. Parameters that
// do not decode into P fail with a validation error.
func Typed[P any](fn func(ctx context.Context, params P) (interface{}, error)) Func {
	return func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, apperrors.NewValidationError("params", err.Error())
			}
		}
		return fn(ctx, p)
	}
}

// Registry maps task names to their functions. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	handlers map[Name]Func
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Name]Func)}
}

// Register adds fn under name. Registering a name twice is a programming error.
func (r *Registry) Register(name Name, fn Func) *Registry {
	if fn == nil {
		panic(fmt.Sprintf("task: nil function for %s", name))
	}
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("task: %s registered twice", name))
	}
	r.handlers[name] = fn
	return r
}

// Lookup returns the function registered under name
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.handlers[Name(name)]
	return fn, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Validate fails when any of required has no registered function
func (r *Registry) Validate(required ...Name) error {
	var missing []Name
	for _, n := range required {
		if _, ok := r.handlers[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("task registry is missing handlers for %v", missing)
	}
	return nil
}
