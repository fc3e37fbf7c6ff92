// Package circuitbreaker stops calling an outbound endpoint after repeated
// failures and probes it again once a cool-down has passed.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ntt-orchestrator/internal/logging"
)

// State represents the breaker state
type State string

const (
	// StateClosed lets every call through
	StateClosed State = "closed"
	// StateOpen rejects calls until the cool-down elapses
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of probe calls through
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned without calling the endpoint while the breaker is open
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned when the half-open probe budget is spent
var ErrTooManyProbes = errors.New("too many requests in half-open state")

// Config configures a breaker
type Config struct {
	Name string
	// MaxConsecutiveFailures opens the breaker
	MaxConsecutiveFailures int
	// CoolDown is how long the breaker stays open
	CoolDown time.Duration
	// HalfOpenProbes is how many calls may run while half-open
	HalfOpenProbes int
}

// DefaultConfig returns the defaults used for the frontend endpoint
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                   name,
		MaxConsecutiveFailures: 5,
		CoolDown:               30 * time.Second,
		HalfOpenProbes:         1,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	cfg    Config
	logger *logging.Logger
	now    func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	inFlightProbes   int
	openedAt         time.Time
}

// New creates a closed breaker
func New(cfg *Config, logger *logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	c := *cfg
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 1
	}
	return &Breaker{
		cfg:    c,
		logger: logger.WithField("circuitBreaker", c.Name),
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute runs fn unless the breaker is open. Context cancellation is not
// counted as an endpoint failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn(ctx)
	b.after(err != nil && ctx.Err() == nil)
	return err
}

// State returns the current state, moving open to half-open when due
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpen()
	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.inFlightProbes >= b.cfg.HalfOpenProbes {
			return ErrTooManyProbes
		}
		b.inFlightProbes++
	}
	return nil
}

func (b *Breaker) after(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.inFlightProbes--
		if failed {
			b.setState(StateOpen)
		} else {
			b.setState(StateClosed)
		}
		return
	}

	if !failed {
		b.consecutiveFails = 0
		return
	}
	b.consecutiveFails++
	if b.consecutiveFails >= b.cfg.MaxConsecutiveFailures {
		b.setState(StateOpen)
	}
}

// caller holds mu
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.CoolDown {
		b.setState(StateHalfOpen)
	}
}

// caller holds mu
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}
	b.state = state
	b.consecutiveFails = 0
	b.inFlightProbes = 0
	if state == StateOpen {
		b.openedAt = b.now()
	}
	b.logger.WithField("state", string(state)).Info("Circuit breaker state changed")
}
