package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntt-orchestrator/internal/logging"
)

var errEndpoint = errors.New("endpoint down")

func newTestBreaker(now *time.Time) *Breaker {
	b := New(&Config{Name: "test", MaxConsecutiveFailures: 2, CoolDown: time.Minute, HalfOpenProbes: 1}, logging.NewNop())
	b.now = func() time.Time { return *now }
	return b
}

func fail(ctx context.Context) error    { return errEndpoint }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errEndpoint)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), errEndpoint)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())

	// failed probe reopens
	assert.ErrorIs(t, b.Execute(ctx, fail), errEndpoint)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ProbeBudget(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	now = now.Add(2 * time.Minute)

	err := b.Execute(ctx, func(ctx context.Context) error {
		return b.Execute(ctx, succeed)
	})
	assert.ErrorIs(t, err, ErrTooManyProbes)
}

func TestBreaker_CancelledContextIsNotAFailure(t *testing.T) {
	now := time.Now()
	b := newTestBreaker(&now)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	assert.Equal(t, StateClosed, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}
