package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	apperrors "github.com/ntt-orchestrator/internal/errors"
	"github.com/ntt-orchestrator/internal/logging"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts  int           // Maximum number of attempts, including the first
	InitialDelay time.Duration // Initial delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
	MaxElapsed   time.Duration // Overall budget, zero for none
}

// DefaultRetryConfig returns a default retry configuration
// Pattern: 1s, 2s, 4s, 8s, max 30s
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryResult contains information about the retry operation
type RetryResult struct {
	Attempts      int           `json:"attempts"`
	Success       bool          `json:"success"`
	TotalDuration time.Duration `json:"totalDuration"`
	LastError     error         `json:"lastError,omitempty"`
}

// RetryFunc is a function that can be retried
type RetryFunc func(ctx context.Context, attempt int) error

func (c *RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.MaxInterval = c.MaxDelay
	b.Multiplier = c.Multiplier
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = c.MaxElapsed

	var bo backoff.BackOff = b
	if c.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(c.MaxAttempts-1)) // #nosec G115 - MaxAttempts > 0
	}
	return backoff.WithContext(bo, ctx)
}

// WithExponentialBackoff executes fn until it succeeds, returns a
// non-retryable error, or the attempt budget runs out
func WithExponentialBackoff(ctx context.Context, config *RetryConfig, fn RetryFunc) *RetryResult {
	logger := logging.FromContext(ctx)
	startTime := time.Now()
	result := &RetryResult{}

	op := func() error {
		result.Attempts++
		err := fn(ctx, result.Attempts)
		if err != nil && !apperrors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.WithFields(map[string]interface{}{
			"attempt":     result.Attempts,
			"maxAttempts": config.MaxAttempts,
			"delay":       delay.String(),
			"error":       err.Error(),
		}).Warn("Operation failed, retrying with exponential backoff")
	}

	err := backoff.RetryNotify(op, config.backOff(ctx), notify)
	result.TotalDuration = time.Since(startTime)

	if err == nil {
		result.Success = true
		if result.Attempts > 1 {
			logger.WithFields(map[string]interface{}{
				"attempts":      result.Attempts,
				"totalDuration": result.TotalDuration.String(),
			}).Info("Operation succeeded after retry")
		}
		return result
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		result.LastError = ctxErr
	} else {
		result.LastError = err
	}
	return result
}

// WithRetry is a simpler retry function that uses default configuration
func WithRetry(ctx context.Context, fn RetryFunc) error {
	return Do(ctx, DefaultRetryConfig(), fn)
}

// Do runs fn under config and returns the last error wrapped with the attempt count
func Do(ctx context.Context, config *RetryConfig, fn RetryFunc) error {
	result := WithExponentialBackoff(ctx, config, fn)
	if !result.Success {
		return fmt.Errorf("operation failed after %d attempts: %w", result.Attempts, result.LastError)
	}
	return nil
}
