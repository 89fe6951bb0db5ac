package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/cognetic-labs/cogcore/core"
)

// RetryConfig configures the single jittered retry performed on backend
// timeout/error before falling back to mock.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxJitter      time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig is one retry with jitter capped at 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  100 * time.Millisecond,
		MaxJitter:     2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Retry runs fn up to config.MaxAttempts times, sleeping a jittered,
// exponentially growing delay between attempts; the jitter is capped at
// MaxJitter and the sleep is context-aware.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffFactor <= 0 {
		cfg.BackoffFactor = 2.0
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		if attempt > 1 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		}

		jitter := time.Duration(math.Abs(math.Sin(float64(attempt))) * float64(cfg.MaxJitter))
		if jitter > cfg.MaxJitter {
			jitter = cfg.MaxJitter
		}
		// add a small random component so concurrent retries across units
		// don't synchronize on the same sin-derived delay
		jitter = time.Duration(float64(jitter) * (0.9 + 0.2*rand.Float64()))
		sleep := delay + jitter
		if sleep > cfg.MaxJitter+delay {
			sleep = cfg.MaxJitter + delay
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// RetryWithBreaker combines Retry with a CircuitBreaker: fn is not invoked
// at all once the breaker denies the call, surfacing core.ErrCircuitOpen.
func RetryWithBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn func(ctx context.Context) error) error {
	return Retry(ctx, cfg, func(ctx context.Context) error {
		if !cb.Allow() {
			return core.ErrCircuitOpen
		}
		err := fn(ctx)
		if err != nil {
			cb.RecordFailure()
			return err
		}
		cb.RecordSuccess()
		return nil
	})
}
