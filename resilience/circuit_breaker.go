// Package resilience implements the circuit breaker and retry primitives
// the Backend Multiplexer uses to fall back from a live LLM backend to the
// deterministic mock backend.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cognetic-labs/cogcore/core"
)

// CircuitState is one of the three states in the breaker's state machine.
type CircuitState int

const (
	Closed CircuitState = iota
	Open
	HalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the consecutive-failure state machine:
// the breaker opens only after FailureThreshold consecutive failures, and a
// success anywhere between failures resets the counter — a guarantee a
// sliding-window error-rate model does not give directly.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int // consecutive failures before Closed -> Open
	Cooldown         time.Duration
	Logger           core.Logger
}

func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
		Logger:           &core.NoOpLogger{},
	}
}

// CircuitBreaker is safe for concurrent use. State transitions are guarded
// by a single mutex; the mutation itself never holds across a suspension
// point — callers execute their work outside the lock.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	cooldown         time.Duration
	logger           core.Logger

	state            CircuitState
	consecutiveFails int
	openedAt         time.Time
	halfOpenInFlight bool
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cogcore/backend")
	}
	return &CircuitBreaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		logger:           logger,
		state:            Closed,
	}
}

// State returns the breaker's current state, resolving a stale Open into
// HalfOpen once the cooldown has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() CircuitState {
	if cb.state == Open && time.Since(cb.openedAt) >= cb.cooldown {
		return HalfOpen
	}
	return cb.state
}

// Allow reports whether a live call may be attempted right now, reserving
// the single half-open probe slot if this call is the one to take it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case Closed:
		return true
	case HalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		cb.state = HalfOpen
		return true
	default: // Open, cooldown not elapsed
		return false
	}
}

// RecordSuccess is called after a live call returns successfully.
// Successes are recorded after the call returns so in-flight retries do
// not prematurely close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == HalfOpen || cb.halfOpenInFlight
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = false
	if wasHalfOpen {
		cb.state = Closed
		cb.logger.Info("circuit breaker closed", map[string]interface{}{"breaker": cb.name})
	}
}

// RecordFailure is called after a live call fails. Returns true if this
// call caused a Closed->Open or HalfOpen->Open transition.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == HalfOpen || cb.halfOpenInFlight {
		cb.halfOpenInFlight = false
		cb.state = Open
		cb.openedAt = time.Now()
		cb.consecutiveFails = cb.failureThreshold
		cb.logger.Warn("circuit breaker reopened after half-open probe failure", map[string]interface{}{"breaker": cb.name})
		return true
	}

	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.failureThreshold && cb.state == Closed {
		cb.state = Open
		cb.openedAt = time.Now()
		cb.logger.Warn("circuit breaker opened", map[string]interface{}{
			"breaker":              cb.name,
			"consecutive_failures": cb.consecutiveFails,
		})
		return true
	}
	return false
}

// Reset restores the breaker to Closed with a zeroed failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = Closed
	cb.consecutiveFails = 0
	cb.halfOpenInFlight = false
}

// Execute runs fn if the breaker allows it, recording success/failure.
// Returns core.ErrCircuitOpen without calling fn if the breaker denies the
// call (e.g. a half-open probe is already in flight).
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return fmt.Errorf("%s: %w", cb.name, core.ErrCircuitOpen)
	}
	err := fn(ctx)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}
