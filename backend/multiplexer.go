package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/resilience"
	"github.com/cognetic-labs/cogcore/signal"
)

// EventSink receives the multiplexer's side-channel events (BudgetExceeded,
// BackendTimeout, CircuitBreakerOpened, ...) so the orchestrator's event log
// can record them without the backend package importing the orchestrator
// package (which owns the event log and would create an import cycle).
type EventSink interface {
	Emit(kind string, fields map[string]interface{})
}

type noopEventSink struct{}

func (noopEventSink) Emit(kind string, fields map[string]interface{}) {}

// sinkCtxKey scopes a per-call EventSink override onto ctx. The Multiplexer
// itself is shared process-wide, but each session owns its own event
// log; ContextWithEventSink lets the orchestrator route one shared
// Multiplexer's side-channel events (BudgetExceeded, breaker transitions)
// back to the correct session's log instead of a single static sink fixed at
// construction time.
type sinkCtxKey struct{}

// ContextWithEventSink attaches sink to ctx for the duration of one call
// chain; Multiplexer.Complete prefers it over its constructor-time default.
func ContextWithEventSink(ctx context.Context, sink EventSink) context.Context {
	return context.WithValue(ctx, sinkCtxKey{}, sink)
}

func eventSinkFromContext(ctx context.Context, fallback EventSink) EventSink {
	if s, ok := ctx.Value(sinkCtxKey{}).(EventSink); ok && s != nil {
		return s
	}
	return fallback
}

// Multiplexer implements the live/mock dispatch policy: circuit-breaker
// short-circuit, budget pre-check, one jittered retry on timeout/5xx, and
// breaker-state bookkeeping on success/failure.
type Multiplexer struct {
	mode core.BackendMode

	live Backend
	mock Backend

	breaker   *resilience.CircuitBreaker
	budget    *BudgetTracker
	estimator CostEstimator

	timeout   time.Duration
	retryCfg  resilience.RetryConfig
	logger    core.Logger
	events    EventSink
}

// MultiplexerOption configures optional Multiplexer fields beyond the
// required constructor arguments.
type MultiplexerOption func(*Multiplexer)

func WithCostEstimator(e CostEstimator) MultiplexerOption {
	return func(m *Multiplexer) { m.estimator = e }
}

func WithEventSink(s EventSink) MultiplexerOption {
	return func(m *Multiplexer) { m.events = s }
}

func WithLogger(l core.Logger) MultiplexerOption {
	return func(m *Multiplexer) { m.logger = l }
}

// NewMultiplexer wires a live backend, a mock backend, a circuit breaker, and
// a per-session budget tracker into one dispatch policy.
func NewMultiplexer(mode core.BackendMode, live, mock Backend, breaker *resilience.CircuitBreaker, budget *BudgetTracker, timeout time.Duration, retryCfg resilience.RetryConfig, opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		mode:      mode,
		live:      live,
		mock:      mock,
		breaker:   breaker,
		budget:    budget,
		estimator: DefaultCostEstimator,
		timeout:   timeout,
		retryCfg:  retryCfg,
		logger:    &core.NoOpLogger{},
		events:    noopEventSink{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if cal, ok := m.logger.(core.ComponentAwareLogger); ok {
		m.logger = cal.WithComponent("cogcore/backend")
	}
	return m
}

// Complete dispatches one completion call per the policy order above.
func (m *Multiplexer) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	sink := eventSinkFromContext(ctx, m.events)

	if m.mode == core.BackendMock {
		return m.mock.Complete(ctx, layer, prompt, content)
	}

	if m.mode == core.BackendHybrid {
		if !m.breaker.Allow() {
			m.logger.Debug("circuit open, routing to mock", map[string]interface{}{"layer": layer.String()})
			return m.mock.Complete(ctx, layer, prompt, content)
		}

		estimated := m.estimator(layer, prompt, content)
		if m.budget.WouldExceed(estimated) {
			sink.Emit("BudgetExceeded", map[string]interface{}{"layer": layer.String(), "estimated_cents": estimated})
			return m.mock.Complete(ctx, layer, prompt, content)
		}
	}

	var artifact Artifact
	err := resilience.Retry(ctx, m.retryCfg, func(attemptCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(attemptCtx, m.timeout)
		defer cancel()

		a, callErr := m.live.Complete(callCtx, layer, prompt, content)
		if callErr != nil {
			if callCtx.Err() != nil {
				return fmt.Errorf("%w: %v", core.ErrBackendTimeout, callErr)
			}
			return fmt.Errorf("%w: %v", core.ErrBackendError, callErr)
		}
		artifact = a
		return nil
	})

	if err != nil {
		m.logger.Warn("live backend call failed, falling back to mock", map[string]interface{}{
			"layer": layer.String(),
			"error": err.Error(),
		})
		sink.Emit("BackendTimeout", map[string]interface{}{"layer": layer.String(), "error": err.Error()})

		if m.mode == core.BackendHybrid {
			opened := m.breaker.RecordFailure()
			if opened {
				sink.Emit("CircuitBreakerOpened", map[string]interface{}{"layer": layer.String()})
			}
			return m.mock.Complete(ctx, layer, prompt, content)
		}
		return Artifact{}, err
	}

	if m.mode == core.BackendHybrid {
		wasHalfOpen := m.breaker.State() == resilience.HalfOpen
		m.breaker.RecordSuccess()
		if wasHalfOpen {
			sink.Emit("CircuitBreakerClosed", map[string]interface{}{"layer": layer.String()})
		}
		m.budget.Record(artifact.CostCents)
	}

	return artifact, nil
}
