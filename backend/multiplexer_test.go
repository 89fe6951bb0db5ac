package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/resilience"
	"github.com/cognetic-labs/cogcore/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLiveBackend struct {
	calls int
	fn    func(calls int) (Artifact, error)
}

func (f *fakeLiveBackend) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (Artifact, error) {
	f.calls++
	return f.fn(f.calls)
}

type recordingEventSink struct {
	events []string
}

func (r *recordingEventSink) Emit(kind string, fields map[string]interface{}) {
	r.events = append(r.events, kind)
}

func fastRetryConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  time.Millisecond,
		MaxJitter:     2 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestMultiplexer_HappyPathUsesLiveAndRecordsCost(t *testing.T) {
	live := &fakeLiveBackend{fn: func(calls int) (Artifact, error) {
		return Artifact{Content: "IMPL:print('hello')", CostCents: 2}, nil
	}}
	mock := NewMockBackend()
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("test"))
	budget := NewBudgetTracker(100, 1000)

	mux := NewMultiplexer(core.BackendHybrid, live, mock, breaker, budget, time.Second, fastRetryConfig())

	a, err := mux.Complete(context.Background(), signal.LayerImplementation, "write hello world", []byte("write hello world"))
	require.NoError(t, err)
	assert.False(t, a.Mock)
	assert.Equal(t, "IMPL:print('hello')", a.Content)
	assert.Equal(t, 2, budget.SessionSpentCents())
}

func TestMultiplexer_BudgetZeroForcesMock(t *testing.T) {
	live := &fakeLiveBackend{fn: func(calls int) (Artifact, error) {
		t.Fatal("live backend must never be called when budget is exhausted")
		return Artifact{}, nil
	}}
	mock := NewMockBackend()
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("test"))
	budget := NewBudgetTracker(0, 0)
	sink := &recordingEventSink{}

	mux := NewMultiplexer(core.BackendHybrid, live, mock, breaker, budget, time.Second, fastRetryConfig(), WithEventSink(sink))

	a, err := mux.Complete(context.Background(), signal.LayerStrategic, "p", []byte("c"))
	require.NoError(t, err)
	assert.True(t, a.Mock)
	assert.Contains(t, sink.events, "BudgetExceeded")
}

func TestMultiplexer_TimeoutFallsBackToMockAndRecordsFailure(t *testing.T) {
	live := &fakeLiveBackend{fn: func(calls int) (Artifact, error) {
		return Artifact{}, errors.New("boom")
	}}
	mock := NewMockBackend()
	cfg := resilience.DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 5
	breaker := resilience.NewCircuitBreaker(cfg)
	budget := NewBudgetTracker(100, 1000)
	sink := &recordingEventSink{}

	mux := NewMultiplexer(core.BackendHybrid, live, mock, breaker, budget, time.Second, fastRetryConfig(), WithEventSink(sink))

	a, err := mux.Complete(context.Background(), signal.LayerDesign, "p", []byte("c"))
	require.NoError(t, err)
	assert.True(t, a.Mock)
	assert.Equal(t, 2, live.calls, "exactly one retry before falling back")
	assert.Contains(t, sink.events, "BackendTimeout")
}

func TestMultiplexer_CircuitOpensAfterThreshold(t *testing.T) {
	live := &fakeLiveBackend{fn: func(calls int) (Artifact, error) {
		return Artifact{}, errors.New("500")
	}}
	mock := NewMockBackend()
	cfg := resilience.DefaultCircuitBreakerConfig("test")
	cfg.FailureThreshold = 2
	breaker := resilience.NewCircuitBreaker(cfg)
	budget := NewBudgetTracker(100, 1000)
	sink := &recordingEventSink{}

	mux := NewMultiplexer(core.BackendHybrid, live, mock, breaker, budget, time.Second, fastRetryConfig(), WithEventSink(sink))

	_, err := mux.Complete(context.Background(), signal.LayerDesign, "p", []byte("c1"))
	require.NoError(t, err)

	_, err = mux.Complete(context.Background(), signal.LayerDesign, "p", []byte("c2"))
	require.NoError(t, err)
	callsBeforeOpen := live.calls

	assert.Equal(t, resilience.Open, breaker.State())
	assert.Contains(t, sink.events, "CircuitBreakerOpened")

	_, err = mux.Complete(context.Background(), signal.LayerDesign, "p", []byte("c3"))
	require.NoError(t, err)
	assert.Equal(t, callsBeforeOpen, live.calls, "breaker open: live must not be called again")
}

func TestMultiplexer_CancelledContextSkipsDispatchEntirely(t *testing.T) {
	live := &fakeLiveBackend{fn: func(calls int) (Artifact, error) {
		t.Fatal("live backend must never be called once ctx is already cancelled")
		return Artifact{}, nil
	}}
	mock := NewMockBackend()
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("test"))
	budget := NewBudgetTracker(100, 1000)

	mux := NewMultiplexer(core.BackendHybrid, live, mock, breaker, budget, time.Second, fastRetryConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := mux.Complete(ctx, signal.LayerImplementation, "p", []byte("c"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMultiplexer_MockModeNeverCallsLive(t *testing.T) {
	live := &fakeLiveBackend{fn: func(calls int) (Artifact, error) {
		t.Fatal("live must never be called in mock mode")
		return Artifact{}, nil
	}}
	mock := NewMockBackend()
	breaker := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("test"))
	budget := NewBudgetTracker(100, 1000)

	mux := NewMultiplexer(core.BackendMock, live, mock, breaker, budget, time.Second, fastRetryConfig())

	a, err := mux.Complete(context.Background(), signal.LayerStrategic, "p", []byte("c"))
	require.NoError(t, err)
	assert.True(t, a.Mock)
}
