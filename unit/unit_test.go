package unit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognetic-labs/cogcore/backend"
	"github.com/cognetic-labs/cogcore/cache"
	"github.com/cognetic-labs/cogcore/memory"
	"github.com/cognetic-labs/cogcore/signal"
)

type stubBackend struct {
	content string
	err     error
	calls   int
}

func (s *stubBackend) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (backend.Artifact, error) {
	s.calls++
	if s.err != nil {
		return backend.Artifact{}, s.err
	}
	return backend.Artifact{Content: s.content}, nil
}

func newTestUnit(t *testing.T, layer signal.Layer, connections []string, be backend.Backend) *Unit {
	t.Helper()
	u, err := New(Config{
		ID:          "u1",
		Layer:       layer,
		Connections: connections,
		Backend:     be,
		Cache:       cache.NewStore(1 << 20, 0.9),
		Memory:      memory.NewStore(time.Hour, 100),
		TTL:         time.Minute,
	})
	require.NoError(t, err)
	return u
}

func rootSignal(toUnit string, toLayer signal.Layer, payload string) signal.Signal {
	return signal.New("sess1", signal.UserSentinel, toUnit, signal.LayerInput, toLayer, signal.Forward, signal.NewPayload([]byte(payload)))
}

func TestUnit_StrategicFansOutToEveryConnection(t *testing.T) {
	be := &stubBackend{content: "section one\n\nsection two"}
	u := newTestUnit(t, signal.LayerStrategic, []string{"d1", "d2"}, be)

	res, err := u.Process(context.Background(), rootSignal("u1", signal.LayerStrategic, "build a thing"))
	require.NoError(t, err)
	require.Len(t, res.Signals, 2)
	assert.Equal(t, "d1", res.Signals[0].ToUnit())
	assert.Equal(t, "d2", res.Signals[1].ToUnit())
	assert.Equal(t, signal.LayerDesign, res.Signals[0].ToLayer())
	assert.False(t, res.Terminal)
}

func TestUnit_DesignProducesExactlyOneChild(t *testing.T) {
	be := &stubBackend{content: "implementation plan"}
	u := newTestUnit(t, signal.LayerDesign, []string{"i1"}, be)

	res, err := u.Process(context.Background(), rootSignal("u1", signal.LayerDesign, "design this"))
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, "i1", res.Signals[0].ToUnit())
	assert.Equal(t, signal.LayerImplementation, res.Signals[0].ToLayer())
}

func TestUnit_DesignRoutesByWeightAfterLearning(t *testing.T) {
	be := &stubBackend{content: "implementation plan"}
	u := newTestUnit(t, signal.LayerDesign, []string{"i1", "i2"}, be)

	fwd := rootSignal("u1", signal.LayerDesign, "design this")
	bwd := signal.NewChild(fwd, "i1", "u1", signal.LayerImplementation, signal.LayerDesign, signal.Backward, signal.Payload{},
		signal.WithBackward(signal.BackwardInfo{ErrorKind: "ValidationRejected", Magnitude: 1.0, SuggestedUnitIDs: []string{"i1"}}))
	_, err := u.Process(context.Background(), bwd)
	require.NoError(t, err)
	require.Less(t, u.Weight("i1"), u.Weight("i2"))

	res, err := u.Process(context.Background(), fwd)
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, "i2", res.Signals[0].ToUnit(), "the decayed connection must lose the routing decision")
}

func TestUnit_DesignTiesBreakByConnectionOrder(t *testing.T) {
	be := &stubBackend{content: "implementation plan"}
	u := newTestUnit(t, signal.LayerDesign, []string{"i1", "i2"}, be)

	res, err := u.Process(context.Background(), rootSignal("u1", signal.LayerDesign, "design this"))
	require.NoError(t, err)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, "i1", res.Signals[0].ToUnit(), "equal weights must select deterministically in connection order")
}

func TestUnit_ImplementationIsTerminal(t *testing.T) {
	be := &stubBackend{content: "final artifact"}
	u := newTestUnit(t, signal.LayerImplementation, nil, be)

	res, err := u.Process(context.Background(), rootSignal("u1", signal.LayerImplementation, "implement this"))
	require.NoError(t, err)
	assert.Empty(t, res.Signals)
	assert.True(t, res.Terminal)
	assert.Equal(t, "final artifact", res.Artifact.Content)
}

func TestUnit_DesignWithNoConnectionsEmitsNoRouteBackward(t *testing.T) {
	be := &stubBackend{content: "stranded plan"}
	u := newTestUnit(t, signal.LayerDesign, nil, be)

	fwd := rootSignal("u1", signal.LayerDesign, "design this")
	res, err := u.Process(context.Background(), fwd)
	require.NoError(t, err)
	assert.False(t, res.Terminal)
	require.Len(t, res.Signals, 1)

	bwd := res.Signals[0]
	assert.Equal(t, signal.Backward, bwd.Direction())
	assert.Equal(t, fwd.FromUnit(), bwd.ToUnit())
	assert.Equal(t, fwd.FromLayer(), bwd.ToLayer())

	info, ok := bwd.Backward()
	require.True(t, ok)
	assert.Equal(t, "NoRoute", info.ErrorKind)
	assert.Equal(t, 1.0, info.Magnitude)
	assert.Contains(t, info.SuggestedUnitIDs, "u1")
}

func TestUnit_RejectsMisroutedSignal(t *testing.T) {
	be := &stubBackend{content: "never produced"}
	u := newTestUnit(t, signal.LayerDesign, []string{"i1"}, be)

	res, err := u.Process(context.Background(), rootSignal("someone-else", signal.LayerDesign, "x"))
	require.NoError(t, err)
	assert.Equal(t, 0, be.calls, "a misrouted signal must not reach the backend")
	require.Len(t, res.Signals, 1)

	bwd := res.Signals[0]
	assert.Equal(t, signal.Backward, bwd.Direction())
	info, ok := bwd.Backward()
	require.True(t, ok)
	assert.Equal(t, "Misrouted", info.ErrorKind)
}

func TestUnit_RejectsForwardSignalForWrongLayer(t *testing.T) {
	be := &stubBackend{content: "never produced"}
	u := newTestUnit(t, signal.LayerDesign, []string{"i1"}, be)

	res, err := u.Process(context.Background(), rootSignal("u1", signal.LayerStrategic, "x"))
	require.NoError(t, err)
	assert.Equal(t, 0, be.calls)
	require.Len(t, res.Signals, 1)
	assert.Equal(t, signal.Backward, res.Signals[0].Direction())
}

func TestUnit_CacheHitSkipsBackendOnSecondCall(t *testing.T) {
	be := &stubBackend{content: "cached result"}
	u := newTestUnit(t, signal.LayerImplementation, nil, be)

	sig := rootSignal("u1", signal.LayerImplementation, "same input")
	_, err := u.Process(context.Background(), sig)
	require.NoError(t, err)

	sig2 := rootSignal("u1", signal.LayerImplementation, "same input")
	res, err := u.Process(context.Background(), sig2)
	require.NoError(t, err)
	assert.True(t, res.CacheHit)
	assert.Equal(t, 1, be.calls)
}

func TestUnit_ProcessReturnsEarlyWhenContextAlreadyCancelled(t *testing.T) {
	be := &stubBackend{content: "never reached"}
	u := newTestUnit(t, signal.LayerImplementation, nil, be)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := u.Process(ctx, rootSignal("u1", signal.LayerImplementation, "x"))
	require.Error(t, err)
	assert.Equal(t, 0, be.calls, "backend must not be invoked once ctx is already cancelled")
}

func TestUnit_BackendErrorPropagates(t *testing.T) {
	be := &stubBackend{err: errors.New("boom")}
	u := newTestUnit(t, signal.LayerImplementation, nil, be)

	_, err := u.Process(context.Background(), rootSignal("u1", signal.LayerImplementation, "x"))
	assert.Error(t, err)
}

func TestUnit_BackwardDecaysRoutingWeight(t *testing.T) {
	be := &stubBackend{content: "x"}
	u := newTestUnit(t, signal.LayerStrategic, []string{"d1"}, be)
	assert.Equal(t, 1.0, u.Weight("d1"))

	fwd := rootSignal("u1", signal.LayerStrategic, "x")
	bwd := signal.NewChild(fwd, "d1", "u1", signal.LayerDesign, signal.LayerStrategic, signal.Backward, signal.Payload{},
		signal.WithBackward(signal.BackwardInfo{ErrorKind: "UnitFaulty", Magnitude: 0.4, SuggestedUnitIDs: []string{"d1"}}))

	res, err := u.Process(context.Background(), bwd)
	require.NoError(t, err)
	assert.False(t, res.Escalate)
	assert.InDelta(t, 1.0-0.4*0.1, u.Weight("d1"), 1e-9)
}

func TestUnit_BackwardEscalatesAboveThreshold(t *testing.T) {
	be := &stubBackend{content: "x"}
	u := newTestUnit(t, signal.LayerStrategic, []string{"d1"}, be)

	fwd := rootSignal("u1", signal.LayerStrategic, "x")
	bwd := signal.NewChild(fwd, "d1", "u1", signal.LayerDesign, signal.LayerStrategic, signal.Backward, signal.Payload{},
		signal.WithBackward(signal.BackwardInfo{ErrorKind: "UnitFaulty", Magnitude: 0.9, SuggestedUnitIDs: []string{"d1"}}))

	res, err := u.Process(context.Background(), bwd)
	require.NoError(t, err)
	assert.True(t, res.Escalate)
	assert.Equal(t, 0.9, res.EscalateInfo.Magnitude)
	assert.Contains(t, res.EscalateInfo.SuggestedUnitIDs, "u1")
}

func TestUnit_WeightNeverGoesNegative(t *testing.T) {
	be := &stubBackend{content: "x"}
	u := newTestUnit(t, signal.LayerStrategic, []string{"d1"}, be)

	fwd := rootSignal("u1", signal.LayerStrategic, "x")
	for i := 0; i < 20; i++ {
		bwd := signal.NewChild(fwd, "d1", "u1", signal.LayerDesign, signal.LayerStrategic, signal.Backward, signal.Payload{},
			signal.WithBackward(signal.BackwardInfo{ErrorKind: "UnitFaulty", Magnitude: 1.0}))
		_, err := u.Process(context.Background(), bwd)
		require.NoError(t, err)
	}
	assert.Equal(t, 0.0, u.Weight("d1"))
}

func TestUnit_PanicIsRecoveredAsUnitPanicError(t *testing.T) {
	be := &panicBackend{}
	u := newTestUnit(t, signal.LayerImplementation, nil, be)

	_, err := u.Process(context.Background(), rootSignal("u1", signal.LayerImplementation, "x"))
	require.Error(t, err)
}

type panicBackend struct{}

func (p *panicBackend) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (backend.Artifact, error) {
	panic("simulated backend failure")
}

func TestPromptTemplate_RendersPayloadAndRecalled(t *testing.T) {
	tmpl, err := NewPromptTemplate("v1", "")
	require.NoError(t, err)

	out, err := tmpl.Render(PromptData{UnitID: "u1", Layer: "design", Payload: "do the thing", Recalled: []string{"prior note"}})
	require.NoError(t, err)
	assert.Contains(t, out, "do the thing")
	assert.Contains(t, out, "prior note")
	assert.Contains(t, out, "u1")
}
