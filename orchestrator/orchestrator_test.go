package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognetic-labs/cogcore/backend"
	"github.com/cognetic-labs/cogcore/cache"
	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/memory"
	"github.com/cognetic-labs/cogcore/signal"
	"github.com/cognetic-labs/cogcore/topology"
	"github.com/cognetic-labs/cogcore/unit"
)

func newChainUnit(t *testing.T, id string, layer signal.Layer, connections []string, cacheStore *cache.Store, memStore *memory.Store) *unit.Unit {
	t.Helper()
	u, err := unit.New(unit.Config{
		ID:          id,
		Layer:       layer,
		Connections: connections,
		Backend:     backend.NewMockBackend(),
		Cache:       cacheStore,
		Memory:      memStore,
		TTL:         time.Minute,
	})
	require.NoError(t, err)
	return u
}

// buildChain wires a minimal three-layer hierarchy: s1 -> d1 -> i1.
func buildChain(t *testing.T) (*topology.Graph, map[string]*unit.Unit) {
	t.Helper()
	cacheStore := cache.NewStore(1<<20, 0.9)
	memStore := memory.NewStore(time.Hour, 100)

	graph := topology.NewGraph()
	graph.AddUnit(topology.UnitDescriptor{ID: "s1", Layer: signal.LayerStrategic, Connections: []string{"d1"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "d1", Layer: signal.LayerDesign, Connections: []string{"i1"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "i1", Layer: signal.LayerImplementation})

	units := map[string]*unit.Unit{
		"s1": newChainUnit(t, "s1", signal.LayerStrategic, []string{"d1"}, cacheStore, memStore),
		"d1": newChainUnit(t, "d1", signal.LayerDesign, []string{"i1"}, cacheStore, memStore),
		"i1": newChainUnit(t, "i1", signal.LayerImplementation, nil, cacheStore, memStore),
	}
	return graph, units
}

// buildFanOut wires a strategic unit with two design branches, each ending
// in its own implementation unit: s1 -> {d1 -> i1, d2 -> i2}.
func buildFanOut(t *testing.T) (*topology.Graph, map[string]*unit.Unit) {
	t.Helper()
	cacheStore := cache.NewStore(1<<20, 0.9)
	memStore := memory.NewStore(time.Hour, 100)

	graph := topology.NewGraph()
	graph.AddUnit(topology.UnitDescriptor{ID: "s1", Layer: signal.LayerStrategic, Connections: []string{"d1", "d2"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "d1", Layer: signal.LayerDesign, Connections: []string{"i1"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "d2", Layer: signal.LayerDesign, Connections: []string{"i2"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "i1", Layer: signal.LayerImplementation})
	graph.AddUnit(topology.UnitDescriptor{ID: "i2", Layer: signal.LayerImplementation})

	units := map[string]*unit.Unit{
		"s1": newChainUnit(t, "s1", signal.LayerStrategic, []string{"d1", "d2"}, cacheStore, memStore),
		"d1": newChainUnit(t, "d1", signal.LayerDesign, []string{"i1"}, cacheStore, memStore),
		"d2": newChainUnit(t, "d2", signal.LayerDesign, []string{"i2"}, cacheStore, memStore),
		"i1": newChainUnit(t, "i1", signal.LayerImplementation, nil, cacheStore, memStore),
		"i2": newChainUnit(t, "i2", signal.LayerImplementation, nil, cacheStore, memStore),
	}
	return graph, units
}

func TestOrchestrator_HappyPathSingleChain(t *testing.T) {
	graph, units := buildChain(t)
	orch, err := New(graph, units, "s1")
	require.NoError(t, err)

	resp, err := orch.Run(context.Background(), "build a widget")
	require.NoError(t, err)
	require.NoError(t, resp.Error)
	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "implementation", resp.Artifacts[0].Layer)
	assert.Equal(t, 0, resp.CostCents)
	assert.False(t, resp.Degraded)
}

func TestOrchestrator_StrategicFanOutProducesTwoArtifacts(t *testing.T) {
	graph, units := buildFanOut(t)
	orch, err := New(graph, units, "s1")
	require.NoError(t, err)

	resp, err := orch.Run(context.Background(), "build a widget with two parts")
	require.NoError(t, err)
	require.Len(t, resp.Artifacts, 2)
	for _, a := range resp.Artifacts {
		assert.Equal(t, "implementation", a.Layer)
		assert.NotEmpty(t, a.LineagePath)
	}
}

func TestOrchestrator_ReplayEquivalence(t *testing.T) {
	graph, units := buildChain(t)
	orch, err := New(graph, units, "s1")
	require.NoError(t, err)

	sessionID, err := orch.Submit(context.Background(), TaskRequest{Text: "replay me"})
	require.NoError(t, err)
	resp, err := orch.Await(context.Background(), sessionID)
	require.NoError(t, err)

	events, err := orch.Events(sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	replayed, err := Replay(events)
	require.NoError(t, err)
	assert.Equal(t, resp.SessionID, replayed.SessionID)
	require.Len(t, replayed.Artifacts, len(resp.Artifacts))
	for i := range resp.Artifacts {
		assert.Equal(t, resp.Artifacts[i].Content, replayed.Artifacts[i].Content)
		assert.Equal(t, resp.Artifacts[i].Layer, replayed.Artifacts[i].Layer)
	}
}

func TestOrchestrator_BackwardLearningReducesWeight(t *testing.T) {
	graph, units := buildChain(t)
	alwaysReject := func(Artifact) bool { return false }
	orch, err := New(graph, units, "s1", WithValidator(alwaysReject), WithMaxLearningIterations(1))
	require.NoError(t, err)

	before := units["d1"].Weight("i1")
	resp, err := orch.Run(context.Background(), "needs revision")
	require.NoError(t, err)
	require.NotNil(t, resp)

	after := units["d1"].Weight("i1")
	assert.Less(t, after, before)

	events, err := orch.Events(resp.SessionID)
	require.NoError(t, err)
	var sawBackward bool
	for _, e := range events {
		if e.Kind == EventBackwardEmitted {
			sawBackward = true
		}
	}
	assert.True(t, sawBackward)
}

// blockingBackend signals entered once Complete is invoked and then waits
// for release to be closed before returning, letting a test land a
// mid-flight Cancel precisely between a unit's cache miss and the result
// it would otherwise commit.
type blockingBackend struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBackend) Complete(ctx context.Context, layer signal.Layer, prompt string, content []byte) (backend.Artifact, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return backend.Artifact{Content: "too late"}, nil
}

func TestOrchestrator_CancelMidFlightDiscardsInFlightResult(t *testing.T) {
	be := &blockingBackend{entered: make(chan struct{}), release: make(chan struct{})}
	cacheStore := cache.NewStore(1<<20, 0.9)
	memStore := memory.NewStore(time.Hour, 100)

	graph := topology.NewGraph()
	graph.AddUnit(topology.UnitDescriptor{ID: "s1", Layer: signal.LayerStrategic, Connections: []string{"d1"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "d1", Layer: signal.LayerDesign, Connections: []string{"i1"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "i1", Layer: signal.LayerImplementation})

	s1, err := unit.New(unit.Config{ID: "s1", Layer: signal.LayerStrategic, Connections: []string{"d1"}, Backend: be, Cache: cacheStore, Memory: memStore, TTL: time.Minute})
	require.NoError(t, err)
	units := map[string]*unit.Unit{
		"s1": s1,
		"d1": newChainUnit(t, "d1", signal.LayerDesign, []string{"i1"}, cacheStore, memStore),
		"i1": newChainUnit(t, "i1", signal.LayerImplementation, nil, cacheStore, memStore),
	}

	orch, err := New(graph, units, "s1")
	require.NoError(t, err)

	sessionID, err := orch.Submit(context.Background(), TaskRequest{Text: "slow task"})
	require.NoError(t, err)

	<-be.entered
	require.NoError(t, orch.Cancel(sessionID))
	close(be.release)

	resp, err := orch.Await(context.Background(), sessionID)
	assert.ErrorIs(t, err, core.ErrSessionCancelled)
	require.NotNil(t, resp)
	assert.ErrorIs(t, resp.Error, core.ErrSessionCancelled)
	assert.Empty(t, resp.Artifacts, "the backend's result must not be committed once the session was cancelled mid-flight")
}

func TestOrchestrator_RunRoundsAbortsWhenSessionCancelled(t *testing.T) {
	graph, units := buildChain(t)
	orch, err := New(graph, units, "s1")
	require.NoError(t, err)

	router := topology.NewRouter(graph)
	sess := newSession("sess-cancel", router, time.Minute)
	sess.cancelled = true

	root := signal.New(sess.id, signal.UserSentinel, "s1", signal.LayerInput, signal.LayerStrategic,
		signal.Forward, signal.NewPayload([]byte("x")))
	router.Route(root)

	orch.runRounds(context.Background(), sess)
	assert.ErrorIs(t, sess.fatalErr, core.ErrSessionCancelled)
}

func TestOrchestrator_StatusNotFound(t *testing.T) {
	graph, units := buildChain(t)
	orch, err := New(graph, units, "s1")
	require.NoError(t, err)

	_, err = orch.Status("does-not-exist")
	assert.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestOrchestrator_NewRejectsUnknownEntryUnit(t *testing.T) {
	graph, units := buildChain(t)
	_, err := New(graph, units, "nope")
	assert.Error(t, err)
}
