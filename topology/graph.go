// Package topology implements the layer-indexed unit graph, the
// adjacent-layer routing rule, per-unit input queues, and the per-session
// lineage table the orchestrator uses to reconstruct the signal tree.
// Cycle detection is implied rather than run explicitly, since every edge
// strictly increases layer index.
package topology

import (
	"fmt"
	"sync"

	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/signal"
)

// UnitDescriptor is the static shape of one node in the graph: its layer
// and its allowed outgoing connections. Routing weights live on the
// cognitive unit itself, not here — the graph only enforces which
// destinations are legal, not which one gets chosen.
type UnitDescriptor struct {
	ID          string
	Layer       signal.Layer
	Connections []string // unit ids this unit may address, in the adjacent lower layer
}

// Graph owns the set of units, indexed by id and by layer. It is built once
// at startup and treated as read-only during sessions: registering
// units after Validate() has run is still mutation-safe, but sessions
// assume a stable topology for the lifetime of a run.
type Graph struct {
	mu      sync.RWMutex
	units   map[string]UnitDescriptor
	byLayer map[signal.Layer][]string
}

// NewGraph builds an empty graph.
func NewGraph() *Graph {
	return &Graph{
		units:   make(map[string]UnitDescriptor),
		byLayer: make(map[signal.Layer][]string),
	}
}

// AddUnit registers or replaces a unit descriptor.
func (g *Graph) AddUnit(desc UnitDescriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.units[desc.ID]; !exists {
		g.byLayer[desc.Layer] = append(g.byLayer[desc.Layer], desc.ID)
	}
	g.units[desc.ID] = desc
}

// Unit returns the descriptor for id.
func (g *Graph) Unit(id string) (UnitDescriptor, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.units[id]
	return d, ok
}

// UnitsInLayer returns the ids of every unit registered at layer.
func (g *Graph) UnitsInLayer(layer signal.Layer) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.byLayer[layer]))
	copy(out, g.byLayer[layer])
	return out
}

// CanRoute reports whether a signal may legally travel from one layer to
// another: the layers must differ by at most one index.
func CanRoute(from, to signal.Layer) bool {
	return signal.Adjacent(from, to)
}

// Validate checks every registered unit's connections point to units that
// exist and sit in the layer immediately below (one index higher, toward
// Implementation). Because every connection strictly increases layer index,
// the graph is acyclic by construction; no separate cycle check is needed.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, u := range g.units {
		for _, childID := range u.Connections {
			child, ok := g.units[childID]
			if !ok {
				return fmt.Errorf("%w: unit %q connects to unregistered unit %q", core.ErrUnknownUnit, u.ID, childID)
			}
			if child.Layer.Index() != u.Layer.Index()+1 {
				return fmt.Errorf("%w: unit %q (layer %s) connects to %q (layer %s), not the adjacent lower layer",
					core.ErrInvalidTopology, u.ID, u.Layer, childID, child.Layer)
			}
		}
	}
	return nil
}

// Router places signals on per-unit FIFO input queues and maintains the
// per-session lineage table; it never executes a unit itself.
type Router struct {
	graph *Graph

	mu      sync.Mutex
	queues  map[string][]signal.Signal    // unit_id -> FIFO queue
	lineage map[string]map[string]string  // session_id -> signal_id -> parent_id
	order   map[string]map[string]int     // session_id -> signal_id -> arrival sequence, for deterministic DFS ordering
	seq     map[string]int                // session_id -> next arrival sequence

	logger core.Logger
}

// RouterOption configures optional Router fields.
type RouterOption func(*Router)

func WithLogger(l core.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a Router over graph.
func NewRouter(graph *Graph, opts ...RouterOption) *Router {
	r := &Router{
		graph:   graph,
		queues:  make(map[string][]signal.Signal),
		lineage: make(map[string]map[string]string),
		order:   make(map[string]map[string]int),
		seq:     make(map[string]int),
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if cal, ok := r.logger.(core.ComponentAwareLogger); ok {
		r.logger = cal.WithComponent("cogcore/topology")
	}
	return r
}

// RouteResult reports what Route did, including the courtesy backward
// signal produced on a routing failure: a failed route still answers the
// sender with a Backward signal before the session aborts.
type RouteResult struct {
	Enqueued bool
	Courtesy signal.Signal
	Err      error
}

// Route validates sig's addressing and, if legal, appends it to its
// destination unit's FIFO queue and records its lineage. On a routing
// failure it does NOT enqueue sig; instead it builds a courtesy Backward
// signal addressed back to sig's sender and returns the typed error the
// orchestrator uses to abort the session.
func (r *Router) Route(sig signal.Signal) RouteResult {
	if sig.ToUnit() != signal.UserSentinel {
		if _, ok := r.graph.Unit(sig.ToUnit()); !ok {
			return r.routingFailure(sig, core.ErrUnknownUnit, "UnknownUnit", fmt.Sprintf("unit %q is not registered", sig.ToUnit()))
		}
	}
	if !CanRoute(sig.FromLayer(), sig.ToLayer()) {
		return r.routingFailure(sig, core.ErrInvalidTopology, "InvalidTopology",
			fmt.Sprintf("route from %s to %s crosses non-adjacent layers", sig.FromLayer(), sig.ToLayer()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.queues[sig.ToUnit()] = append(r.queues[sig.ToUnit()], sig)
	r.recordLineageLocked(sig)

	return RouteResult{Enqueued: true}
}

func (r *Router) routingFailure(sig signal.Signal, sentinel error, kind, message string) RouteResult {
	r.logger.Warn("routing failure", map[string]interface{}{
		"kind":       kind,
		"from_unit":  sig.FromUnit(),
		"to_unit":    sig.ToUnit(),
		"from_layer": sig.FromLayer().String(),
		"to_layer":   sig.ToLayer().String(),
		"message":    message,
	})

	courtesy := signal.NewChild(sig, sig.ToUnit(), sig.FromUnit(), sig.ToLayer(), sig.FromLayer(), signal.Backward,
		signal.Payload{},
		signal.WithBackward(signal.BackwardInfo{ErrorKind: kind, Magnitude: 1.0, SuggestedUnitIDs: []string{sig.ToUnit()}}),
	)

	return RouteResult{
		Enqueued: false,
		Courtesy: courtesy,
		Err:      fmt.Errorf("%s: %w", message, sentinel),
	}
}

// recordLineageLocked must be called with r.mu held.
func (r *Router) recordLineageLocked(sig signal.Signal) {
	sessionID := sig.SessionID()
	if r.lineage[sessionID] == nil {
		r.lineage[sessionID] = make(map[string]string)
		r.order[sessionID] = make(map[string]int)
	}
	if sig.HasParent() {
		r.lineage[sessionID][sig.ID()] = sig.ParentID()
	}
	r.seq[sessionID]++
	r.order[sessionID][sig.ID()] = r.seq[sessionID]
}

// Pop removes and returns the oldest queued signal for unitID (FIFO order
// of arrival), or false if the queue is empty.
func (r *Router) Pop(unitID string) (signal.Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q := r.queues[unitID]
	if len(q) == 0 {
		return signal.Signal{}, false
	}
	sig := q[0]
	r.queues[unitID] = q[1:]
	return sig, true
}

// HasPending reports whether any unit in the session has a non-empty queue.
// Since a single Router instance is expected to serve one session at a time
// in the orchestrator's drive loop, this checks every queue; signals from a
// different, concurrently-running session are simply a different queue key
// (unit ids are global, but sessions don't share Router instances — see
// orchestrator.Orchestrator.Run, which allocates one Router per session).
func (r *Router) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// Parent returns sessionID's lineage parent of signalID, if any.
func (r *Router) Parent(sessionID, signalID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	parentID, ok := r.lineage[sessionID][signalID]
	return parentID, ok
}

// ArrivalOrder returns the monotonically increasing sequence number signalID
// was routed at within sessionID, used to break ties deterministically when
// assembling the lineage tree in depth-first sibling order.
func (r *Router) ArrivalOrder(sessionID, signalID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.order[sessionID][signalID]
}

// Graph returns the underlying topology graph.
func (r *Router) Graph() *Graph { return r.graph }
