package unit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cognetic-labs/cogcore/backend"
	"github.com/cognetic-labs/cogcore/cache"
	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/memory"
	"github.com/cognetic-labs/cogcore/signal"
)

// defaultRoutingWeight is the starting weight for every connection a unit is
// built with; only backward signals ever move it.
const defaultRoutingWeight = 1.0

// Result is what Process reports back to the orchestrator: the forward
// children to route (if any), the artifact this unit itself produced, and —
// for implementation-layer units, which have no outgoing connections —
// whether this artifact is a terminal leaf of the response tree.
//
// Escalate/EscalateInfo let a unit recommend that a backward pass continue
// past it without the unit needing to know its own parent in the session's
// lineage; the orchestrator, which already holds the router's lineage
// table, is the one that actually constructs and routes the escalated
// signal: the router does not execute units, and symmetrically a unit does
// not itself route.
type Result struct {
	Signals      []signal.Signal
	Artifact     backend.Artifact
	CacheHit     bool
	Terminal     bool
	Escalate     bool
	EscalateInfo signal.BackwardInfo
}

// Unit is one cognitive unit: it consumes a signal, builds a prompt from
// its template plus recalled memory, resolves the artifact through the
// response cache and backend multiplexer, and parses the result into child
// signals per its layer's fan-out rule.
type Unit struct {
	id          string
	layer       signal.Layer
	connections []string // unit ids in the adjacent lower layer, empty for Implementation

	prompt       *PromptTemplate
	backendImpl  backend.Backend
	cacheStore   cache.ResponseCache
	memoryStore  memory.MemoryStore
	ttl          time.Duration
	recallDepth  int
	learningRate float64
	// escalateThreshold is the backward-signal magnitude above which this
	// unit recommends the backward pass continue to its own caller.
	escalateThreshold float64

	mu      sync.Mutex
	weights map[string]float64 // child unit id -> routing weight

	logger core.Logger
	tel    core.Telemetry
}

// Config is the construction-time configuration for a Unit. PromptSource may
// be empty to fall back to DefaultPromptTemplateSource.
type Config struct {
	ID                string
	Layer             signal.Layer
	Connections       []string
	PromptVersion     string
	PromptSource      string
	Backend           backend.Backend
	Cache             cache.ResponseCache
	Memory            memory.MemoryStore
	TTL               time.Duration
	RecallDepth       int     // how many recalled memories to fold into the prompt; default 3
	LearningRate      float64 // default 0.1
	EscalateThreshold float64 // default 0.5
	Logger            core.Logger
	Telemetry         core.Telemetry
}

// New builds a Unit from cfg, applying the documented defaults for any
// zero-valued tuning field.
func New(cfg Config) (*Unit, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("unit: Config.ID is required")
	}
	if cfg.Backend == nil {
		return nil, fmt.Errorf("unit: Config.Backend is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("unit: Config.Cache is required")
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("unit: Config.Memory is required")
	}

	tmpl, err := NewPromptTemplate(cfg.PromptVersion, cfg.PromptSource)
	if err != nil {
		return nil, err
	}

	recallDepth := cfg.RecallDepth
	if recallDepth == 0 {
		recallDepth = 3
	}
	learningRate := cfg.LearningRate
	if learningRate == 0 {
		learningRate = 0.1
	}
	escalateThreshold := cfg.EscalateThreshold
	if escalateThreshold == 0 {
		escalateThreshold = 0.5
	}

	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("cogcore/unit")
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = &core.NoOpTelemetry{}
	}

	weights := make(map[string]float64, len(cfg.Connections))
	for _, c := range cfg.Connections {
		weights[c] = defaultRoutingWeight
	}

	return &Unit{
		id:                cfg.ID,
		layer:             cfg.Layer,
		connections:       cfg.Connections,
		prompt:            tmpl,
		backendImpl:       cfg.Backend,
		cacheStore:        cfg.Cache,
		memoryStore:       cfg.Memory,
		ttl:               cfg.TTL,
		recallDepth:       recallDepth,
		learningRate:      learningRate,
		escalateThreshold: escalateThreshold,
		weights:           weights,
		logger:            logger,
		tel:               tel,
	}, nil
}

// ID returns the unit's identifier.
func (u *Unit) ID() string { return u.id }

// Layer returns the unit's cognitive layer.
func (u *Unit) Layer() signal.Layer { return u.layer }

// Weight returns the current routing weight toward childID, 0 if unknown.
func (u *Unit) Weight(childID string) float64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.weights[childID]
}

// Process implements the unit's process(signal) -> []Signal contract,
// dispatching on sig.Direction(): Forward signals drive the
// recall/prompt/cache-or-backend/parse pipeline; Backward signals drive
// routing-weight decay and possible escalation.
func (u *Unit) Process(ctx context.Context, sig signal.Signal) (Result, error) {
	if _, ok := sig.Backward(); ok {
		return u.processBackward(ctx, sig), nil
	}
	return u.processForward(ctx, sig)
}

func (u *Unit) processForward(ctx context.Context, sig signal.Signal) (res Result, err error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	ctx, span := u.tel.StartSpan(ctx, "unit.process")
	defer span.End()
	span.SetAttribute("unit.id", u.id)
	span.SetAttribute("unit.layer", u.layer.String())

	defer func() {
		if r := recover(); r != nil {
			u.logger.ErrorWithContext(ctx, "unit panicked while processing signal", map[string]interface{}{
				"unit_id": u.id,
				"signal":  sig.ID(),
				"panic":   fmt.Sprintf("%v", r),
			})
			span.RecordError(fmt.Errorf("%w: %v", core.ErrUnitPanic, r))
			err = fmt.Errorf("%w: %v", core.ErrUnitPanic, r)
		}
	}()

	if sig.ToUnit() != u.id || sig.ToLayer() != u.layer {
		u.logger.WarnWithContext(ctx, "signal misrouted to this unit", map[string]interface{}{
			"unit_id":  u.id,
			"layer":    u.layer.String(),
			"signal":   sig.ID(),
			"to_unit":  sig.ToUnit(),
			"to_layer": sig.ToLayer().String(),
		})
		return Result{Signals: []signal.Signal{u.misroutedBackward(sig)}}, nil
	}

	content := string(sig.Payload().Bytes)
	u.logger.DebugWithContext(ctx, "signal received", map[string]interface{}{"unit_id": u.id, "signal": sig.ID()})

	u.memoryStore.Record(ctx, u.id, memory.KindSignal, content, sig.Payload().Hash, signalImportance(sig.Depth()))
	u.logger.DebugWithContext(ctx, "signal recorded", map[string]interface{}{"unit_id": u.id, "signal": sig.ID()})

	recalled := u.memoryStore.Recall(ctx, u.id, content, u.recallDepth)
	recalledText := make([]string, len(recalled))
	for i, e := range recalled {
		recalledText[i] = e.Content
	}

	prompt, err := u.prompt.Render(PromptData{
		UnitID:   u.id,
		Layer:    u.layer.String(),
		Payload:  content,
		Recalled: recalledText,
		ParentID: sig.ParentID(),
	})
	if err != nil {
		return Result{}, err
	}

	fp := cache.Fingerprint(u.layer.String(), u.id, sig.Payload().Hash, u.prompt.Version())
	artifact, hit, err := u.cacheStore.GetOrCompute(ctx, fp, u.layer.String(), u.ttl, func(ctx context.Context) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := u.backendImpl.Complete(ctx, u.layer, prompt, sig.Payload().Bytes)
		if err != nil {
			return nil, err
		}
		return []byte(a.Content), nil
	})
	if err != nil {
		return Result{}, err
	}
	u.logger.DebugWithContext(ctx, "artifact resolved", map[string]interface{}{
		"unit_id":  u.id,
		"signal":   sig.ID(),
		"cache_hit": hit,
	})

	children := u.parse(sig, string(artifact))
	u.logger.DebugWithContext(ctx, "signal parsed and emitted", map[string]interface{}{
		"unit_id":  u.id,
		"signal":   sig.ID(),
		"children": len(children),
	})

	if u.memoryStore.ShouldConsolidate(u.id) {
		u.memoryStore.Consolidate(ctx, u.id)
	}

	return Result{
		Signals:  children,
		Artifact: backend.Artifact{Content: string(artifact)},
		CacheHit: hit,
		Terminal: u.layer == signal.LayerImplementation,
	}, nil
}

// parse applies the layer-specific fan-out rule to a resolved artifact:
//
//   - Strategic: fan out to every downstream connection (≥1 children). When
//     the artifact has at least one double-newline-separated section per
//     connection, connection i gets section i and any extra sections are
//     dropped; otherwise every connection gets the full artifact (see
//     splitSections).
//   - Design: exactly one child, passed straight through to the
//     highest-weighted downstream connection (see selectByWeight).
//   - Implementation (and any unit with no connections): terminal, no
//     children — its artifact is a leaf of the response tree.
func (u *Unit) parse(sig signal.Signal, artifact string) []signal.Signal {
	if len(u.connections) == 0 {
		if u.layer == signal.LayerImplementation {
			return nil
		}
		u.logger.Warn("unit has no outgoing connections for a non-terminal layer", map[string]interface{}{
			"unit_id": u.id,
			"layer":   u.layer.String(),
			"error":   core.ErrNoRoute.Error(),
		})
		return []signal.Signal{u.noRouteBackward(sig)}
	}

	switch u.layer {
	case signal.LayerDesign:
		childID := u.selectByWeight()
		child := signal.NewChild(sig, u.id, childID, u.layer, signal.LayerImplementation, signal.Forward, signal.NewPayload([]byte(artifact)))
		return []signal.Signal{child}

	case signal.LayerStrategic:
		sections := splitSections(artifact, len(u.connections))
		children := make([]signal.Signal, 0, len(u.connections))
		for i, childID := range u.connections {
			child := signal.NewChild(sig, u.id, childID, u.layer, signal.LayerDesign, signal.Forward, signal.NewPayload([]byte(sections[i])))
			children = append(children, child)
		}
		return children

	default:
		// Units registered outside the three named layers (e.g. a custom
		// Input/Reflexive-adjacent unit) pass the whole artifact to every
		// connection; with the layer set closed, this branch is reachable
		// only by misconfiguration, not a supported variant.
		children := make([]signal.Signal, 0, len(u.connections))
		for _, childID := range u.connections {
			children = append(children, signal.NewChild(sig, u.id, childID, u.layer, u.layer, signal.Forward, signal.NewPayload([]byte(artifact))))
		}
		return children
	}
}

// selectByWeight returns the connection with the highest current routing
// weight, breaking ties by connection order so selection is stable and
// replayable. This is where backward learning bites: a decayed weight
// toward a failing downstream unit makes the next forward pass prefer its
// siblings. Callers guarantee connections is non-empty.
func (u *Unit) selectByWeight() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	best := u.connections[0]
	bestWeight := u.weights[best]
	for _, c := range u.connections[1:] {
		if u.weights[c] > bestWeight {
			best = c
			bestWeight = u.weights[c]
		}
	}
	return best
}

// signalImportance derives a memory importance from lineage depth: the root
// task is recorded at full importance and each derivation step away from it
// matters a little less to this unit's long-term memory.
func signalImportance(depth int) float64 {
	return 1.0 / (1.0 + float64(depth))
}

// misroutedBackward rejects a signal addressed to the wrong unit or layer:
// instead of processing it, the unit answers the sender with a Backward
// signal so the stage failure stays inside the signal flow rather than
// surfacing as an exception. The reply reverses sig's own layer addressing
// (not u.layer, which on a layer mismatch may not be adjacent to the
// sender's layer) so the courtesy signal itself always routes legally.
func (u *Unit) misroutedBackward(sig signal.Signal) signal.Signal {
	return signal.NewChild(sig, u.id, sig.FromUnit(), sig.ToLayer(), sig.FromLayer(), signal.Backward,
		signal.Payload{},
		signal.WithBackward(signal.BackwardInfo{ErrorKind: "Misrouted", Magnitude: 1.0, SuggestedUnitIDs: []string{u.id}}),
	)
}

// noRouteBackward builds the courtesy Backward signal a unit emits when it
// sits at a non-terminal layer but was wired with no outgoing connections:
// addressed back to sig's sender, carrying core.ErrNoRoute's condition as
// error_kind=NoRoute at full magnitude, mirroring topology.Router's
// routingFailure courtesy signal so a dead end never leaves a lineage leaf
// without an explicit Backward/error signal.
func (u *Unit) noRouteBackward(sig signal.Signal) signal.Signal {
	return signal.NewChild(sig, u.id, sig.FromUnit(), u.layer, sig.FromLayer(), signal.Backward,
		signal.Payload{},
		signal.WithBackward(signal.BackwardInfo{ErrorKind: "NoRoute", Magnitude: 1.0, SuggestedUnitIDs: []string{u.id}}),
	)
}

// splitSections divides content into n non-empty pieces, by "\n\n"
// paragraph boundaries when there are enough of them, else by assigning the
// whole content to every piece (fan-out with full context beats fan-out
// with truncated context when the backend's plan wasn't already segmented).
func splitSections(content string, n int) []string {
	if n <= 0 {
		return nil
	}
	parts := strings.Split(content, "\n\n")
	nonEmpty := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}

	out := make([]string, n)
	if len(nonEmpty) >= n {
		for i := 0; i < n; i++ {
			out[i] = nonEmpty[i]
		}
		return out
	}
	for i := range out {
		out[i] = content
	}
	return out
}

// processBackward applies the learning rule: the routing weight toward
// the signal's sender decays by magnitude*learning_rate, floored at 0. If
// the incoming magnitude clears escalateThreshold, the unit recommends the
// orchestrator continue the backward pass to its own caller rather than
// absorbing it here.
func (u *Unit) processBackward(ctx context.Context, sig signal.Signal) Result {
	info, _ := sig.Backward()

	u.mu.Lock()
	w := u.weights[sig.FromUnit()]
	w -= info.Magnitude * u.learningRate
	if w < 0 {
		w = 0
	}
	u.weights[sig.FromUnit()] = w
	u.mu.Unlock()

	u.logger.InfoWithContext(ctx, "routing weight adjusted", map[string]interface{}{
		"unit_id":    u.id,
		"from_unit":  sig.FromUnit(),
		"magnitude":  info.Magnitude,
		"new_weight": w,
	})

	if info.Magnitude < u.escalateThreshold {
		return Result{}
	}
	return Result{
		Escalate: true,
		EscalateInfo: signal.BackwardInfo{
			ErrorKind:        info.ErrorKind,
			Magnitude:        info.Magnitude,
			SuggestedUnitIDs: append([]string{u.id}, info.SuggestedUnitIDs...),
		},
	}
}
