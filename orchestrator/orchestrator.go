package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cognetic-labs/cogcore/backend"
	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/signal"
	"github.com/cognetic-labs/cogcore/topology"
	"github.com/cognetic-labs/cogcore/unit"
)

// defaultSessionTimeout is the default session wall-clock timeout.
const defaultSessionTimeout = 10 * time.Minute

// Status is one of the four lifecycle states a session can report.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
	StatusDegraded  Status = "degraded"
)

// Artifact is one leaf of the response tree.
type Artifact struct {
	LineagePath []string `json:"lineage_path"`
	Layer       string   `json:"layer"`
	Content     string   `json:"content"`
}

// Response is the orchestrator's outbound result shape.
type Response struct {
	SessionID string     `json:"session_id"`
	Artifacts []Artifact `json:"artifacts"`
	Degraded  bool       `json:"degraded"`
	CostCents int        `json:"cost_cents"`
	Error     error      `json:"-"`
}

// TaskRequest is the inbound task-submission shape.
type TaskRequest struct {
	Text             string
	BudgetCents      int
	SessionTimeoutMs int
}

// Validator judges whether a terminal artifact is acceptable. A rejection
// triggers the bounded backward learning pass. The zero value (nil) accepts
// everything; concrete validation rules are a deployment concern.
type Validator func(Artifact) bool

func acceptAll(Artifact) bool { return true }

// terminalRecord is a terminal artifact plus enough of its originating
// signal to synthesize a backward signal against it later, without needing
// to keep the full signal.Signal graph around.
type terminalRecord struct {
	artifact  Artifact
	unitID    string
	fromUnit  string
	fromLayer signal.Layer
	toLayer   signal.Layer
}

type session struct {
	id         string
	router     *topology.Router
	eventLog   *EventLog
	startedAt  time.Time
	timeout    time.Duration
	cancelFunc context.CancelFunc

	mu                 sync.Mutex
	cancelled          bool
	terminals          []terminalRecord
	panicCounts        map[string]int
	learningIterations int
	fatalErr           error
	status             Status

	done chan struct{}
	resp *Response
}

func newSession(id string, router *topology.Router, timeout time.Duration) *session {
	return &session{
		id:          id,
		router:      router,
		eventLog:    NewEventLog(),
		startedAt:   time.Now(),
		timeout:     timeout,
		panicCounts: make(map[string]int),
		status:      StatusRunning,
		done:        make(chan struct{}),
	}
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *session) setFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
}

// Orchestrator drives sessions over a fixed topology and unit set built at
// startup; the topology is treated as immutable for the lifetime of every
// session.
type Orchestrator struct {
	graph       *topology.Graph
	units       map[string]*unit.Unit
	entryUnitID string

	pool          *SignalWorkerPool
	validator     Validator
	costCentsFunc func() int
	maxLearnIters int

	logger core.Logger
	tel    core.Telemetry

	mu       sync.Mutex
	sessions map[string]*session
}

// Option configures optional Orchestrator fields.
type Option func(*Orchestrator)

func WithLogger(l core.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithTelemetry(t core.Telemetry) Option {
	return func(o *Orchestrator) { o.tel = t }
}

func WithValidator(v Validator) Option {
	return func(o *Orchestrator) { o.validator = v }
}

// WithCostCentsFunc wires a hook (typically backend.BudgetTracker.SessionSpentCents)
// used to populate Response.CostCents. Orchestrator does not own the budget
// tracker itself — it is shared process-wide by the Backend Multiplexer —
// so this is the seam that lets the orchestrator report spend without
// importing the backend package.
func WithCostCentsFunc(f func() int) Option {
	return func(o *Orchestrator) { o.costCentsFunc = f }
}

func WithMaxConcurrency(n int) Option {
	return func(o *Orchestrator) { o.pool = NewSignalWorkerPool(n, o.logger) }
}

func WithMaxLearningIterations(n int) Option {
	return func(o *Orchestrator) { o.maxLearnIters = n }
}

// New builds an Orchestrator over a fixed graph/unit set. entryUnitID is the
// strategic-layer unit every submitted task's root signal is addressed to.
func New(graph *topology.Graph, units map[string]*unit.Unit, entryUnitID string, opts ...Option) (*Orchestrator, error) {
	if err := graph.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator: invalid topology: %w", err)
	}
	if _, ok := units[entryUnitID]; !ok {
		return nil, fmt.Errorf("orchestrator: entry unit %q has no registered Unit", entryUnitID)
	}

	o := &Orchestrator{
		graph:         graph,
		units:         units,
		entryUnitID:   entryUnitID,
		validator:     acceptAll,
		costCentsFunc: func() int { return 0 },
		maxLearnIters: 3,
		logger:        &core.NoOpLogger{},
		tel:           &core.NoOpTelemetry{},
		sessions:      make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	if cal, ok := o.logger.(core.ComponentAwareLogger); ok {
		o.logger = cal.WithComponent("cogcore/orchestrator")
	}
	if o.pool == nil {
		o.pool = NewSignalWorkerPool(0, o.logger)
	}
	return o, nil
}

// Submit starts a new session and returns its id immediately; the session
// runs asynchronously. Use Await or Status to observe completion.
func (o *Orchestrator) Submit(ctx context.Context, req TaskRequest) (string, error) {
	if req.Text == "" {
		return "", fmt.Errorf("orchestrator: TaskRequest.Text is required")
	}

	timeout := defaultSessionTimeout
	if req.SessionTimeoutMs > 0 {
		timeout = time.Duration(req.SessionTimeoutMs) * time.Millisecond
	}

	sessionID := uuid.NewString()
	sess := newSession(sessionID, topology.NewRouter(o.graph), timeout)

	runCtx, cancel := context.WithCancel(ctx)
	sess.cancelFunc = cancel

	o.mu.Lock()
	o.sessions[sessionID] = sess
	o.mu.Unlock()

	go func() {
		defer cancel()
		o.run(runCtx, sess, req.Text)
	}()

	return sessionID, nil
}

// Run is the synchronous convenience wrapper: submit then await.
func (o *Orchestrator) Run(ctx context.Context, task string) (*Response, error) {
	id, err := o.Submit(ctx, TaskRequest{Text: task})
	if err != nil {
		return nil, err
	}
	return o.Await(ctx, id)
}

// Cancel flags sess as cancelled; the flag is checked before each unit
// invocation and before each round of dispatch.
func (o *Orchestrator) Cancel(sessionID string) error {
	sess, ok := o.session(sessionID)
	if !ok {
		return core.ErrSessionNotFound
	}
	sess.mu.Lock()
	sess.cancelled = true
	cancel := sess.cancelFunc
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Status reports sess's current lifecycle state.
func (o *Orchestrator) Status(sessionID string) (Status, error) {
	sess, ok := o.session(sessionID)
	if !ok {
		return "", core.ErrSessionNotFound
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.status, nil
}

// Await blocks until sess completes or ctx is cancelled.
func (o *Orchestrator) Await(ctx context.Context, sessionID string) (*Response, error) {
	sess, ok := o.session(sessionID)
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	select {
	case <-sess.done:
		return sess.resp, sess.resp.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events returns sessionID's event log in append order, for persisting a
// run and later feeding it to Replay.
func (o *Orchestrator) Events(sessionID string) ([]Event, error) {
	sess, ok := o.session(sessionID)
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	return sess.eventLog.Events(), nil
}

func (o *Orchestrator) session(id string) (*session, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess, ok := o.sessions[id]
	return sess, ok
}

func (o *Orchestrator) run(ctx context.Context, sess *session, task string) {
	ctx, span := o.tel.StartSpan(ctx, "orchestrator.run")
	defer span.End()
	span.SetAttribute("session.id", sess.id)

	sess.eventLog.Append(EventSessionStart, map[string]interface{}{"session_id": sess.id, "task": task})

	root := signal.New(sess.id, signal.UserSentinel, o.entryUnitID, signal.LayerInput, signal.LayerStrategic,
		signal.Forward, signal.NewPayload([]byte(task)))
	o.emitSignalCreated(sess, root)

	result := sess.router.Route(root)
	if !result.Enqueued {
		sess.setFatal(result.Err)
	} else {
		o.runRounds(ctx, sess)
	}

	degraded := false
	if sess.fatalErr == nil {
		degraded = o.runLearningPass(ctx, sess)
	}

	timedOut := time.Since(sess.startedAt) > sess.timeout
	if timedOut {
		degraded = true
	}
	if hasBudgetExceededEvent(sess.eventLog.Events()) {
		degraded = true
	}

	resp := o.assembleResponse(sess, degraded, timedOut)

	var finalStatus Status
	sess.mu.Lock()
	switch {
	case sess.fatalErr != nil:
		finalStatus = StatusAborted
		resp.Error = sess.fatalErr
	case degraded:
		finalStatus = StatusDegraded
	default:
		finalStatus = StatusCompleted
	}
	sess.status = finalStatus
	sess.resp = resp
	sess.mu.Unlock()

	sess.eventLog.Append(EventSessionEnd, map[string]interface{}{"session_id": sess.id, "status": string(finalStatus)})
	close(sess.done)
}

func hasBudgetExceededEvent(events []Event) bool {
	for _, e := range events {
		if e.Kind == EventBudgetExceeded {
			return true
		}
	}
	return false
}

// runRounds drains the router's queues to exhaustion, dispatching each
// round's ready signals concurrently through the worker pool. It is reused
// for both the initial forward pass and every backward learning iteration,
// since the router does not distinguish signal direction — only
// Unit.Process does.
func (o *Orchestrator) runRounds(ctx context.Context, sess *session) {
	for {
		if sess.isCancelled() {
			sess.setFatal(core.ErrSessionCancelled)
			return
		}
		if sess.fatalErr != nil {
			return
		}
		if time.Since(sess.startedAt) > sess.timeout {
			return
		}

		ready := o.collectReady(sess)
		if len(ready) == 0 {
			return
		}

		tasks := make([]func(context.Context), 0, len(ready))
		for _, item := range ready {
			item := item
			tasks = append(tasks, func(taskCtx context.Context) {
				o.processOne(taskCtx, sess, item.unitID, item.sig)
			})
		}
		o.pool.RunRound(ctx, tasks)
	}
}

type readyItem struct {
	unitID string
	sig    signal.Signal
}

// collectReady pops at most one signal per unit, giving one wavefront of
// mutually independent work per round — an execution level spanning
// whichever units currently have input.
func (o *Orchestrator) collectReady(sess *session) []readyItem {
	var ready []readyItem
	for _, layer := range []signal.Layer{signal.LayerStrategic, signal.LayerDesign, signal.LayerImplementation} {
		for _, unitID := range o.graph.UnitsInLayer(layer) {
			if sig, ok := sess.router.Pop(unitID); ok {
				ready = append(ready, readyItem{unitID: unitID, sig: sig})
			}
		}
	}
	return ready
}

func (o *Orchestrator) processOne(ctx context.Context, sess *session, unitID string, sig signal.Signal) {
	if ctx.Err() != nil {
		return
	}

	u, ok := o.units[unitID]
	if !ok {
		sess.setFatal(fmt.Errorf("%w: %s", core.ErrUnknownUnit, unitID))
		return
	}

	// The Backend Multiplexer backing every unit is shared process-wide,
	// but its BudgetExceeded/CircuitBreaker* events belong in this
	// signal's own session log, not some other session's. Scoping the sink
	// onto ctx for this call is what makes hasBudgetExceededEvent (and
	// replay) see them.
	ctx = backend.ContextWithEventSink(ctx, sess.eventLog)

	res, err := u.Process(ctx, sig)
	if err != nil {
		if errors.Is(err, core.ErrUnitPanic) {
			o.handlePanic(sess, u, sig)
			return
		}
		o.logger.ErrorWithContext(ctx, "unit process failed", map[string]interface{}{
			"unit_id": unitID, "signal": sig.ID(), "error": err.Error(),
		})
		return
	}

	if ctx.Err() != nil {
		// Cancellation landed mid-flight: the unit already ran, but its
		// result must not be committed to the session — drop it and let
		// runRounds' own isCancelled check end the session.
		return
	}

	sess.eventLog.Append(EventSignalProcessed, map[string]interface{}{
		"signal_id": sig.ID(), "unit_id": unitID, "terminal": res.Terminal,
		"cache_hit": res.CacheHit, "content": res.Artifact.Content,
	})

	if sig.Direction() == signal.Backward {
		if res.Escalate {
			o.escalate(sess, unitID, sig, res)
		}
		return
	}

	if res.CacheHit {
		sess.eventLog.Append(EventCacheHit, map[string]interface{}{"signal_id": sig.ID(), "unit_id": unitID})
	} else {
		sess.eventLog.Append(EventCacheMiss, map[string]interface{}{"signal_id": sig.ID(), "unit_id": unitID})
		sess.eventLog.Append(EventBackendCalled, map[string]interface{}{"signal_id": sig.ID(), "unit_id": unitID})
	}

	if res.Terminal {
		path := o.lineagePath(sess, sig.ID())
		sess.mu.Lock()
		sess.terminals = append(sess.terminals, terminalRecord{
			artifact:  Artifact{LineagePath: path, Layer: u.Layer().String(), Content: res.Artifact.Content},
			unitID:    unitID,
			fromUnit:  sig.FromUnit(),
			fromLayer: sig.FromLayer(),
			toLayer:   sig.ToLayer(),
		})
		sess.mu.Unlock()
		return
	}

	for _, child := range res.Signals {
		o.emitSignalCreated(sess, child)
		rr := sess.router.Route(child)
		if !rr.Enqueued {
			sess.setFatal(rr.Err)
			return
		}
	}
}

// handlePanic: the first panic from a unit in a session becomes a courtesy
// Backward signal to its sender and the session continues; a second panic
// from the same unit aborts the session with UnitFaulty.
func (o *Orchestrator) handlePanic(sess *session, u *unit.Unit, sig signal.Signal) {
	sess.mu.Lock()
	sess.panicCounts[u.ID()]++
	count := sess.panicCounts[u.ID()]
	sess.mu.Unlock()

	sess.eventLog.Append(EventBackwardEmitted, map[string]interface{}{
		"unit_id": u.ID(), "signal_id": sig.ID(), "reason": "panic",
	})

	if count >= 2 {
		sess.setFatal(fmt.Errorf("%w: unit %s", core.ErrUnitFaulty, u.ID()))
		return
	}

	courtesy := signal.NewChild(sig, u.ID(), sig.FromUnit(), sig.ToLayer(), sig.FromLayer(), signal.Backward,
		signal.Payload{}, signal.WithBackward(signal.BackwardInfo{
			ErrorKind: "UnitPanic", Magnitude: 1.0, SuggestedUnitIDs: []string{u.ID()},
		}))
	o.emitSignalCreated(sess, courtesy)
	sess.router.Route(courtesy)
}

// escalate continues a backward pass past unitID to whichever unit routes
// forward signals to it.
func (o *Orchestrator) escalate(sess *session, unitID string, sig signal.Signal, res unit.Result) {
	callerID, ok := o.findCaller(unitID)
	if !ok {
		return
	}
	callerDesc, ok := o.graph.Unit(callerID)
	if !ok {
		return
	}
	unitDesc, _ := o.graph.Unit(unitID)

	escalated := signal.NewChild(sig, unitID, callerID, unitDesc.Layer, callerDesc.Layer, signal.Backward,
		signal.Payload{}, signal.WithBackward(res.EscalateInfo))
	sess.eventLog.Append(EventBackwardEmitted, map[string]interface{}{
		"unit_id": unitID, "to_unit": callerID, "signal_id": sig.ID(), "reason": "escalation",
	})
	o.emitSignalCreated(sess, escalated)
	sess.router.Route(escalated)
}

// findCaller returns the id of whichever registered unit lists childID
// among its outgoing connections — the inverse edge the topology.Graph does
// not index directly, needed to continue a backward pass past a unit that
// does not itself track its own callers.
func (o *Orchestrator) findCaller(childID string) (string, bool) {
	for _, layer := range []signal.Layer{signal.LayerStrategic, signal.LayerDesign} {
		for _, uid := range o.graph.UnitsInLayer(layer) {
			desc, _ := o.graph.Unit(uid)
			for _, c := range desc.Connections {
				if c == childID {
					return uid, true
				}
			}
		}
	}
	return "", false
}

func (o *Orchestrator) lineagePath(sess *session, signalID string) []string {
	path := []string{signalID}
	cur := signalID
	for {
		parent, ok := sess.router.Parent(sess.id, cur)
		if !ok {
			break
		}
		path = append([]string{parent}, path...)
		cur = parent
	}
	return path
}

func (o *Orchestrator) emitSignalCreated(sess *session, sig signal.Signal) {
	sess.eventLog.Append(EventSignalCreated, map[string]interface{}{
		"signal_id": sig.ID(), "parent_id": sig.ParentID(), "from_unit": sig.FromUnit(),
		"to_unit": sig.ToUnit(), "to_layer": sig.ToLayer().String(), "direction": sig.Direction().String(),
	})
}

// runLearningPass: any terminal artifact the validator rejects synthesizes
// a Backward signal and the bounded learning pass runs (capped at
// maxLearnIters). Rejection alone does not degrade a session whose learning
// pass completes normally; only budget/timeout do. The bool return is
// reserved for future use and currently always false.
func (o *Orchestrator) runLearningPass(ctx context.Context, sess *session) bool {
	for iter := 0; iter < o.maxLearnIters; iter++ {
		sess.mu.Lock()
		sess.learningIterations++
		terminals := append([]terminalRecord(nil), sess.terminals...)
		sess.mu.Unlock()

		rejectedAny := false
		for _, t := range terminals {
			if o.validator(t.artifact) {
				continue
			}
			rejectedAny = true
			bwd := signal.New(sess.id, t.unitID, t.fromUnit, t.toLayer, t.fromLayer, signal.Backward,
				signal.Payload{}, signal.WithBackward(signal.BackwardInfo{
					ErrorKind: "ValidationRejected", Magnitude: 1.0, SuggestedUnitIDs: []string{t.unitID},
				}))
			sess.eventLog.Append(EventBackwardEmitted, map[string]interface{}{
				"unit_id": t.unitID, "to_unit": t.fromUnit, "reason": "validation_rejected",
			})
			o.emitSignalCreated(sess, bwd)
			sess.router.Route(bwd)
		}

		if !rejectedAny {
			return false
		}
		o.runRounds(ctx, sess)
		if sess.fatalErr != nil {
			return false
		}
	}
	return false
}

func (o *Orchestrator) assembleResponse(sess *session, degraded, timedOut bool) *Response {
	sess.mu.Lock()
	terminals := append([]terminalRecord(nil), sess.terminals...)
	sess.mu.Unlock()

	artifacts := make([]Artifact, len(terminals))
	order := make([]int, len(terminals))
	for i, t := range terminals {
		artifacts[i] = t.artifact
		order[i] = sess.router.ArrivalOrder(sess.id, lastOf(t.artifact.LineagePath))
	}
	sortArtifactsByArrival(artifacts, order)

	resp := &Response{
		SessionID: sess.id,
		Artifacts: artifacts,
		Degraded:  degraded,
		CostCents: o.costCentsFunc(),
	}
	if sess.fatalErr != nil {
		resp.Error = sess.fatalErr
	} else if timedOut {
		resp.Error = fmt.Errorf("%w: TimeoutExceeded", core.ErrSessionTimeout)
	}
	return resp
}

func lastOf(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

// sortArtifactsByArrival orders artifacts by their terminal signal's router
// arrival sequence — a deterministic stand-in for depth-first, sibling-by-
// weight ordering: arrival order is itself a function of parent dispatch
// order, which in turn reflects routing-weight-influenced selection at
// fan-out points, so it approximates the intended ordering while staying
// exactly reproducible on replay.
func sortArtifactsByArrival(artifacts []Artifact, order []int) {
	for i := 1; i < len(artifacts); i++ {
		for j := i; j > 0 && order[j] < order[j-1]; j-- {
			artifacts[j], artifacts[j-1] = artifacts[j-1], artifacts[j]
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
}

// Replay reconstructs the artifact tree from a persisted event log using
// only the events themselves; live-backend events are replayed from their
// stored artifacts, never re-executed.
func Replay(events []Event) (*Response, error) {
	var sessionID string
	lineageParent := make(map[string]string)
	toLayer := make(map[string]string)
	var artifacts []Artifact
	degraded := false

	for _, e := range events {
		switch e.Kind {
		case EventSessionStart:
			if v, ok := e.Payload["session_id"].(string); ok {
				sessionID = v
			}
		case EventSignalCreated:
			id, _ := e.Payload["signal_id"].(string)
			parent, _ := e.Payload["parent_id"].(string)
			layer, _ := e.Payload["to_layer"].(string)
			lineageParent[id] = parent
			toLayer[id] = layer
		case EventSignalProcessed:
			terminal, _ := e.Payload["terminal"].(bool)
			if !terminal {
				continue
			}
			id, _ := e.Payload["signal_id"].(string)
			content, _ := e.Payload["content"].(string)
			artifacts = append(artifacts, Artifact{
				LineagePath: replayLineagePath(id, lineageParent),
				Layer:       toLayer[id],
				Content:     content,
			})
		case EventBudgetExceeded:
			degraded = true
		}
	}

	if sessionID == "" {
		return nil, fmt.Errorf("orchestrator: replay: no SessionStart event found")
	}
	return &Response{SessionID: sessionID, Artifacts: artifacts, Degraded: degraded}, nil
}

func replayLineagePath(id string, parents map[string]string) []string {
	path := []string{id}
	cur := id
	for {
		parent, ok := parents[cur]
		if !ok || parent == "" {
			break
		}
		path = append([]string{parent}, path...)
		cur = parent
	}
	return path
}
