// Command cogcore drives one hierarchical cognitive orchestration session
// per invocation: it builds the topology, wires the Backend Multiplexer,
// Response Cache, and Memory Store behind it, submits one task, and prints
// the resulting Response as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cognetic-labs/cogcore/backend"
	"github.com/cognetic-labs/cogcore/cache"
	"github.com/cognetic-labs/cogcore/core"
	"github.com/cognetic-labs/cogcore/memory"
	"github.com/cognetic-labs/cogcore/orchestrator"
	"github.com/cognetic-labs/cogcore/resilience"
	"github.com/cognetic-labs/cogcore/signal"
	"github.com/cognetic-labs/cogcore/telemetry"
	"github.com/cognetic-labs/cogcore/topology"
	"github.com/cognetic-labs/cogcore/unit"
)

const (
	exitOK              = 0
	exitUsageError      = 1
	exitSessionAborted  = 2
	exitBudgetDegraded  = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsageError)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "replay":
		err = replayCmd(os.Args[2:])
	case "status":
		err = statusCmd(os.Args[2:])
	case "cancel":
		err = cancelCmd(os.Args[2:])
	default:
		usage()
		os.Exit(exitUsageError)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "cogcore:", err)
		os.Exit(exitUsageError)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  cogcore run [--config path] [--event-log path] <task>
  cogcore replay <event-log>
  cogcore status <event-log>
  cogcore cancel <session-id>`)
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML deployment manifest")
	eventLogPath := fs.String("event-log", "", "path to persist the session's event log as NDJSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return fmt.Errorf("run requires a task argument")
	}
	task := fs.Arg(0)

	cfg, err := buildConfig(*configPath)
	if err != nil {
		return err
	}

	orch, err := wireOrchestrator(cfg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	sessionID, err := orch.Submit(ctx, orchestrator.TaskRequest{
		Text:             task,
		BudgetCents:      cfg.Budget.PerSessionCents,
		SessionTimeoutMs: 0,
	})
	if err != nil {
		return err
	}

	resp, err := orch.Await(ctx, sessionID)
	if resp == nil {
		return err
	}

	if *eventLogPath != "" {
		events, evErr := orch.Events(sessionID)
		if evErr == nil {
			if wErr := writeEventLog(*eventLogPath, events); wErr != nil {
				fmt.Fprintln(os.Stderr, "cogcore: failed to persist event log:", wErr)
			}
		}
	}

	printResponse(resp)

	switch {
	case resp.Error != nil && !resp.Degraded:
		os.Exit(exitSessionAborted)
	case resp.Degraded:
		os.Exit(exitBudgetDegraded)
	}
	return nil
}

func replayCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("replay requires an event-log path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	events, err := orchestrator.ReadNDJSON(f)
	if err != nil {
		return fmt.Errorf("parse event log: %w", err)
	}

	resp, err := orchestrator.Replay(events)
	if err != nil {
		return err
	}
	printResponse(resp)
	return nil
}

// statusCmd reports a session's terminal state from a persisted event log.
// The orchestrator's in-process Status() reflects a live session for the
// lifetime of the process that ran it (see orchestrator.Orchestrator.Status);
// this CLI is one-shot per invocation, so querying a completed run's status
// after the fact means reading back what it logged, not asking a live
// object.
func statusCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("status requires an event-log path")
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	events, err := orchestrator.ReadNDJSON(f)
	if err != nil {
		return fmt.Errorf("parse event log: %w", err)
	}

	status := "running"
	for _, e := range events {
		if e.Kind == orchestrator.EventSessionEnd {
			if s, ok := e.Payload["status"].(string); ok {
				status = s
			}
		}
	}
	out, _ := json.Marshal(map[string]string{"status": status})
	fmt.Println(string(out))
	return nil
}

// cancelCmd exists to complete the CLI surface; this binary's one-shot
// process-per-session model means there is never a separate live process
// holding the session to cancel. A long-running deployment wires
// Orchestrator.Cancel behind an RPC or HTTP handler instead.
func cancelCmd(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cancel requires a session id")
	}
	return fmt.Errorf("cancel is not meaningful against a one-shot CLI invocation; wire Orchestrator.Cancel into a long-running server to support it")
}

func buildConfig(path string) (*core.Config, error) {
	cfg := core.DefaultConfig()
	if path != "" {
		if err := cfg.LoadConfigFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// wireOrchestrator builds the default three-layer topology (one strategic
// unit fanning out to two design units, each terminating in its own
// implementation unit) behind a shared Backend Multiplexer, Response Cache,
// and Memory Store, driven by the recognized configuration keys.
func wireOrchestrator(cfg *core.Config) (*orchestrator.Orchestrator, error) {
	logger := cfg.Logger()

	var tel core.Telemetry = &core.NoOpTelemetry{}
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.NewProvider(cfg.Telemetry.ServiceName, cfg.Telemetry.Exporter)
		if err != nil {
			return nil, fmt.Errorf("build telemetry provider: %w", err)
		}
		core.SetMetricsRegistry(provider)
		tel = provider
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "backend",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.CooldownMs,
		Logger:           logger,
	})
	budget := backend.NewBudgetTracker(cfg.Budget.PerSessionCents, cfg.Budget.PerHourCents)
	retryCfg := resilience.RetryConfig{
		MaxAttempts:   2,
		InitialDelay:  100 * time.Millisecond,
		MaxJitter:     cfg.Backend.RetryJitterMax,
		BackoffFactor: 2.0,
	}

	var live backend.Backend = backend.NewMockBackend()
	if cfg.Backend.LiveEndpoint != "" {
		live = backend.NewLiveBackend(cfg.Backend.LiveEndpoint, cfg.Backend.LiveAPIKey, cfg.Backend.Timeout)
	}

	eventLog := orchestrator.NewEventLog()
	multiplexer := backend.NewMultiplexer(
		cfg.Backend.Mode,
		live,
		backend.NewMockBackend(),
		breaker,
		budget,
		cfg.Backend.Timeout,
		retryCfg,
		backend.WithEventSink(eventLog),
		backend.WithLogger(logger),
	)

	var cacheStore cache.ResponseCache
	if cfg.Cache.Backend == "redis" {
		rs, err := cache.NewRedisStore(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		cacheStore = rs
	} else {
		cacheStore = cache.NewStore(cfg.Cache.CapacityBytes, cfg.Cache.HighWatermark, cache.WithLogger(logger))
	}

	inProcMem := memory.NewStore(
		time.Duration(cfg.Memory.ShortTermMaxAgeDays)*24*time.Hour,
		cfg.Memory.ConsolidationThreshold,
		memory.WithLogger(logger),
	)
	var memStore memory.MemoryStore = inProcMem
	var persistentMem *memory.PersistentStore
	if cfg.Memory.Backend == "redis" {
		ks, err := memory.NewRedisKnowledgeStore(cfg.Memory.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis memory: %w", err)
		}
		persistentMem = memory.NewPersistentStore(inProcMem, ks, memory.WithPersistentLogger(logger))
		memStore = persistentMem
	}

	graph := topology.NewGraph()
	graph.AddUnit(topology.UnitDescriptor{ID: "strategic-1", Layer: signal.LayerStrategic, Connections: []string{"design-1", "design-2"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "design-1", Layer: signal.LayerDesign, Connections: []string{"impl-1"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "design-2", Layer: signal.LayerDesign, Connections: []string{"impl-2"}})
	graph.AddUnit(topology.UnitDescriptor{ID: "impl-1", Layer: signal.LayerImplementation})
	graph.AddUnit(topology.UnitDescriptor{ID: "impl-2", Layer: signal.LayerImplementation})

	units := map[string]*unit.Unit{}
	unitDefs := []struct {
		id          string
		layer       signal.Layer
		connections []string
		ttl         time.Duration
	}{
		{"strategic-1", signal.LayerStrategic, []string{"design-1", "design-2"}, cfg.Layers.StrategicTTL},
		{"design-1", signal.LayerDesign, []string{"impl-1"}, cfg.Layers.DesignTTL},
		{"design-2", signal.LayerDesign, []string{"impl-2"}, cfg.Layers.DesignTTL},
		{"impl-1", signal.LayerImplementation, nil, cfg.Layers.ImplementationTTL},
		{"impl-2", signal.LayerImplementation, nil, cfg.Layers.ImplementationTTL},
	}
	if persistentMem != nil {
		for _, def := range unitDefs {
			persistentMem.Restore(context.Background(), def.id)
		}
	}

	for _, def := range unitDefs {
		u, err := unit.New(unit.Config{
			ID:                def.id,
			Layer:             def.layer,
			Connections:       def.connections,
			Backend:           multiplexer,
			Cache:             cacheStore,
			Memory:            memStore,
			TTL:               def.ttl,
			LearningRate:      cfg.Learning.Rate,
			EscalateThreshold: cfg.Learning.EscalationMagnitude,
			Logger:            logger,
			Telemetry:         tel,
		})
		if err != nil {
			return nil, fmt.Errorf("build unit %s: %w", def.id, err)
		}
		units[def.id] = u
	}

	orch, err := orchestrator.New(graph, units, "strategic-1",
		orchestrator.WithLogger(logger),
		orchestrator.WithTelemetry(tel),
		orchestrator.WithCostCentsFunc(budget.SessionSpentCents),
		orchestrator.WithMaxLearningIterations(cfg.Learning.MaxIterationsPerSession),
	)
	if err != nil {
		return nil, err
	}
	return orch, nil
}

func writeEventLog(path string, events []orchestrator.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return nil
}

func printResponse(resp *orchestrator.Response) {
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "cogcore: failed to marshal response:", err)
		return
	}
	fmt.Println(string(out))
}
