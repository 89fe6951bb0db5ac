// Package telemetry provides the optional OpenTelemetry adapter for
// core.Telemetry and core.MetricsRegistry. The core runs with
// core.NoOpTelemetry by default; this package is wired in only when
// Config.Telemetry.Enabled is true. Traces go through the stdout exporter
// so the module never requires a reachable collector to start.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/cognetic-labs/cogcore/core"
)

// sessionBaggageKey is the context key WithSession uses to attach a session
// id to a context, so GetBaggage can recover it without the telemetry
// package importing the orchestrator package.
type sessionBaggageKey struct{}

// WithSession returns a context carrying sessionID for later retrieval by
// GetBaggage. The orchestrator does not call it; a caller that wants session
// ids on log lines attaches one before passing ctx down.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionBaggageKey{}, sessionID)
}

// Provider implements core.Telemetry and core.MetricsRegistry with a local
// OpenTelemetry SDK: traces go to stdout (or are dropped, for "none"),
// metrics are recorded through an in-process meter with no periodic
// exporter; dashboards and collectors are a deployment concern.
type Provider struct {
	tracer trace.Tracer
	meter  metric.Meter

	traceProvider *sdktrace.TracerProvider
	counters      sync.Map // name -> metric.Float64Counter
	gauges        sync.Map // name -> metric.Float64Gauge (recorded as histogram, see below)
	histograms    sync.Map // name -> metric.Float64Histogram

	shutdownOnce sync.Once
}

// NewProvider builds a Provider for serviceName. exporter selects the trace
// sink: "stdout" writes newline-delimited spans to stdout; "none" disables
// tracing entirely while metrics instruments still work.
func NewProvider(serviceName, exporter string) (*Provider, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("telemetry: service name must not be empty")
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceVersionKey.String("1"),
	)

	var tp *sdktrace.TracerProvider
	switch strings.ToLower(exporter) {
	case "none", "":
		tp = sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	default:
		stdoutExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: build stdout trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(stdoutExporter),
			sdktrace.WithResource(res),
		)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		tracer:        tp.Tracer("cogcore"),
		meter:         mp.Meter("cogcore"),
		traceProvider: tp,
	}, nil
}

// StartSpan starts a span named name, returning the derived context and a
// core.Span wrapper units/orchestrator code can End()/SetAttribute on
// without importing otel directly.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := p.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric routes value to a counter, gauge, or histogram instrument
// based on the metric name.
func (p *Provider) RecordMetric(name string, value float64, labels map[string]string) {
	p.EmitWithContext(context.Background(), name, value, flattenLabels(labels)...)
}

// Counter increments name by 1, creating the instrument on first use.
func (p *Provider) Counter(name string, labels ...string) {
	p.EmitWithContext(context.Background(), name, 1, labels...)
}

// Gauge records value for name as a histogram sample (OTel's stable metric
// API has no simple synchronous gauge instrument as of v1.37).
func (p *Provider) Gauge(name string, value float64, labels ...string) {
	p.recordHistogram(context.Background(), name, value, labels...)
}

// Histogram records value for name.
func (p *Provider) Histogram(name string, value float64, labels ...string) {
	p.recordHistogram(context.Background(), name, value, labels...)
}

// EmitWithContext is the context-aware entry point core.Logger uses to
// stamp metrics emitted alongside a log line.
func (p *Provider) EmitWithContext(ctx context.Context, name string, value float64, labels ...string) {
	switch {
	case containsAny(name, "duration", "latency", "time_ms"):
		p.recordHistogram(ctx, name, value, labels...)
	default:
		p.recordCounter(ctx, name, value, labels...)
	}
}

// GetBaggage implements core.MetricsRegistry.GetBaggage: it surfaces the
// active span's trace/span id plus any session id attached via WithSession,
// so ProductionLogger can prefix log lines with trace-correlation fields.
func (p *Provider) GetBaggage(ctx context.Context) map[string]string {
	baggage := map[string]string{}
	if sessionID, ok := ctx.Value(sessionBaggageKey{}).(string); ok && sessionID != "" {
		baggage["session_id"] = sessionID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		baggage["trace_id"] = sc.TraceID().String()
		baggage["span_id"] = sc.SpanID().String()
	}
	return baggage
}

func (p *Provider) recordCounter(ctx context.Context, name string, value float64, labels ...string) {
	inst, _ := p.counters.LoadOrStore(name, mustCounter(p.meter, name))
	inst.(metric.Float64Counter).Add(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

func (p *Provider) recordHistogram(ctx context.Context, name string, value float64, labels ...string) {
	inst, _ := p.histograms.LoadOrStore(name, mustHistogram(p.meter, name))
	inst.(metric.Float64Histogram).Record(ctx, value, metric.WithAttributes(toAttributes(labels)...))
}

func mustCounter(m metric.Meter, name string) metric.Float64Counter {
	c, err := m.Float64Counter(sanitizeInstrumentName(name))
	if err != nil {
		// Name collision between instrument kinds for one metric name is a
		// configuration mistake, not a runtime condition to recover from;
		// a no-op instrument keeps RecordMetric callers from panicking.
		c, _ = m.Float64Counter(sanitizeInstrumentName(name) + "_counter")
	}
	return c
}

func mustHistogram(m metric.Meter, name string) metric.Float64Histogram {
	h, err := m.Float64Histogram(sanitizeInstrumentName(name))
	if err != nil {
		h, _ = m.Float64Histogram(sanitizeInstrumentName(name) + "_histogram")
	}
	return h
}

func sanitizeInstrumentName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func flattenLabels(labels map[string]string) []string {
	flat := make([]string, 0, len(labels)*2)
	for k, v := range labels {
		flat = append(flat, k, v)
	}
	return flat
}

func containsAny(name string, substrings ...string) bool {
	for _, s := range substrings {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}

// Shutdown flushes the trace batcher. Idempotent and safe to call from a
// deferred statement even if NewProvider failed upstream of construction.
func (p *Provider) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		if p.traceProvider != nil {
			err = p.traceProvider.Shutdown(ctx)
		}
	})
	return err
}

// otelSpan adapts a trace.Span to core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", value)))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}
