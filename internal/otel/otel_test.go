package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporterCreatesSpans(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartSpan(context.Background(), p.Tracer, "action.run", AttrActionID.String("a-1"))
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span")
	}
	_, child := StartClientSpan(ctx, p.Tracer, "oracle.decide")
	if child.SpanContext().TraceID() != span.SpanContext().TraceID() {
		t.Fatal("expected child span in the same trace")
	}
	child.End()
	span.End()
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.Steps.Add(context.Background(), 3)
	m.GuardBlocks.Add(context.Background(), 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			found[md.Name] = true
		}
	}
	for _, name := range []string{"foreman.steps", "foreman.guard.blocks"} {
		if !found[name] {
			t.Fatalf("metric %s not collected; got %v", name, found)
		}
	}
}

func TestNoopMetrics(t *testing.T) {
	m := NoopMetrics()
	if m == nil || m.ToolCalls == nil {
		t.Fatal("expected noop instruments")
	}
	m.ToolCalls.Add(context.Background(), 1)
}
