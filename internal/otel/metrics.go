package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	ActionsClaimed   metric.Int64Counter
	ActionsCompleted metric.Int64Counter
	ActionsFailed    metric.Int64Counter
	ActionDuration   metric.Float64Histogram
	Steps            metric.Int64Counter
	ToolCalls        metric.Int64Counter
	ToolDuration     metric.Float64Histogram
	GuardBlocks      metric.Int64Counter
	OracleDuration   metric.Float64Histogram
	ActiveActions    metric.Int64UpDownCounter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ActionsClaimed, "foreman.actions.claimed", "Actions claimed by a lane worker"},
		{&m.ActionsCompleted, "foreman.actions.completed", "Actions that reached completed"},
		{&m.ActionsFailed, "foreman.actions.failed", "Actions that reached failed"},
		{&m.Steps, "foreman.steps", "Execution loop steps"},
		{&m.ToolCalls, "foreman.tool.calls", "Tool invocations executed"},
		{&m.GuardBlocks, "foreman.guard.blocks", "Tool invocations skipped or aborted by guardrails"},
	}
	for _, c := range counters {
		if *c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.ActionDuration, "foreman.action.duration", "Wall time of one action execution"},
		{&m.ToolDuration, "foreman.tool.duration", "Tool call duration"},
		{&m.OracleDuration, "foreman.oracle.duration", "Decision oracle call duration"},
	}
	for _, h := range histograms {
		if *h.dst, err = meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s")); err != nil {
			return nil, err
		}
	}

	m.ActiveActions, err = meter.Int64UpDownCounter("foreman.actions.active",
		metric.WithDescription("Actions currently executing"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(ScopeName))
	return m
}
