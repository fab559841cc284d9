package tools

import (
	"context"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Call identifies the action on whose behalf a tool runs.
type Call struct {
	ActionID string
	Step     int
	Channel  string
	Target   string
}

// Executor runs one tool invocation. It never returns a Go error; every
// failure is a Result of KindError.
type Executor interface {
	Execute(ctx context.Context, call Call, inv Invocation) Result
}

// Handler is a tool implementation. Its raw return goes through Normalize.
type Handler func(ctx context.Context, call Call, args map[string]any) (any, error)

// Spec describes a registered tool to the oracle.
type Spec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type entry struct {
	spec    Spec
	handler Handler
}

// Registry is the in-process Executor.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]entry),
		logger:  logger.With("component", "tools"),
		tracer:  nooptrace.NewTracerProvider().Tracer(otel.ScopeName),
		metrics: otel.NoopMetrics(),
	}
}

// Instrument attaches a tracer and metrics.
func (r *Registry) Instrument(tracer trace.Tracer, metrics *otel.Metrics) {
	if tracer != nil {
		r.tracer = tracer
	}
	if metrics != nil {
		r.metrics = metrics
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(name, description string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{spec: Spec{Name: name, Description: description}, handler: h}
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Specs lists registered tools sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	slices.SortFunc(out, func(a, b Spec) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) Execute(ctx context.Context, call Call, inv Invocation) (res Result) {
	r.mu.RLock()
	e, ok := r.entries[inv.Name]
	r.mu.RUnlock()
	if !ok {
		return Failure("unknown tool %q", inv.Name)
	}

	ctx, span := otel.StartSpan(ctx, r.tracer, "tool.execute",
		otel.AttrToolName.String(inv.Name),
		otel.AttrActionID.String(call.ActionID),
		otel.AttrStep.Int(call.Step),
	)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool panicked", "tool", inv.Name, "action_id", call.ActionID, "panic", p, "stack", string(debug.Stack()))
			res = Failure("tool %s panicked: %v", inv.Name, p)
		}
		elapsed := time.Since(start)
		attrs := metric.WithAttributes(attribute.String("tool", inv.Name), attribute.String("outcome", res.Kind.String()))
		r.metrics.ToolCalls.Add(ctx, 1, attrs)
		r.metrics.ToolDuration.Record(ctx, elapsed.Seconds(), attrs)
		if !res.OK() {
			span.SetStatus(codes.Error, res.Message)
		}
		span.End()
	}()

	args := inv.Args
	if args == nil {
		args = map[string]any{}
	}
	res = Normalize(e.handler(ctx, call, args))
	r.logger.Debug("tool executed", "tool", inv.Name, "action_id", call.ActionID, "step", call.Step, "ok", res.OK(), "duration", time.Since(start))
	return res
}
