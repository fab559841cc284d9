package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type actionIDKey struct{}
type laneKey struct{}
type stepKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithActionID attaches an action_id to the context.
func WithActionID(ctx context.Context, actionID string) context.Context {
	return context.WithValue(ctx, actionIDKey{}, actionID)
}

// ActionID extracts action_id from context. Returns "" if absent.
func ActionID(ctx context.Context) string {
	if v, ok := ctx.Value(actionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithLane attaches the lane name to the context.
func WithLane(ctx context.Context, lane string) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// Lane extracts the lane name from context. Returns "" if absent.
func Lane(ctx context.Context) string {
	if v, ok := ctx.Value(laneKey{}).(string); ok {
		return v
	}
	return ""
}

// WithStep attaches the current execution step to the context.
func WithStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepKey{}, step)
}

// Step extracts the execution step (0 if absent).
func Step(ctx context.Context) int {
	if v, ok := ctx.Value(stepKey{}).(int); ok {
		return v
	}
	return 0
}
