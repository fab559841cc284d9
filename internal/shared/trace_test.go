package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestActionScope_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if ActionID(ctx) != "" || Lane(ctx) != "" || Step(ctx) != 0 {
		t.Fatal("expected empty defaults")
	}
	ctx = WithActionID(ctx, "a-1")
	ctx = WithLane(ctx, "user")
	ctx = WithStep(ctx, 3)
	if got := ActionID(ctx); got != "a-1" {
		t.Fatalf("expected a-1, got %q", got)
	}
	if got := Lane(ctx); got != "user" {
		t.Fatalf("expected user, got %q", got)
	}
	if got := Step(ctx); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct ids")
	}
}
