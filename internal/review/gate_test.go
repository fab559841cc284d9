package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/guard"
	"github.com/basket/go-foreman/internal/oracle"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/telemetry"
)

type fakeOracle struct {
	answer oracle.ReviewAnswer
	err    error
	calls  int
	last   oracle.ReviewQuery
}

func (f *fakeOracle) Decide(context.Context, persistence.Action, oracle.StepContext) (oracle.Decision, error) {
	return oracle.Decision{}, nil
}

func (f *fakeOracle) Classify(context.Context, persistence.Action) (oracle.Tier, error) {
	return oracle.TierStandard, nil
}

func (f *fakeOracle) Review(_ context.Context, q oracle.ReviewQuery) (oracle.ReviewAnswer, error) {
	f.calls++
	f.last = q
	return f.answer, f.err
}

func TestGate_FastPathAfterSubstantiveDelivery(t *testing.T) {
	o := &fakeOracle{answer: oracle.ReviewAnswer{Continue: true}}
	g := NewGate(o, telemetry.Discard(), nil, nil)

	out := g.Decide(context.Background(), Request{
		Action:   persistence.Action{ID: "a1"},
		Reason:   ReasonStepExhausted,
		Delivery: guard.Delivery{MessagesSent: 1, AnyDeliverySucceeded: true, SubstantiveSent: 1},
	})
	if out.Continue || !out.FastPath {
		t.Fatalf("expected fast-path terminate, got %+v", out)
	}
	if o.calls != 0 {
		t.Fatalf("fast path must not call the oracle, got %d calls", o.calls)
	}
}

func TestGate_AsksOracleOtherwise(t *testing.T) {
	o := &fakeOracle{answer: oracle.ReviewAnswer{Continue: true, Reasoning: "final summary pending"}}
	g := NewGate(o, telemetry.Discard(), nil, nil)

	out := g.Decide(context.Background(), Request{
		Action:      persistence.Action{ID: "a1", Description: "compile report"},
		Reason:      ReasonFrequency,
		Detail:      "web_search reached 20 calls",
		RecentSteps: []string{"step 9: web_search"},
		Delivery:    guard.Delivery{MessagesSent: 1, AnyDeliverySucceeded: true},
	})
	if !out.Continue || out.FastPath {
		t.Fatalf("expected oracle continue, got %+v", out)
	}
	if o.last.Reason != "frequency_ceiling: web_search reached 20 calls" || o.last.MessagesSent != 1 || !o.last.AnyDeliverySucceeded {
		t.Fatalf("unexpected query %+v", o.last)
	}

	// Step exhaustion without substantive delivery still consults the oracle.
	out = g.Decide(context.Background(), Request{Action: persistence.Action{ID: "a2"}, Reason: ReasonStepExhausted})
	if o.calls != 2 || !out.Continue {
		t.Fatalf("expected second oracle call, got calls=%d out=%+v", o.calls, out)
	}
}

func TestGate_FailsClosed(t *testing.T) {
	g := NewGate(&fakeOracle{err: errors.New("model unavailable")}, telemetry.Discard(), nil, nil)
	out := g.Decide(context.Background(), Request{Action: persistence.Action{ID: "a1"}, Reason: ReasonMessageBudget})
	if out.Continue {
		t.Fatalf("oracle failure must terminate, got %+v", out)
	}

	nilGate := NewGate(nil, telemetry.Discard(), nil, nil)
	if out := nilGate.Decide(context.Background(), Request{Reason: ReasonFrequency}); out.Continue {
		t.Fatal("missing oracle must terminate")
	}
}

func TestGate_PublishesVerdict(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicReviewVerdict)
	defer b.Unsubscribe(sub)

	g := NewGate(&fakeOracle{}, telemetry.Discard(), nil, b)
	g.Decide(context.Background(), Request{Action: persistence.Action{ID: "a9"}, Reason: ReasonMessageBudget})

	select {
	case ev := <-sub.Ch():
		v, ok := ev.Payload.(bus.ReviewVerdictEvent)
		if !ok || v.ActionID != "a9" || v.Verdict != "terminate" {
			t.Fatalf("unexpected event %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for verdict event")
	}
}
