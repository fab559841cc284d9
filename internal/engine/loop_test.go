package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/basket/go-foreman/internal/oracle"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/retry"
	"github.com/basket/go-foreman/internal/tools"
)

const report = "Here is what I found:\n- flight A at 120 EUR\n- flight B at 140 EUR\n- flight C at 155 EUR"

func TestLoop_ExactRepeatAbortsAtStepThree(t *testing.T) {
	o := &scriptedOracle{decide: func(oracle.StepContext) (oracle.Decision, error) {
		return act(call("search", map[string]any{"q": "x"})), nil
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "find x")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || res.Steps != 3 {
		t.Fatalf("expected failure at step 3, got %+v", res)
	}
	if !strings.Contains(res.Reason, "exact_loop") {
		t.Fatalf("expected loop reason, got %q", res.Reason)
	}
	if calls, _ := o.counts(); calls != 3 {
		t.Fatalf("oracle should be asked 3 times, got %d", calls)
	}
	if res.Retry.Outcome != retry.OutcomeTerminal {
		t.Fatalf("loop abort must not be retried, got %+v", res.Retry)
	}
	if got := h.status(t, a.ID); got.Status != persistence.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestLoop_DuplicateDoneIsBlockedAndClaimStands(t *testing.T) {
	o := &scriptedOracle{decide: func(sc oracle.StepContext) (oracle.Decision, error) {
		if sc.Step == 1 {
			return act(say("Done")), nil
		}
		return done("reported", say("Done")), nil
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "rename the file")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunCompleted {
		t.Fatalf("expected completed, got %+v", res)
	}
	if sent := h.sender.messages(); len(sent) != 1 || sent[0] != "Done" {
		t.Fatalf("expected exactly one Done, got %v", sent)
	}
	if got := h.status(t, a.ID); got.PayloadInt(persistence.PayloadMessagesSent) != 1 {
		t.Fatalf("expected messagesSent=1, got %v", got.Payload)
	}
	if h.notifier.count() != 0 {
		t.Fatal("completed actions must not trigger the fallback")
	}
}

func TestLoop_SearchWithoutMessageFailsAuditAndEnqueuesRecovery(t *testing.T) {
	o := &scriptedOracle{decide: func(oracle.StepContext) (oracle.Decision, error) {
		return done("looked it up", call("web_search", map[string]any{"q": "weather"})), nil
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "what is the weather")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || res.RecoveryID == "" {
		t.Fatalf("expected audit failure with recovery, got %+v", res)
	}
	if got := h.status(t, a.ID); got.Status != persistence.StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	recs, err := h.store.List(context.Background(), persistence.ActionFilter{Match: persistence.Action.IsRecovery})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 1 || recs[0].PayloadString(persistence.PayloadRecoveryOf) != a.ID {
		t.Fatalf("expected one recovery for %s, got %+v", a.ID, recs)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("silent terminal failure should notify once, got %d", h.notifier.count())
	}
	if h.fallback.NotifyIfSilent(context.Background(), a.ID, "again") {
		t.Fatal("fallback must not fire twice")
	}
}

func TestLoop_InvalidOutputIsRetriedWithCorrection(t *testing.T) {
	o := &scriptedOracle{}
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		if len(o.seen) <= 2 {
			return oracle.Decision{}, nil
		}
		return done("answered", say("The answer is 42.")), nil
	}
	h := newHarness(t, o, nil)
	a := h.claim(t, "what is the answer")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunCompleted || res.Steps != 1 {
		t.Fatalf("expected completion on step 1, got %+v", res)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.seen) != 3 {
		t.Fatalf("expected 3 oracle calls, got %d", len(o.seen))
	}
	for _, sc := range o.seen {
		if sc.Step != 1 {
			t.Fatalf("invalid output must retry the same step, saw step %d", sc.Step)
		}
	}
	if len(o.seen[1].Corrections) == 0 || len(o.seen[2].Corrections) == 0 {
		t.Fatal("retries should carry a correction")
	}
}

func TestLoop_InvalidOutputExhaustedIsRetryable(t *testing.T) {
	o := &scriptedOracle{decide: func(oracle.StepContext) (oracle.Decision, error) {
		return oracle.Decision{}, nil
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "do something")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || !res.Retry.Scheduled() {
		t.Fatalf("expected scheduled retry, got %+v", res)
	}
	if calls, _ := o.counts(); calls != 4 {
		t.Fatalf("expected 1 call plus 3 retries, got %d", calls)
	}
	if h.notifier.count() != 0 {
		t.Fatal("a scheduled retry is not a terminal failure")
	}
}

func TestLoop_OracleErrorsExhaustAttempts(t *testing.T) {
	o := &scriptedOracle{decide: func(oracle.StepContext) (oracle.Decision, error) {
		return oracle.Decision{}, fmt.Errorf("503 unavailable")
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "do something")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || !strings.Contains(res.Reason, "oracle unavailable") || !res.Retry.Scheduled() {
		t.Fatalf("expected retryable oracle failure, got %+v", res)
	}
	if calls, _ := o.counts(); calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestLoop_StepExhaustionGetsBonusAfterReview(t *testing.T) {
	o := &scriptedOracle{tier: oracle.TierTrivial, answer: oracle.ReviewAnswer{Continue: true}}
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		if sc.Step <= 2 {
			return act(call("search", map[string]any{"q": sc.Step})), nil
		}
		if !slices.ContainsFunc(sc.Corrections, func(c string) bool { return strings.Contains(c, "out of steps") }) {
			return oracle.Decision{}, fmt.Errorf("bonus step without guidance: %v", sc.Corrections)
		}
		return done("delivered", say(report)), nil
	}
	h := newHarness(t, o, nil)
	a := h.claim(t, "compare flights")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunCompleted || res.Steps != 3 {
		t.Fatalf("expected completion on bonus step 3, got %+v", res)
	}
	if _, reviews := o.counts(); reviews != 1 {
		t.Fatalf("expected one review, got %d", reviews)
	}
}

func TestLoop_StepExhaustionTerminatedByReview(t *testing.T) {
	o := &scriptedOracle{tier: oracle.TierTrivial, answer: oracle.ReviewAnswer{Continue: false, Reasoning: "stuck"}}
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		return act(call("search", map[string]any{"q": sc.Step})), nil
	}
	h := newHarness(t, o, nil)
	a := h.claim(t, "compare flights")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || res.Steps != 2 || !strings.Contains(res.Reason, "step budget exhausted") {
		t.Fatalf("expected termination after 2 steps, got %+v", res)
	}
	if res.Retry.Scheduled() {
		t.Fatal("forced termination must not be retried")
	}
}

func TestLoop_FrequencyCeilingRoutesThroughReview(t *testing.T) {
	o := &scriptedOracle{answer: oracle.ReviewAnswer{Continue: false}}
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		return act(call("lookup", map[string]any{"id": sc.Step})), nil
	}
	h := newHarness(t, o, func(c *LoopConfig) { c.Guard.DefaultCeiling = 2 })
	a := h.claim(t, "look things up")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || res.Steps != 3 || !strings.Contains(res.Reason, "frequency_ceiling") {
		t.Fatalf("expected frequency termination at step 3, got %+v", res)
	}
	if _, reviews := o.counts(); reviews != 1 {
		t.Fatalf("expected one review, got %d", reviews)
	}
}

func TestLoop_MessageBudgetContinueAllowsOneMore(t *testing.T) {
	o := &scriptedOracle{answer: oracle.ReviewAnswer{Continue: true}}
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		if sc.Step == 1 {
			return act(say("Starting the search now.")), nil
		}
		return done("reported", call("search", map[string]any{"q": "flights"}), say(report)), nil
	}
	h := newHarness(t, o, func(c *LoopConfig) { c.Tiers.Standard.MaxMessages = 1 })
	a := h.claim(t, "compare flights")

	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunCompleted {
		t.Fatalf("expected completion, got %+v", res)
	}
	if sent := h.sender.messages(); len(sent) != 2 {
		t.Fatalf("expected 2 messages after budget extension, got %v", sent)
	}
	if _, reviews := o.counts(); reviews != 1 {
		t.Fatalf("expected one review, got %d", reviews)
	}
}

func TestLoop_CancelledBeforeFirstStep(t *testing.T) {
	o := &scriptedOracle{decide: func(oracle.StepContext) (oracle.Decision, error) {
		return done("ok", say("hi")), nil
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "say hi")

	if ok, err := h.cancels.Cancel(context.Background(), a.ID); err != nil || !ok {
		t.Fatalf("cancel: %v %v", ok, err)
	}
	res := h.loop.Run(context.Background(), a, "w1")
	if res.Status != RunFailed || res.Reason != "cancelled" {
		t.Fatalf("expected cancelled failure, got %+v", res)
	}
	if calls, _ := o.counts(); calls != 0 {
		t.Fatalf("oracle must not be called after cancel, got %d", calls)
	}
	if h.cancels.Requested(context.Background(), a.ID) {
		t.Fatal("cancel entry should be cleared")
	}
}

func TestLoop_AwaitInputParksUntilProducerResumes(t *testing.T) {
	ctx := context.Background()
	o := &scriptedOracle{}
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		if len(sc.Inputs) == 0 {
			return act(say("Which city?"), call(tools.AwaitInputTool, map[string]any{"question": "Which city?"})), nil
		}
		return done("answered", say("Weather in "+sc.Inputs[0]+": sunny, 21C.")), nil
	}
	h := newHarness(t, o, nil)
	a := h.claim(t, "weather please")

	res := h.loop.Run(ctx, a, "w1")
	if res.Status != RunWaiting {
		t.Fatalf("expected waiting, got %+v", res)
	}
	if got := h.status(t, a.ID); got.Status != persistence.StatusWaiting {
		t.Fatalf("expected waiting status, got %s", got.Status)
	}

	pr, err := h.producer.Push(ctx, Request{
		Description: "Paris",
		Lane:        persistence.LaneUser,
		Payload:     map[string]any{persistence.PayloadChannel: "telegram", persistence.PayloadSession: "chat-7"},
	})
	if err != nil || !pr.Resumed || pr.ActionID != a.ID {
		t.Fatalf("expected resume of %s, got %+v %v", a.ID, pr, err)
	}

	resumed := h.claimNext(t)
	if resumed.ID != a.ID {
		t.Fatalf("expected to reclaim %s, got %s", a.ID, resumed.ID)
	}
	res = h.loop.Run(ctx, resumed, "w1")
	if res.Status != RunCompleted {
		t.Fatalf("expected completion after input, got %+v", res)
	}
	sent := h.sender.messages()
	if len(sent) != 2 || !strings.Contains(sent[1], "Paris") {
		t.Fatalf("unexpected messages %v", sent)
	}
}

func TestLoop_LostOwnershipStopsQuietly(t *testing.T) {
	ctx := context.Background()
	o := &scriptedOracle{}
	var (
		store *persistence.Store
		id    string
	)
	o.decide = func(sc oracle.StepContext) (oracle.Decision, error) {
		// The watchdog fails the action while the oracle is thinking.
		_ = store.UpdateStatus(ctx, id, persistence.StatusFailed, "watchdog")
		return done("ok", say("Result: 42.")), nil
	}
	h := newHarness(t, o, nil)
	store = h.store
	a := h.claim(t, "compute")
	id = a.ID

	res := h.loop.Run(ctx, a, "w1")
	if res.Status != RunLost {
		t.Fatalf("expected lost, got %+v", res)
	}
	if got := h.status(t, a.ID); got.Reason != "watchdog" {
		t.Fatalf("zombie run must not overwrite the watchdog verdict, got %q", got.Reason)
	}
}

func TestLoop_CancelledContextStopsRemainingBatch(t *testing.T) {
	o := &scriptedOracle{decide: func(oracle.StepContext) (oracle.Decision, error) {
		return act(call("lookup", map[string]any{"q": "fares"}), say("here are the results")), nil
	}}
	h := newHarness(t, o, nil)
	a := h.claim(t, "look up fares")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var steps []int
	h.registry.Register("lookup", "lookup tool", func(_ context.Context, c tools.Call, _ map[string]any) (any, error) {
		steps = append(steps, c.Step)
		// The watchdog abandons the run while this tool is executing.
		cancel()
		return map[string]any{"success": true}, nil
	})

	res := h.loop.Run(ctx, a, "w1")
	if res.Status != RunInterrupted {
		t.Fatalf("expected interrupted, got %+v", res)
	}
	if sent := h.sender.messages(); len(sent) != 0 {
		t.Fatalf("no tool may run after the context ended, sent %v", sent)
	}
	if len(steps) != 1 || steps[0] != 1 {
		t.Fatalf("lookup should run once with step 1, got %v", steps)
	}
	if got := h.status(t, a.ID); got.Status != persistence.StatusInProgress {
		t.Fatalf("interrupted run must leave the action for recovery, got %s", got.Status)
	}
}
