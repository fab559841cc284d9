package persistence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/persistence"
)

func TestStore_ClaimOrdersByPriorityThenAge(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newFakeClock(store)
	ctx := context.Background()

	low := pushAction(t, store, "low", persistence.LaneUser, 1)
	clock.Advance(time.Second)
	highOld := pushAction(t, store, "high old", persistence.LaneUser, 5)
	clock.Advance(time.Second)
	highNew := pushAction(t, store, "high new", persistence.LaneUser, 5)
	pushAction(t, store, "other lane", persistence.LaneAutonomy, 9)

	for _, want := range []string{highOld.ID, highNew.ID, low.ID} {
		got, err := store.ClaimNext(ctx, persistence.LaneUser, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if got == nil || got.ID != want {
			t.Fatalf("expected %s, got %+v", want, got)
		}
		if got.Status != persistence.StatusInProgress || got.Owner != "w1" || got.StartedAt == nil {
			t.Fatalf("claim did not set in-progress fields: %+v", got)
		}
	}
	got, err := store.ClaimNext(ctx, persistence.LaneUser, "w1")
	if err != nil {
		t.Fatalf("claim empty lane: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil from drained lane, got %s", got.ID)
	}
}

func TestStore_ClaimSameCreatedAtUsesInsertionOrder(t *testing.T) {
	store, _ := openTestStore(t)
	newFakeClock(store)

	first := pushAction(t, store, "first", persistence.LaneAutonomy, 0)
	pushAction(t, store, "second", persistence.LaneAutonomy, 0)

	got, err := store.ClaimNext(context.Background(), persistence.LaneAutonomy, "w")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.ID != first.ID {
		t.Fatalf("expected first pushed action, got %s", got.Description)
	}
}

func TestStore_ConcurrentClaimHasOneWinner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := pushAction(t, store, "race", persistence.LaneUser, 0)

	const racers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.ClaimNext(ctx, persistence.LaneUser, "racer")
			if err != nil {
				t.Logf("racer error (acceptable): %v", err)
				return
			}
			if got != nil && got.ID == a.ID {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
}

func TestStore_StateMachineRejectsIllegalTransition(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := pushAction(t, store, "illegal", persistence.LaneUser, 0)

	if err := store.UpdateStatus(ctx, a.ID, persistence.StatusCompleted, ""); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("pending -> completed: expected ErrIllegalTransition, got %v", err)
	}
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finish(ctx, a.ID, "w", persistence.StatusCompleted, "done"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	for _, to := range []persistence.Status{persistence.StatusPending, persistence.StatusFailed, persistence.StatusInProgress} {
		if err := store.UpdateStatus(ctx, a.ID, to, ""); !errors.Is(err, persistence.ErrIllegalTransition) {
			t.Fatalf("completed -> %s: expected ErrIllegalTransition, got %v", to, err)
		}
	}
	if err := store.UpdateStatus(ctx, "missing", persistence.StatusFailed, ""); !errors.Is(err, persistence.ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}

func TestStore_TerminalFailedIsAbsorbing(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newFakeClock(store)
	ctx := context.Background()

	unscheduled := failAction(t, store, persistence.LaneUser)
	if err := store.UpdateStatus(ctx, unscheduled.ID, persistence.StatusPending, ""); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("failed without retry -> pending: expected ErrIllegalTransition, got %v", err)
	}

	exhausted := failAction(t, store, persistence.LaneAutonomy)
	if err := store.MarkRetryExhausted(ctx, exhausted.ID, 3, 3); err != nil {
		t.Fatalf("mark exhausted: %v", err)
	}
	if err := store.UpdateStatus(ctx, exhausted.ID, persistence.StatusPending, ""); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("exhausted -> pending: expected ErrIllegalTransition, got %v", err)
	}
	got, _ := store.Get(ctx, exhausted.ID)
	if got.Status != persistence.StatusFailed {
		t.Fatalf("exhausted action revived: %s", got.Status)
	}

	// A scheduled retry may leave failed once; after it is consumed and the
	// action fails again without a new schedule, it stays failed.
	if err := store.ScheduleRetry(ctx, unscheduled.ID, 1, 3, clock.Now()); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if ids, err := store.RequeueDueRetries(ctx, clock.Now()); err != nil || len(ids) != 1 {
		t.Fatalf("requeue: %v %v", ids, err)
	}
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "w"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if err := store.Finish(ctx, unscheduled.ID, "w", persistence.StatusFailed, "loop detected"); err != nil {
		t.Fatalf("fail again: %v", err)
	}
	if err := store.UpdateStatus(ctx, unscheduled.ID, persistence.StatusPending, ""); !errors.Is(err, persistence.ErrIllegalTransition) {
		t.Fatalf("consumed retry -> pending: expected ErrIllegalTransition, got %v", err)
	}
}

func TestStore_FinishChecksOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := pushAction(t, store, "owned", persistence.LaneUser, 0)
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "owner-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.Finish(ctx, a.ID, "owner-b", persistence.StatusCompleted, ""); !errors.Is(err, persistence.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner for foreign owner, got %v", err)
	}
	if err := store.Finish(ctx, a.ID, "owner-a", persistence.StatusFailed, "watchdog"); err != nil {
		t.Fatalf("finish by owner: %v", err)
	}
	// A late finish from the same owner must not overwrite the settled status.
	if err := store.Finish(ctx, a.ID, "owner-a", persistence.StatusCompleted, ""); !errors.Is(err, persistence.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner after settle, got %v", err)
	}
	got, _ := store.Get(ctx, a.ID)
	if got.Status != persistence.StatusFailed || got.Reason != "watchdog" {
		t.Fatalf("expected failed/watchdog, got %s/%s", got.Status, got.Reason)
	}
}

func TestStore_EventsWrittenForTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := pushAction(t, store, "events", persistence.LaneUser, 0)
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finish(ctx, a.ID, "w", persistence.StatusWaiting, "needs input"); err != nil {
		t.Fatalf("wait: %v", err)
	}

	events, err := store.Events(ctx, a.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	want := []persistence.Status{persistence.StatusPending, persistence.StatusInProgress, persistence.StatusWaiting}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(events))
	}
	for i, ev := range events {
		if ev.StateTo != want[i] {
			t.Fatalf("event %d: expected state_to %s, got %s", i, want[i], ev.StateTo)
		}
	}
	if events[2].StateFrom != persistence.StatusInProgress || events[2].Reason != "needs input" {
		t.Fatalf("unexpected last event: %+v", events[2])
	}
}

func TestStore_UpdatePayloadMerges(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a, err := store.Push(ctx, persistence.NewAction{
		Description: "payload",
		Lane:        persistence.LaneUser,
		Payload:     map[string]any{"keep": "yes", "drop": "soon"},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}

	merged, err := store.UpdatePayload(ctx, a.ID, map[string]any{"added": 3, "drop": nil})
	if err != nil {
		t.Fatalf("update payload: %v", err)
	}
	if merged["keep"] != "yes" {
		t.Fatalf("expected keep to survive merge, got %#v", merged)
	}
	if _, ok := merged["drop"]; ok {
		t.Fatalf("expected drop to be deleted, got %#v", merged)
	}

	n, err := store.AddPayloadCount(ctx, a.ID, persistence.PayloadMessagesSent, 2)
	if err != nil || n != 2 {
		t.Fatalf("add count: n=%d err=%v", n, err)
	}
	if err := store.AppendPayloadList(ctx, a.ID, persistence.PayloadNotes, "first"); err != nil {
		t.Fatalf("append list: %v", err)
	}
	got, _ := store.Get(ctx, a.ID)
	if got.PayloadInt(persistence.PayloadMessagesSent) != 2 || got.PayloadInt("added") != 3 {
		t.Fatalf("unexpected counts in payload: %#v", got.Payload)
	}
	if notes := got.PayloadStrings(persistence.PayloadNotes); len(notes) != 1 || notes[0] != "first" {
		t.Fatalf("unexpected notes: %#v", notes)
	}
}

func TestStore_MarkFallbackSentOnlyOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := pushAction(t, store, "fallback", persistence.LaneUser, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			first, err := store.MarkFallbackSent(ctx, a.ID)
			if err != nil {
				t.Errorf("mark fallback: %v", err)
				return
			}
			if first {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if firsts != 1 {
		t.Fatalf("expected exactly one first marker, got %d", firsts)
	}
}

func TestStore_ResumeWaitingOnce(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := pushAction(t, store, "wait", persistence.LaneUser, 0)
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "w"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.Finish(ctx, a.ID, "w", persistence.StatusWaiting, ""); err != nil {
		t.Fatalf("wait: %v", err)
	}

	ok, err := store.ResumeWaiting(ctx, a.ID, persistence.PayloadNotes, "no reply", "waiting reset")
	if err != nil || !ok {
		t.Fatalf("first resume: ok=%v err=%v", ok, err)
	}
	ok, err = store.ResumeWaiting(ctx, a.ID, persistence.PayloadNotes, "no reply", "waiting reset")
	if err != nil || ok {
		t.Fatalf("second resume should be a no-op: ok=%v err=%v", ok, err)
	}

	got, _ := store.Get(ctx, a.ID)
	if got.Status != persistence.StatusPending || got.Owner != "" {
		t.Fatalf("expected pending without owner, got %s owner=%q", got.Status, got.Owner)
	}
	if notes := got.PayloadStrings(persistence.PayloadNotes); len(notes) != 1 {
		t.Fatalf("expected exactly one note, got %#v", notes)
	}
}

func TestStore_AgeQueries(t *testing.T) {
	store, _ := openTestStore(t)
	clock := newFakeClock(store)
	ctx := context.Background()

	mine := pushAction(t, store, "mine", persistence.LaneUser, 0)
	theirs := pushAction(t, store, "theirs", persistence.LaneAutonomy, 0)
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "self"); err != nil {
		t.Fatalf("claim mine: %v", err)
	}
	if _, err := store.ClaimNext(ctx, persistence.LaneAutonomy, "dead-process"); err != nil {
		t.Fatalf("claim theirs: %v", err)
	}
	clock.Advance(10 * time.Minute)
	cutoff := clock.Now().Add(-5 * time.Minute)

	stale, err := store.StaleInProgress(ctx, cutoff, "self")
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != theirs.ID {
		t.Fatalf("expected only foreign stale action, got %+v", stale)
	}
	overdue, err := store.OverdueOwnedBy(ctx, "self", cutoff)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if len(overdue) != 1 || overdue[0].ID != mine.ID {
		t.Fatalf("expected own overdue action, got %+v", overdue)
	}
	recent, err := store.OverdueOwnedBy(ctx, "self", clock.Now().Add(-time.Hour))
	if err != nil || len(recent) != 0 {
		t.Fatalf("expected nothing older than an hour, got %d err=%v", len(recent), err)
	}
}

func TestStore_ListFilters(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	for _, sess := range []string{"a", "a", "b"} {
		if _, err := store.Push(ctx, persistence.NewAction{
			Description: "msg " + sess,
			Lane:        persistence.LaneUser,
			Payload:     map[string]any{persistence.PayloadChannel: "telegram", persistence.PayloadSession: sess},
		}); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	got, err := store.List(ctx, persistence.ActionFilter{Origin: "telegram", Session: "a"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 actions for session a, got %d", len(got))
	}
	limited, err := store.List(ctx, persistence.ActionFilter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d err=%v", len(limited), err)
	}
	counts, err := store.Counts(ctx)
	if err != nil || counts[persistence.StatusPending] != 3 {
		t.Fatalf("expected 3 pending, got %v err=%v", counts, err)
	}
}
