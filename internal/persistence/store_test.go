package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/persistence"
)

func openTestStore(t *testing.T) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "foreman.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

// fakeClock is a settable store clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(store *persistence.Store) *fakeClock {
	c := &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(c.Now)
	return c
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pushAction(t *testing.T, store *persistence.Store, desc string, lane persistence.Lane, priority int) persistence.Action {
	t.Helper()
	a, err := store.Push(context.Background(), persistence.NewAction{Description: desc, Lane: lane, Priority: priority})
	if err != nil {
		t.Fatalf("push %q: %v", desc, err)
	}
	return a
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"schema_migrations", "actions", "action_events", "action_traces", "side_effects", "schedules", "audit_log"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered';`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	if _, err := persistence.Open(dbPath, nil); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestStore_ReopenKeepsActions(t *testing.T) {
	store, dbPath := openTestStore(t)
	a := pushAction(t, store, "persist me", persistence.LaneUser, 1)
	_ = store.Close()

	reopened, err := persistence.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Description != "persist me" || got.Status != persistence.StatusPending {
		t.Fatalf("unexpected action after reopen: %+v", got)
	}
}

func TestStore_PushRejectsInvalid(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Push(ctx, persistence.NewAction{Description: "  ", Lane: persistence.LaneUser}); !errors.Is(err, persistence.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for empty description, got %v", err)
	}
	if _, err := store.Push(ctx, persistence.NewAction{Description: "x", Lane: "sideways"}); !errors.Is(err, persistence.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction for bad lane, got %v", err)
	}
}

func TestStore_PushDerivesOriginFromPayload(t *testing.T) {
	store, _ := openTestStore(t)
	a, err := store.Push(context.Background(), persistence.NewAction{
		Description: "hello",
		Lane:        persistence.LaneUser,
		Payload:     map[string]any{persistence.PayloadChannel: "telegram", persistence.PayloadSession: "42"},
	})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if a.Origin != "telegram" || a.Session != "42" {
		t.Fatalf("expected origin telegram/42, got %q/%q", a.Origin, a.Session)
	}
}

func TestStore_PushPublishesEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicActionPushed)
	defer b.Unsubscribe(sub)

	store, err := persistence.Open(filepath.Join(t.TempDir(), "foreman.db"), b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	a := pushAction(t, store, "announce", persistence.LaneAutonomy, 0)
	select {
	case ev := <-sub.Ch():
		pushed, ok := ev.Payload.(bus.ActionPushedEvent)
		if !ok || pushed.ActionID != a.ID {
			t.Fatalf("unexpected event payload: %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed event")
	}
}
