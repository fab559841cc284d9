package doctor

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Oracle.Provider = "offline"
	return &cfg
}

func resultNamed(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_FreshHome(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test")

	if d.System.Version != "test" || len(d.Results) != 8 {
		t.Fatalf("unexpected diagnosis %+v", d)
	}
	want := map[string]string{
		"Config":        StatusWarn,
		"API Key":       StatusPass,
		"Database":      StatusPass,
		"Queue":         StatusPass,
		"Instance Lock": StatusPass,
		"Permissions":   StatusPass,
		"Telegram":      StatusSkip,
		"Network":       StatusSkip,
	}
	for name, status := range want {
		if got := resultNamed(t, d, name); got.Status != status {
			t.Errorf("%s: status %s, want %s (%s)", name, got.Status, status, got.Message)
		}
	}
	if d.Failed() {
		t.Fatal("fresh home should not fail")
	}
}

func TestCheckQueue_WarnsOnStuckActions(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	store, err := persistence.Open(cfg.ResolvedDBPath(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	store.SetClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	if _, err := store.Push(ctx, persistence.NewAction{Description: "stuck", Lane: persistence.LaneUser}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimNext(ctx, persistence.LaneUser, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	store.Close()

	got := checkQueue(ctx, cfg)
	if got.Status != StatusWarn || !strings.Contains(got.Detail, "in-progress=1") {
		t.Fatalf("expected a stuck-action warning, got %+v", got)
	}
}

func TestCheckLock_ReportsOwner(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.LockPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkLock(context.Background(), cfg); got.Status != StatusPass || got.Message != "Held by this process" {
		t.Fatalf("unexpected lock check %+v", got)
	}
}

func TestCheckTelegram(t *testing.T) {
	cfg := testConfig(t)
	cfg.Telegram.Enabled = true
	if got := checkTelegram(context.Background(), cfg); got.Status != StatusFail {
		t.Fatalf("missing token should fail, got %+v", got)
	}
	cfg.Telegram.Token = "123:abc"
	if got := checkTelegram(context.Background(), cfg); got.Status != StatusWarn {
		t.Fatalf("empty allowlist should warn, got %+v", got)
	}
	cfg.Telegram.AllowedChatIDs = []int64{42}
	if got := checkTelegram(context.Background(), cfg); got.Status != StatusPass {
		t.Fatalf("expected pass, got %+v", got)
	}
}

func TestChecks_NilConfig(t *testing.T) {
	d := Diagnosis{}
	for _, check := range []func(context.Context, *config.Config) CheckResult{checkAPIKey, checkDatabase, checkQueue, checkLock, checkPermissions, checkTelegram, checkNetwork} {
		d.Results = append(d.Results, check(context.Background(), nil))
	}
	for _, r := range d.Results {
		if r.Status != StatusSkip {
			t.Fatalf("%s: expected SKIP for nil config, got %s", r.Name, r.Status)
		}
	}
	if got := checkConfig(context.Background(), nil); got.Status != StatusFail {
		t.Fatalf("nil config should fail the config check, got %s", got.Status)
	}
}
