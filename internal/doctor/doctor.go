package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/recovery"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkQueue,
		checkLock,
		checkPermissions,
		checkTelegram,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing, running on defaults", Detail: "Run `foreman init` to write one"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Oracle.Provider == "offline" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "Offline oracle needs no key"}
	}
	if strings.TrimSpace(cfg.Oracle.APIKey) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: "Oracle API key configured"}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("No API key for the %s oracle, heuristic fallback only", cfg.Oracle.Provider),
		Detail:  "Set GEMINI_API_KEY or oracle.api_key in config.yaml",
	}
}

// openStore opens the configured database for a check.
func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(cfg.ResolvedDBPath(), nil)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.Counts(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid", Detail: cfg.ResolvedDBPath()}
}

// checkQueue looks for actions the recovery monitor should have reclaimed.
func checkQueue(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Queue", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Queue", Status: StatusSkip, Message: "Database unavailable"}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Queue", Status: StatusFail, Message: fmt.Sprintf("Count failed: %v", err)}
	}
	cutoff := store.Now().Add(-time.Duration(cfg.Recovery.StaleSeconds) * time.Second)
	stale, err := store.StaleInProgress(ctx, cutoff, "")
	if err != nil {
		return CheckResult{Name: "Queue", Status: StatusFail, Message: fmt.Sprintf("Stale query failed: %v", err)}
	}
	summary := fmt.Sprintf("pending=%d in-progress=%d waiting=%d failed=%d completed=%d",
		counts[persistence.StatusPending], counts[persistence.StatusInProgress], counts[persistence.StatusWaiting],
		counts[persistence.StatusFailed], counts[persistence.StatusCompleted])
	if len(stale) > 0 {
		return CheckResult{
			Name:    "Queue",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d action(s) in progress longer than %ds", len(stale), cfg.Recovery.StaleSeconds),
			Detail:  summary,
		}
	}
	return CheckResult{Name: "Queue", Status: StatusPass, Message: summary}
}

func checkLock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Instance Lock", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.LockPath()
	pid, err := recovery.ReadLockOwner(path)
	if errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Instance Lock", Status: StatusPass, Message: "No daemon running", Detail: path}
	}
	if err != nil {
		return CheckResult{Name: "Instance Lock", Status: StatusFail, Message: err.Error(), Detail: path}
	}
	if pid == os.Getpid() {
		return CheckResult{Name: "Instance Lock", Status: StatusPass, Message: "Held by this process", Detail: path}
	}
	return CheckResult{Name: "Instance Lock", Status: StatusPass, Message: fmt.Sprintf("Lock file names pid %d (cleared on start if dead)", pid), Detail: path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled"}
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Enabled without a bot token", Detail: "Set TELEGRAM_BOT_TOKEN or telegram.token"}
	}
	if len(cfg.Telegram.AllowedChatIDs) == 0 {
		return CheckResult{Name: "Telegram", Status: StatusWarn, Message: "No allowed user ids, every message will be refused"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("%d allowed user(s)", len(cfg.Telegram.AllowedChatIDs))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Oracle.Provider == "offline" {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Offline oracle"}
	}
	host := "generativelanguage.googleapis.com"

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.Oracle.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", cfg.Oracle.Provider, addrs),
	}
}
