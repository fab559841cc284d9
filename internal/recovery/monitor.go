// Package recovery keeps the action queue moving when runs hang, the
// process crashes, or a waiting action never hears back.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/retry"
)

// WaitingResetNote is injected into payload.notes when a waiting action is
// put back on the queue without input.
const WaitingResetNote = "No reply arrived while waiting for input. Continue with what you have or finish with a short status update."

type Config struct {
	// Watchdog is the longest an action may stay in-progress under this
	// process before it is force-failed.
	Watchdog time.Duration
	// Stale is the age after which in-progress actions of other owners are
	// treated as orphaned.
	Stale         time.Duration
	WaitingWindow time.Duration
	Interval      time.Duration
}

func ConfigFrom(cfg config.RecoveryConfig) Config {
	return Config{
		Watchdog:      time.Duration(cfg.WatchdogSeconds) * time.Second,
		Stale:         time.Duration(cfg.StaleSeconds) * time.Second,
		WaitingWindow: time.Duration(cfg.WaitingWindowSeconds) * time.Second,
		Interval:      time.Duration(cfg.SweepIntervalMS) * time.Millisecond,
	}
}

// Abandoner frees the lane of a hung run. *engine.Dispatcher implements it.
type Abandoner interface {
	Abandon(id string) bool
}

// Notifier sends the last-resort message for a silent failure.
// *engine.Fallback implements it.
type Notifier interface {
	NotifyIfSilent(ctx context.Context, id, reason string) bool
}

// SweepResult lists what one pass touched.
type SweepResult struct {
	Watchdog []string `json:"watchdog,omitempty"`
	Stale    []string `json:"stale,omitempty"`
	Resumed  []string `json:"resumed,omitempty"`
}

func (r SweepResult) Empty() bool {
	return len(r.Watchdog) == 0 && len(r.Stale) == 0 && len(r.Resumed) == 0
}

type Monitor struct {
	store     *persistence.Store
	owner     string
	cfg       Config
	abandoner Abandoner
	retry     *retry.Handler
	notifier  Notifier
	logger    *slog.Logger
}

// NewMonitor builds a monitor for the process that claims actions as owner.
// abandoner, handler and notifier may be nil.
func NewMonitor(store *persistence.Store, owner string, cfg Config, abandoner Abandoner, handler *retry.Handler, notifier Notifier, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:     store,
		owner:     owner,
		cfg:       cfg,
		abandoner: abandoner,
		retry:     handler,
		notifier:  notifier,
		logger:    logger.With("component", "recovery"),
	}
}

// Run sweeps every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("recovery monitor started",
		"watchdog", m.cfg.Watchdog, "stale", m.cfg.Stale, "waiting_window", m.cfg.WaitingWindow)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("recovery sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs the watchdog, the stale sweep and the waiting reset once. A
// zero threshold disables its check.
func (m *Monitor) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := m.store.Now()
	var errs []error

	if m.cfg.Watchdog > 0 && m.owner != "" {
		ids, err := m.watchdog(ctx, now.Add(-m.cfg.Watchdog))
		res.Watchdog = ids
		errs = append(errs, err)
	}
	if m.cfg.Stale > 0 {
		ids, err := m.staleSweep(ctx, now.Add(-m.cfg.Stale))
		res.Stale = ids
		errs = append(errs, err)
	}
	if m.cfg.WaitingWindow > 0 {
		ids, err := m.resetWaiting(ctx, now.Add(-m.cfg.WaitingWindow))
		res.Resumed = ids
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

func (m *Monitor) watchdog(ctx context.Context, cutoff time.Time) ([]string, error) {
	overdue, err := m.store.OverdueOwnedBy(ctx, m.owner, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list overdue actions: %w", err)
	}
	var failed []string
	for _, a := range overdue {
		reason := fmt.Sprintf("watchdog: in progress longer than %s", m.cfg.Watchdog)
		if err := m.store.Finish(ctx, a.ID, m.owner, persistence.StatusFailed, reason); err != nil {
			if settledMeanwhile(err) {
				continue
			}
			return failed, fmt.Errorf("fail overdue action %s: %w", a.ID, err)
		}
		if m.abandoner != nil {
			m.abandoner.Abandon(a.ID)
		}
		m.logger.Warn("watchdog failed hung action", "action_id", a.ID, "lane", a.Lane, "started_at", a.StartedAt)
		m.settle(ctx, a.ID, reason)
		failed = append(failed, a.ID)
	}
	return failed, nil
}

func (m *Monitor) staleSweep(ctx context.Context, cutoff time.Time) ([]string, error) {
	stale, err := m.store.StaleInProgress(ctx, cutoff, m.owner)
	if err != nil {
		return nil, fmt.Errorf("list stale actions: %w", err)
	}
	var failed []string
	for _, a := range stale {
		reason := fmt.Sprintf("stale: orphaned by %s", ownerLabel(a.Owner))
		if err := m.store.UpdateStatus(ctx, a.ID, persistence.StatusFailed, reason); err != nil {
			if settledMeanwhile(err) {
				continue
			}
			return failed, fmt.Errorf("fail stale action %s: %w", a.ID, err)
		}
		m.logger.Warn("stale action reclaimed", "action_id", a.ID, "previous_owner", a.Owner, "started_at", a.StartedAt)
		m.settle(ctx, a.ID, reason)
		failed = append(failed, a.ID)
	}
	return failed, nil
}

func (m *Monitor) resetWaiting(ctx context.Context, cutoff time.Time) ([]string, error) {
	waiting, err := m.store.WaitingSince(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list waiting actions: %w", err)
	}
	var resumed []string
	for _, a := range waiting {
		ok, err := m.store.ResumeWaiting(ctx, a.ID, persistence.PayloadNotes, WaitingResetNote, "waiting window elapsed")
		if err != nil {
			return resumed, fmt.Errorf("reset waiting action %s: %w", a.ID, err)
		}
		if ok {
			m.logger.Info("waiting action reset to pending", "action_id", a.ID, "waiting_since", a.StatusChangedAt)
			resumed = append(resumed, a.ID)
		}
	}
	return resumed, nil
}

// settle applies the retry policy to a failure the monitor caused and
// falls back to the user notification when no retry was scheduled.
func (m *Monitor) settle(ctx context.Context, id, reason string) {
	if m.retry != nil {
		dec, err := m.retry.OnFailure(ctx, id, reason, true)
		if err != nil {
			m.logger.Error("retry policy failed", "action_id", id, "error", err)
		}
		if dec.Scheduled() {
			return
		}
	}
	if m.notifier != nil {
		m.notifier.NotifyIfSilent(ctx, id, reason)
	}
	if err := m.store.Cleanup(ctx, id); err != nil {
		m.logger.Warn("trace cleanup failed", "action_id", id, "error", err)
	}
}

// settledMeanwhile reports a transition lost to the run finishing on its own.
func settledMeanwhile(err error) bool {
	return errors.Is(err, persistence.ErrNotOwner) || errors.Is(err, persistence.ErrIllegalTransition)
}

func ownerLabel(owner string) string {
	if owner == "" {
		return "unknown owner"
	}
	return owner
}
