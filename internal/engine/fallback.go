package engine

import (
	"context"
	"log/slog"

	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tokenutil"
)

// Notifier delivers a last-resort message outside the tool path.
type Notifier interface {
	Notify(ctx context.Context, channel, target, text string) error
}

// Fallback tells the user about a failed user-lane action that never sent
// them anything. Each action is notified at most once.
type Fallback struct {
	store    *persistence.Store
	notifier Notifier
	logger   *slog.Logger
}

func NewFallback(store *persistence.Store, notifier Notifier, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{store: store, notifier: notifier, logger: logger.With("component", "fallback")}
}

// NotifyIfSilent sends the fallback for id when it is a terminally failed
// user-lane action with a channel and zero sent messages. It reports
// whether a notification was attempted.
func (f *Fallback) NotifyIfSilent(ctx context.Context, id, reason string) bool {
	if f == nil || f.notifier == nil {
		return false
	}
	a, err := f.store.Get(ctx, id)
	if err != nil {
		f.logger.Warn("fallback lookup failed", "action_id", id, "error", err)
		return false
	}
	if a.Lane != persistence.LaneUser || a.Status != persistence.StatusFailed || a.Origin == "" {
		return false
	}
	if a.PayloadInt(persistence.PayloadMessagesSent) > 0 || a.PayloadBool(persistence.PayloadFallbackSent) {
		return false
	}
	first, err := f.store.MarkFallbackSent(ctx, id)
	if err != nil || !first {
		return false
	}

	text := "Sorry, I could not finish your request"
	if reason != "" {
		text += ": " + tokenutil.Truncate(reason, 60)
	}
	if err := f.notifier.Notify(ctx, a.Origin, a.PayloadString(persistence.PayloadTarget), text); err != nil {
		f.logger.Error("fallback notification failed", "action_id", id, "channel", a.Origin, "error", err)
		return true
	}
	f.logger.Warn("fallback notification sent", "action_id", id, "channel", a.Origin)
	return true
}
