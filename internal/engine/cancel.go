package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/go-foreman/internal/persistence"
)

// Cancellations is the global cancellation set. Entries live in memory for
// the running process and in the cancel_requested column so a request made
// from another process (the CLI) is seen by the loop.
type Cancellations struct {
	store    *persistence.Store
	fallback *Fallback
	logger   *slog.Logger

	mu  sync.Mutex
	ids map[string]struct{}
}

func NewCancellations(store *persistence.Store, fallback *Fallback, logger *slog.Logger) *Cancellations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cancellations{
		store:    store,
		fallback: fallback,
		logger:   logger.With("component", "cancel"),
		ids:      map[string]struct{}{},
	}
}

// Cancel asks the loop running id to stop at its next step boundary. It
// reports false when the action is already settled.
func (c *Cancellations) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := c.store.RequestCancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		c.mu.Lock()
		c.ids[id] = struct{}{}
		c.mu.Unlock()
		c.logger.Info("cancellation requested", "action_id", id)
	}
	return ok, nil
}

// Requested reports whether id is in the set. A done ctx counts as a
// request, so a run whose context ended never proceeds on a failed lookup.
func (c *Cancellations) Requested(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return true
	}
	c.mu.Lock()
	_, ok := c.ids[id]
	c.mu.Unlock()
	if ok {
		return true
	}
	requested, err := c.store.CancelRequested(ctx, id)
	if err != nil {
		c.logger.Warn("cancel lookup failed", "action_id", id, "error", err)
		return false
	}
	return requested
}

// Clear drops id from the set once its action terminated.
func (c *Cancellations) Clear(ctx context.Context, id string) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
	if err := c.store.ClearCancel(ctx, id); err != nil {
		c.logger.Warn("clear cancel flag failed", "action_id", id, "error", err)
	}
}

// ClearResult lists what ClearQueue touched.
type ClearResult struct {
	Failed    []string `json:"failed"`
	Cancelled []string `json:"cancelled"`
}

// ClearQueue fails every pending action with reason and cancels every
// running one.
func (c *Cancellations) ClearQueue(ctx context.Context, reason string) (ClearResult, error) {
	if reason == "" {
		reason = "queue cleared"
	}
	var res ClearResult
	failed, err := c.store.FailPending(ctx, reason)
	if err != nil {
		return res, fmt.Errorf("fail pending actions: %w", err)
	}
	res.Failed = failed
	for _, id := range failed {
		c.fallback.NotifyIfSilent(ctx, id, reason)
	}

	running, err := c.store.List(ctx, persistence.ActionFilter{Statuses: []persistence.Status{persistence.StatusInProgress}})
	if err != nil {
		return res, fmt.Errorf("list running actions: %w", err)
	}
	for _, a := range running {
		ok, err := c.Cancel(ctx, a.ID)
		if err != nil {
			return res, err
		}
		if ok {
			res.Cancelled = append(res.Cancelled, a.ID)
		}
	}
	c.logger.Warn("queue cleared", "reason", reason, "failed", len(res.Failed), "cancelled", len(res.Cancelled))
	return res, nil
}
