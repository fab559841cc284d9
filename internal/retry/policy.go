// Package retry schedules bounded re-attempts of failed actions.
package retry

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
)

// Policy computes backoff delays. MaxAttempts counts re-attempts after the
// first run.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

func PolicyFrom(cfg config.RetryConfig) Policy {
	return Policy{MaxAttempts: cfg.MaxAttempts, Base: cfg.BaseDelay(), Max: cfg.MaxDelay()}
}

// Delay returns the backoff before re-attempt number attempt (1-based):
// exponential from Base, capped at Max, with a deterministic ±20% jitter
// derived from the action id so concurrent failures spread out.
func (p Policy) Delay(actionID string, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	for i := 1; i < attempt; i++ {
		base *= 2
		if p.Max > 0 && base >= p.Max {
			base = p.Max
			break
		}
	}
	if p.Max > 0 && base > p.Max {
		base = p.Max
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(actionID + ":" + strconv.Itoa(attempt)))
	frac := float64(h.Sum64()%4001) / 4000
	delay := time.Duration(float64(base) * (0.8 + 0.4*frac))
	if p.Max > 0 && delay > p.Max {
		delay = p.Max
	}
	return delay
}

type Outcome string

const (
	// OutcomeRetried means a re-attempt was scheduled.
	OutcomeRetried Outcome = "retried"
	// OutcomeExhausted means the action used all its attempts.
	OutcomeExhausted Outcome = "exhausted"
	// OutcomeTerminal means the failure is not retryable.
	OutcomeTerminal Outcome = "terminal"
)

type Decision struct {
	Outcome     Outcome
	Attempt     int
	MaxAttempts int
	Delay       time.Duration
	NextAt      time.Time
}

// Scheduled reports whether the action will run again.
func (d Decision) Scheduled() bool { return d.Outcome == OutcomeRetried }

// Handler applies a Policy to actions that just failed.
type Handler struct {
	store  *persistence.Store
	policy Policy
	logger *slog.Logger
}

func NewHandler(store *persistence.Store, policy Policy, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, policy: policy, logger: logger.With("component", "retry")}
}

func (h *Handler) Policy() Policy { return h.policy }

// OnFailure decides the fate of a failed action. Retryable failures get a
// backoff until MaxAttempts re-attempts were made; anything else is terminal.
func (h *Handler) OnFailure(ctx context.Context, actionID, reason string, retryable bool) (Decision, error) {
	a, err := h.store.Get(ctx, actionID)
	if err != nil {
		return Decision{}, fmt.Errorf("load failed action: %w", err)
	}
	if a.Status != persistence.StatusFailed {
		return Decision{}, fmt.Errorf("%w: action %s is %s, not failed", persistence.ErrIllegalTransition, a.ID, a.Status)
	}
	if !retryable {
		h.logger.Info("failure is terminal", "action_id", a.ID, "reason", reason)
		return Decision{Outcome: OutcomeTerminal}, nil
	}

	prior := 0
	if a.Retry != nil {
		prior = a.Retry.Attempts
	}
	d := Decision{Attempt: prior + 1, MaxAttempts: h.policy.MaxAttempts}
	if prior >= h.policy.MaxAttempts {
		if err := h.store.MarkRetryExhausted(ctx, a.ID, prior, h.policy.MaxAttempts); err != nil {
			return Decision{}, fmt.Errorf("mark retry exhausted: %w", err)
		}
		d.Outcome, d.Attempt = OutcomeExhausted, prior
		h.logger.Warn("retries exhausted", "action_id", a.ID, "attempts", prior, "reason", reason)
		return d, nil
	}

	d.Delay = h.policy.Delay(a.ID, d.Attempt)
	d.NextAt = h.store.Now().Add(d.Delay)
	if err := h.store.ScheduleRetry(ctx, a.ID, d.Attempt, h.policy.MaxAttempts, d.NextAt); err != nil {
		return Decision{}, fmt.Errorf("schedule retry: %w", err)
	}
	d.Outcome = OutcomeRetried
	h.logger.Info("retry scheduled",
		"action_id", a.ID, "attempt", d.Attempt, "max_attempts", d.MaxAttempts,
		"delay_ms", d.Delay.Milliseconds(), "reason", reason)
	return d, nil
}
