package completion

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tools"
)

// PayloadIssues carries the audit findings on a recovery action.
const PayloadIssues = "auditIssues"

type Config struct {
	Rules
	// DedupWindow bounds how far back an existing recovery action for the
	// same origin suppresses a new one.
	DedupWindow time.Duration
}

func ConfigFrom(cfg config.Config, classes tools.Classes) Config {
	return Config{
		Rules: Rules{
			Classes:            classes,
			UserFacingChannels: cfg.Audit.UserFacingChannels,
			SubstantiveLength:  cfg.Guard.SubstantiveLength,
			AckLength:          cfg.Guard.AckLength,
		},
		DedupWindow: time.Duration(cfg.Audit.RecoveryDedupWindowSeconds) * time.Second,
	}
}

// Report is the outcome of one audit.
type Report struct {
	Issues []Issue
	// Failed is set when the action was marked failed.
	Failed bool
	// RecoveryID is the recovery action carrying the work forward, either
	// newly enqueued or an existing one for the same origin.
	RecoveryID string
	Deduped    bool
}

func (r Report) Passed() bool { return len(r.Issues) == 0 }

// Summary joins the issues into one line.
func (r Report) Summary() string {
	parts := make([]string, len(r.Issues))
	for i, is := range r.Issues {
		parts[i] = is.String()
	}
	return strings.Join(parts, "; ")
}

type Auditor struct {
	store  *persistence.Store
	cfg    Config
	logger *slog.Logger
	audit  *audit.Log
	bus    *bus.Bus
}

func NewAuditor(store *persistence.Store, cfg Config, logger *slog.Logger, auditLog *audit.Log, eventBus *bus.Bus) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "completion"),
		audit:  auditLog,
		bus:    eventBus,
	}
}

// Audit checks the completion claim of an in-progress action held by owner.
// A clean trace passes untouched. Otherwise the action is finished as failed
// and one recovery action is enqueued for its origin. Recovery actions are
// never recovered again: their issues are reported and the claim stands.
func (a *Auditor) Audit(ctx context.Context, action persistence.Action, owner string) (Report, error) {
	entries, err := a.store.ListForAction(ctx, action.ID)
	if err != nil {
		return Report{}, fmt.Errorf("load trace: %w", err)
	}
	rep := Report{Issues: Check(action, entries, a.cfg.Rules)}
	if rep.Passed() {
		return rep, nil
	}
	if action.IsRecovery() {
		a.logger.Warn("recovery action completed with audit issues",
			"action_id", action.ID, "recovery_of", action.PayloadString(persistence.PayloadRecoveryOf), "issues", rep.Summary())
		return rep, nil
	}

	reason := "completion audit failed: " + rep.Summary()
	if err := a.store.Finish(ctx, action.ID, owner, persistence.StatusFailed, reason); err != nil {
		return rep, fmt.Errorf("fail audited action: %w", err)
	}
	rep.Failed = true

	id, deduped, err := a.enqueueRecovery(ctx, action, rep.Issues)
	if err != nil {
		return rep, err
	}
	rep.RecoveryID, rep.Deduped = id, deduped

	a.logger.Warn("completion audit failed",
		"action_id", action.ID, "issues", rep.Summary(), "recovery_id", id, "deduped", deduped)
	a.audit.Record(ctx, audit.Entry{
		ActionID: action.ID,
		Rule:     "completion_audit",
		Decision: audit.DecisionReject,
		Reason:   rep.Summary(),
	})
	codes := make([]string, len(rep.Issues))
	for i, is := range rep.Issues {
		codes[i] = string(is.Code)
	}
	a.bus.Publish(bus.TopicAuditFailed, bus.AuditFailedEvent{
		ActionID: action.ID, Issues: codes, RecoveryActionID: id,
	})
	return rep, nil
}

func (a *Auditor) enqueueRecovery(ctx context.Context, action persistence.Action, issues []Issue) (string, bool, error) {
	existing, err := a.existingRecovery(ctx, action.Origin)
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		return existing, true, nil
	}

	payload := map[string]any{persistence.PayloadRecoveryOf: action.ID}
	for _, key := range []string{persistence.PayloadChannel, persistence.PayloadSession, persistence.PayloadTarget} {
		if v, ok := action.Payload[key]; ok {
			payload[key] = v
		}
	}
	codes := make([]any, len(issues))
	for i, is := range issues {
		codes[i] = string(is.Code)
	}
	payload[PayloadIssues] = codes

	rec, err := a.store.Push(ctx, persistence.NewAction{
		Description: recoveryDescription(action, issues),
		Priority:    action.Priority + 1,
		Lane:        action.Lane,
		Payload:     payload,
	})
	if err != nil {
		return "", false, fmt.Errorf("enqueue recovery: %w", err)
	}
	return rec.ID, false, nil
}

// existingRecovery finds a pending, running or recently completed recovery
// action for origin within the dedup window.
func (a *Auditor) existingRecovery(ctx context.Context, origin string) (string, error) {
	f := persistence.ActionFilter{
		Statuses: []persistence.Status{
			persistence.StatusPending, persistence.StatusInProgress, persistence.StatusCompleted,
		},
		Origin: origin,
		Match: func(c persistence.Action) bool {
			return c.IsRecovery() && c.Origin == origin
		},
	}
	if a.cfg.DedupWindow > 0 {
		f.CreatedSince = a.store.Now().Add(-a.cfg.DedupWindow)
	}
	found, err := a.store.List(ctx, f)
	if err != nil {
		return "", fmt.Errorf("find recovery actions: %w", err)
	}
	if len(found) == 0 {
		return "", nil
	}
	return found[len(found)-1].ID, nil
}

func recoveryDescription(action persistence.Action, issues []Issue) string {
	var b strings.Builder
	b.WriteString("Follow up on a task that claimed completion without properly reporting back. ")
	b.WriteString("Deliver its result to the user, or explain clearly what went wrong.\n")
	fmt.Fprintf(&b, "Original task (%s): %s\n", action.ID, action.Description)
	b.WriteString("Problems found:\n")
	for _, is := range issues {
		fmt.Fprintf(&b, "- %s\n", is.Detail)
	}
	return strings.TrimSpace(b.String())
}
