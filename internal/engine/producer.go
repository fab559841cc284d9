package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/safety"
)

var (
	// ErrRejectedInput is returned when inbound text fails the sanitizer.
	ErrRejectedInput = errors.New("input rejected")
	ErrUnknownLane   = errors.New("unknown lane")
)

// Request is one producer push.
type Request struct {
	Description string
	Priority    int
	Payload     map[string]any
	Lane        persistence.Lane
}

type PushResult struct {
	ActionID string `json:"action_id"`
	// Deduped is set when a recent identical push absorbed this one.
	Deduped bool `json:"deduped,omitempty"`
	// Resumed is set when the input woke a waiting action.
	Resumed bool `json:"resumed,omitempty"`
}

// Producer is the entry point for channel adapters, the CLI and the
// heartbeat scheduler.
type Producer struct {
	store       *persistence.Store
	sanitizer   *safety.Sanitizer
	dedupWindow time.Duration
	logger      *slog.Logger
	audit       *audit.Log
}

func NewProducer(store *persistence.Store, sanitizer *safety.Sanitizer, dedupWindow time.Duration, logger *slog.Logger, auditLog *audit.Log) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		store:       store,
		sanitizer:   sanitizer,
		dedupWindow: dedupWindow,
		logger:      logger.With("component", "producer"),
		audit:       auditLog,
	}
}

// Push enqueues req, feeds it to a waiting action of the same origin and
// session, or drops it as a duplicate of a recent push.
func (p *Producer) Push(ctx context.Context, req Request) (PushResult, error) {
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return PushResult{}, fmt.Errorf("%w: empty description", persistence.ErrInvalidAction)
	}
	lane, err := persistence.ParseLane(string(req.Lane))
	if err != nil {
		return PushResult{}, fmt.Errorf("%w: %q", ErrUnknownLane, req.Lane)
	}
	if p.sanitizer != nil {
		if res := p.sanitizer.Check(desc); res.Verdict == safety.VerdictBlock {
			p.audit.Record(ctx, audit.Entry{Rule: "sanitizer", Decision: audit.DecisionReject, Reason: res.Reason})
			p.logger.Warn("input rejected", "reason", res.Reason, "pattern", res.Pattern)
			return PushResult{}, fmt.Errorf("%w: %s", ErrRejectedInput, res.Reason)
		} else if res.Verdict == safety.VerdictWarn {
			p.logger.Warn("suspicious input accepted", "reason", res.Reason)
		}
	}

	probe := persistence.Action{Payload: req.Payload}
	origin := probe.PayloadString(persistence.PayloadChannel)
	session := probe.PayloadString(persistence.PayloadSession)

	if origin != "" {
		if id, ok, err := p.resumeWaiting(ctx, origin, session, desc); err != nil || ok {
			return PushResult{ActionID: id, Resumed: ok}, err
		}
	}
	if id, err := p.recentDuplicate(ctx, origin, session, desc); err != nil {
		return PushResult{}, err
	} else if id != "" {
		p.logger.Info("duplicate push dropped", "action_id", id, "origin", origin)
		return PushResult{ActionID: id, Deduped: true}, nil
	}

	a, err := p.store.Push(ctx, persistence.NewAction{
		Description: desc,
		Priority:    req.Priority,
		Lane:        lane,
		Payload:     req.Payload,
	})
	if err != nil {
		return PushResult{}, err
	}
	p.logger.Info("action pushed", "action_id", a.ID, "lane", a.Lane, "priority", a.Priority, "origin", origin)
	return PushResult{ActionID: a.ID}, nil
}

func sameConversation(a persistence.Action, origin, session string) bool {
	return a.Origin == origin && a.Session == session
}

func (p *Producer) resumeWaiting(ctx context.Context, origin, session, input string) (string, bool, error) {
	waiting, err := p.store.List(ctx, persistence.ActionFilter{
		Statuses: []persistence.Status{persistence.StatusWaiting},
		Origin:   origin,
		Match:    func(a persistence.Action) bool { return sameConversation(a, origin, session) },
	})
	if err != nil {
		return "", false, fmt.Errorf("find waiting action: %w", err)
	}
	for _, a := range waiting {
		ok, err := p.store.ResumeWaiting(ctx, a.ID, persistence.PayloadInputs, input, "input received")
		if err != nil {
			return "", false, fmt.Errorf("resume waiting action: %w", err)
		}
		if ok {
			p.logger.Info("waiting action resumed", "action_id", a.ID, "origin", origin)
			return a.ID, true, nil
		}
	}
	return "", false, nil
}

func (p *Producer) recentDuplicate(ctx context.Context, origin, session, desc string) (string, error) {
	if p.dedupWindow <= 0 {
		return "", nil
	}
	norm := normalizeDescription(desc)
	found, err := p.store.List(ctx, persistence.ActionFilter{
		Statuses: []persistence.Status{
			persistence.StatusPending, persistence.StatusInProgress,
			persistence.StatusWaiting, persistence.StatusCompleted,
		},
		CreatedSince: p.store.Now().Add(-p.dedupWindow),
		Match: func(a persistence.Action) bool {
			return sameConversation(a, origin, session) && normalizeDescription(a.Description) == norm
		},
	})
	if err != nil {
		return "", fmt.Errorf("find duplicate push: %w", err)
	}
	if len(found) == 0 {
		return "", nil
	}
	return found[len(found)-1].ID, nil
}

func normalizeDescription(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
