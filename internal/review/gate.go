// Package review arbitrates forced terminations with a narrow oracle query.
package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/guard"
	"github.com/basket/go-foreman/internal/oracle"
	"github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Reason names the limit that forced the review.
type Reason string

const (
	ReasonMessageBudget Reason = "message_budget"
	ReasonFrequency     Reason = "frequency_ceiling"
	ReasonStepExhausted Reason = "step_exhausted"
)

type Request struct {
	Action      persistence.Action
	Step        int
	Reason      Reason
	Detail      string
	RecentSteps []string
	Delivery    guard.Delivery
}

type Outcome struct {
	Continue  bool
	Reasoning string
	// FastPath is set when no oracle call was made.
	FastPath bool
}

func (o Outcome) verdict() string {
	if o.Continue {
		return audit.DecisionContinue
	}
	return audit.DecisionTerminate
}

const defaultTimeout = 30 * time.Second

// Gate asks the oracle whether a forced termination should stand. It fails
// closed: any oracle error means terminate.
type Gate struct {
	oracle  oracle.Oracle
	logger  *slog.Logger
	audit   *audit.Log
	bus     *bus.Bus
	tracer  trace.Tracer
	timeout time.Duration
}

func NewGate(o oracle.Oracle, logger *slog.Logger, auditLog *audit.Log, eventBus *bus.Bus) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		oracle:  o,
		logger:  logger.With("component", "review"),
		audit:   auditLog,
		bus:     eventBus,
		tracer:  nooptrace.NewTracerProvider().Tracer(otel.ScopeName),
		timeout: defaultTimeout,
	}
}

func (g *Gate) Instrument(tracer trace.Tracer) {
	if tracer != nil {
		g.tracer = tracer
	}
}

// Decide returns whether the action may continue past the limit.
func (g *Gate) Decide(ctx context.Context, req Request) Outcome {
	ctx, span := otel.StartSpan(ctx, g.tracer, "review.gate",
		otel.AttrActionID.String(req.Action.ID),
		otel.AttrReason.String(string(req.Reason)),
	)
	defer span.End()

	out := g.decide(ctx, req)
	g.logger.Warn("review gate verdict",
		"action_id", req.Action.ID,
		"reason", req.Reason,
		"verdict", out.verdict(),
		"fast_path", out.FastPath,
		"reasoning", out.Reasoning,
	)
	g.audit.Record(ctx, audit.Entry{
		ActionID: req.Action.ID,
		Step:     req.Step,
		Rule:     "review." + string(req.Reason),
		Decision: out.verdict(),
		Reason:   out.Reasoning,
	})
	g.bus.Publish(bus.TopicReviewVerdict, bus.ReviewVerdictEvent{
		ActionID: req.Action.ID,
		Reason:   string(req.Reason),
		Verdict:  out.verdict(),
		FastPath: out.FastPath,
	})
	return out
}

func (g *Gate) decide(ctx context.Context, req Request) Outcome {
	if req.Reason == ReasonStepExhausted && req.Delivery.SubstantiveSent > 0 {
		return Outcome{Reasoning: "a substantive result was already delivered", FastPath: true}
	}
	if g.oracle == nil {
		return Outcome{Reasoning: "no oracle available", FastPath: true}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ans, err := g.oracle.Review(ctx, oracle.ReviewQuery{
		ActionID:             req.Action.ID,
		Description:          req.Action.Description,
		Reason:               describe(req),
		RecentSteps:          req.RecentSteps,
		MessagesSent:         req.Delivery.MessagesSent,
		AnyDeliverySucceeded: req.Delivery.AnyDeliverySucceeded,
		SubstantiveSent:      req.Delivery.SubstantiveSent,
	})
	if err != nil {
		g.logger.Warn("review oracle failed; terminating", "action_id", req.Action.ID, "error", err)
		return Outcome{Reasoning: "review unavailable: " + err.Error()}
	}
	return Outcome{Continue: ans.Continue, Reasoning: ans.Reasoning}
}

func describe(req Request) string {
	if req.Detail == "" {
		return string(req.Reason)
	}
	return string(req.Reason) + ": " + req.Detail
}
