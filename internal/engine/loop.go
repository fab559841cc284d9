package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/completion"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/guard"
	"github.com/basket/go-foreman/internal/oracle"
	"github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/retry"
	"github.com/basket/go-foreman/internal/review"
	"github.com/basket/go-foreman/internal/shared"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/basket/go-foreman/internal/tokenutil"
	"github.com/basket/go-foreman/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Outcome statuses of one Run.
const (
	RunCompleted   = "completed"
	RunFailed      = "failed"
	RunWaiting     = "waiting"
	RunInterrupted = "interrupted"
	// RunLost means the action was taken away from this worker, typically
	// by the watchdog.
	RunLost = "lost"
)

// RunResult is what the loop did with one claimed action.
type RunResult struct {
	Status     string
	Reason     string
	Steps      int
	Retry      retry.Decision
	RecoveryID string
}

// LoopConfig holds the loop's tunables. Guard and Classes can be swapped
// while running.
type LoopConfig struct {
	Tiers   config.TiersConfig
	Guard   guard.Config
	Classes tools.Classes
	Oracle  oracle.Retrier
}

func LoopConfigFrom(cfg config.Config) LoopConfig {
	return LoopConfig{
		Tiers:   cfg.Tiers,
		Guard:   guard.ConfigFrom(cfg.Guard),
		Classes: ClassesFrom(cfg.Guard),
		Oracle: oracle.Retrier{
			MaxAttempts: cfg.Oracle.MaxAttempts,
			Base:        time.Duration(cfg.Oracle.BaseDelayMS) * time.Millisecond,
		},
	}
}

func ClassesFrom(g config.GuardConfig) tools.Classes {
	return tools.NewClasses(g.ResearchTools, g.TrivialTools, g.MessageTools, g.SideEffectTools)
}

// LoopDeps are the collaborators of the loop. Gate, Auditor, Retry,
// Fallback, Cancels, Audit and Bus are optional.
type LoopDeps struct {
	Store    *persistence.Store
	Oracle   oracle.Oracle
	Executor tools.Executor
	Tools    []tools.Spec
	Auditor  *completion.Auditor
	Gate     *review.Gate
	Retry    *retry.Handler
	Fallback *Fallback
	Cancels  *Cancellations
	Audit    *audit.Log
	Bus      *bus.Bus
	Logger   *slog.Logger
}

// Loop drives claimed actions through plan, execute and verify steps.
type Loop struct {
	d       LoopDeps
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics

	mu  sync.RWMutex
	cfg LoopConfig
}

func NewLoop(d LoopDeps, cfg LoopConfig) *Loop {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if d.Oracle == nil {
		d.Oracle = oracle.Offline{}
	}
	if d.Cancels == nil {
		d.Cancels = NewCancellations(d.Store, d.Fallback, logger)
	}
	return &Loop{
		d:       d,
		logger:  logger.With("component", "loop"),
		tracer:  nooptrace.NewTracerProvider().Tracer(otel.ScopeName),
		metrics: otel.NoopMetrics(),
		cfg:     cfg,
	}
}

func (l *Loop) Instrument(tracer trace.Tracer, metrics *otel.Metrics) {
	if tracer != nil {
		l.tracer = tracer
	}
	if metrics != nil {
		l.metrics = metrics
	}
}

// SetGuard swaps the guard thresholds and tool classes for actions that
// start after the call.
func (l *Loop) SetGuard(cfg guard.Config, classes tools.Classes) {
	l.mu.Lock()
	l.cfg.Guard = cfg
	l.cfg.Classes = classes
	l.mu.Unlock()
}

func (l *Loop) config() LoopConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// run is the per-action state of one Run call.
type run struct {
	action  persistence.Action
	owner   string
	cfg     LoopConfig
	guard   *guard.Engine
	call    tools.Call
	logger  *slog.Logger
	limits  config.TierLimits
	tier    oracle.Tier
	history []string
	notes   []string
	step    int
}

// Run executes action, claimed by owner, until it settles or ctx ends.
// A ctx cancellation leaves the action in-progress for the recovery sweep.
func (l *Loop) Run(ctx context.Context, action persistence.Action, owner string) RunResult {
	started := time.Now()
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithActionID(ctx, action.ID)
	ctx = shared.WithLane(ctx, string(action.Lane))
	ctx, span := otel.StartSpan(ctx, l.tracer, "action.run",
		otel.AttrActionID.String(action.ID),
		otel.AttrLane.String(string(action.Lane)),
	)
	defer span.End()

	laneAttr := metric.WithAttributes(attribute.String("lane", string(action.Lane)))
	l.metrics.ActiveActions.Add(ctx, 1, laneAttr)
	defer l.metrics.ActiveActions.Add(context.Background(), -1, laneAttr)

	r := l.newRun(ctx, action, owner)
	res := l.drive(ctx, r)
	res.Steps = r.step

	span.SetAttributes(otel.AttrStep.Int(r.step), attribute.String("foreman.run.status", res.Status))
	switch res.Status {
	case RunCompleted:
		l.metrics.ActionsCompleted.Add(ctx, 1, laneAttr)
	case RunFailed:
		l.metrics.ActionsFailed.Add(ctx, 1, laneAttr)
		span.SetStatus(codes.Error, res.Reason)
	}
	l.metrics.ActionDuration.Record(ctx, time.Since(started).Seconds(), laneAttr)
	r.logger.Info("action run finished", "status", res.Status, "reason", res.Reason, "steps", r.step)
	return res
}

func (l *Loop) newRun(ctx context.Context, action persistence.Action, owner string) *run {
	cfg := l.config()
	tier := l.classify(ctx, action)
	limits := limitsFor(cfg.Tiers, tier)

	r := &run{
		action: action,
		owner:  owner,
		cfg:    cfg,
		guard:  guard.New(action.ID, cfg.Guard, cfg.Classes, l.d.Store, limits.MaxMessages),
		call: tools.Call{
			ActionID: action.ID,
			Channel:  action.Origin,
			Target:   action.PayloadString(persistence.PayloadTarget),
		},
		logger: telemetry.ForAction(ctx, l.logger),
		limits: limits,
		tier:   tier,
		notes:  action.PayloadStrings(persistence.PayloadNotes),
	}
	l.resumeState(ctx, r)
	r.logger.Info("action run started", "tier", tier, "max_steps", limits.MaxSteps, "max_messages", limits.MaxMessages)
	return r
}

// resumeState seeds the guard and history from traces of earlier attempts
// so a retried or resumed action does not resend what it already sent.
func (l *Loop) resumeState(ctx context.Context, r *run) {
	entries, err := l.d.Store.ListForAction(ctx, r.action.ID)
	if err != nil {
		r.logger.Warn("load previous trace failed", "error", err)
		return
	}
	var sent []string
	for _, e := range entries {
		switch e.Kind {
		case persistence.TraceMessage:
			if e.Success {
				sent = append(sent, e.Text)
			}
			r.history = append(r.history, fmt.Sprintf("earlier: sent message %q", tokenutil.Truncate(e.Text, 40)))
		case persistence.TraceTool:
			r.history = append(r.history, fmt.Sprintf("earlier: %s(%s) ok=%t", e.Tool, e.Args, e.Success))
		}
	}
	if n := r.action.PayloadInt(persistence.PayloadMessagesSent); n > 0 || len(sent) > 0 {
		r.guard.Seed(max(n, len(sent)), sent)
	}
}

func (l *Loop) classify(ctx context.Context, action persistence.Action) oracle.Tier {
	tier, err := l.d.Oracle.Classify(ctx, action)
	if err != nil {
		return oracle.HeuristicTier(action.Description)
	}
	return tier
}

func limitsFor(t config.TiersConfig, tier oracle.Tier) config.TierLimits {
	switch tier {
	case oracle.TierTrivial:
		return t.Trivial
	case oracle.TierDeep:
		return t.Deep
	default:
		return t.Standard
	}
}

// drive is the step loop.
func (l *Loop) drive(ctx context.Context, r *run) RunResult {
	maxSteps := r.limits.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}
	bonusGranted := false
	invalid := 0
	var corrections []string

	for {
		if r.step >= maxSteps {
			if bonusGranted || r.cfg.Tiers.BonusSteps <= 0 {
				return l.fail(ctx, r, "step budget exhausted", false)
			}
			out := l.review(ctx, r, review.ReasonStepExhausted, fmt.Sprintf("used %d of %d steps", r.step, maxSteps))
			if !out.Continue {
				return l.fail(ctx, r, "step budget exhausted: "+out.Reasoning, false)
			}
			bonusGranted = true
			maxSteps += r.cfg.Tiers.BonusSteps
			corrections = append(corrections, fmt.Sprintf(
				"You are out of steps. You have %d final steps: deliver your result to the user and set goals_met.", r.cfg.Tiers.BonusSteps))
		}

		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		r.step++
		r.call.Step = r.step
		stepCtx := shared.WithStep(ctx, r.step)
		l.metrics.Steps.Add(stepCtx, 1)

		if l.d.Cancels.Requested(stepCtx, r.action.ID) {
			l.d.Cancels.Clear(stepCtx, r.action.ID)
			return l.fail(stepCtx, r, "cancelled", false)
		}

		sc := oracle.StepContext{
			Step:        r.step,
			MaxSteps:    maxSteps,
			History:     r.history,
			Corrections: corrections,
			Inputs:      r.action.PayloadStrings(persistence.PayloadInputs),
			Notes:       r.notes,
			Tools:       l.d.Tools,
		}
		res := oracle.Call(stepCtx, r.cfg.Oracle, func(ctx context.Context) (oracle.Decision, error) {
			return l.d.Oracle.Decide(ctx, r.action, sc)
		})
		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}

		var dec oracle.Decision
		switch {
		case res.Err != nil && !errors.Is(res.Err, oracle.ErrInvalidDecision):
			class := oracle.ClassifyError(res.Err)
			return l.fail(stepCtx, r, fmt.Sprintf("oracle unavailable after %d attempts (%s): %v", res.Attempts, class, res.Err), !class.Permanent())
		case res.Err == nil:
			dec = res.Value.Clean()
		}
		if res.Err != nil || dec.Empty() {
			invalid++
			r.logger.Warn("invalid oracle output", "step", r.step, "attempt", invalid, "error", res.Err)
			if invalid > r.cfg.Tiers.InvalidOutputRetries {
				return l.fail(stepCtx, r, "oracle kept returning invalid output", true)
			}
			corrections = append(corrections,
				"Your last answer had no tool calls and did not set goals_met. Call at least one tool, or set goals_met to true if the task is done.")
			r.step--
			continue
		}
		invalid = 0
		corrections = nil

		batch, dropped := tools.Dedup(dec.Tools)
		if dropped > 0 {
			r.logger.Debug("dropped repeated invocations", "step", r.step, "count", dropped)
		}
		if v := r.guard.CheckStep(batch); v.Decision == guard.Abort {
			l.guardEvent(stepCtx, r, "", v)
			return l.fail(stepCtx, r, string(v.Rule)+": "+v.Note, false)
		}

		for _, inv := range batch {
			// An abandoned or shut down run must not start another tool.
			if err := ctx.Err(); err != nil {
				return interrupted(err)
			}
			if l.d.Cancels.Requested(stepCtx, r.action.ID) {
				l.d.Cancels.Clear(stepCtx, r.action.ID)
				return l.fail(stepCtx, r, "cancelled", false)
			}
			if inv.Name == tools.AwaitInputTool {
				return l.park(stepCtx, r, inv)
			}
			note, stop := l.invoke(stepCtx, r, inv)
			if stop != nil {
				return *stop
			}
			if note != "" {
				corrections = append(corrections, note)
			}
		}

		if err := ctx.Err(); err != nil {
			return interrupted(err)
		}
		if dec.Verification.GoalsMet {
			return l.complete(stepCtx, r, dec.Verification.Reasoning)
		}
	}
}

func interrupted(err error) RunResult {
	return RunResult{Status: RunInterrupted, Reason: err.Error()}
}

// invoke admits and executes one invocation. It returns a corrective note
// for the oracle, or a result when the action has to end.
func (l *Loop) invoke(ctx context.Context, r *run, inv tools.Invocation) (string, *RunResult) {
	var guidance string
	v := r.guard.Admit(ctx, r.step, r.call, inv)
	for reviews := 0; v.Decision == guard.Review && reviews < 2; reviews++ {
		reason := review.ReasonFrequency
		if v.Rule == guard.RuleMessageBudget {
			reason = review.ReasonMessageBudget
		}
		out := l.review(ctx, r, reason, v.Note)
		if !out.Continue {
			res := l.fail(ctx, r, string(v.Rule)+": "+v.Note, false)
			return "", &res
		}
		if reason == review.ReasonMessageBudget {
			r.guard.ExtendMessages(1)
		} else {
			r.guard.ContinueFrequency(inv.Name)
			guidance = fmt.Sprintf("You have called %s many times. Use what you already found, change approach, and move toward delivering the result.", inv.Name)
		}
		v = r.guard.Admit(ctx, r.step, r.call, inv)
	}
	switch v.Decision {
	case guard.Review:
		res := l.fail(ctx, r, string(v.Rule)+": "+v.Note, false)
		return "", &res
	case guard.Abort:
		l.guardEvent(ctx, r, inv.Name, v)
		res := l.fail(ctx, r, string(v.Rule)+": "+v.Note, false)
		return "", &res
	case guard.Skip:
		l.guardEvent(ctx, r, inv.Name, v)
		l.appendTrace(ctx, r, persistence.TraceEntry{Kind: persistence.TraceNote, Tool: inv.Name, Text: v.Note})
		return strings.TrimSpace(guidance + " " + v.Note), nil
	}

	start := time.Now()
	out := l.d.Executor.Execute(ctx, r.call, inv)
	elapsed := time.Since(start)
	note := r.guard.Record(r.step, inv, out)

	entry := persistence.TraceEntry{
		Kind:      persistence.TraceTool,
		Tool:      inv.Name,
		Signature: inv.Signature(),
		Args:      argsText(inv),
		Success:   out.OK(),
		Duration:  elapsed,
	}
	if !out.OK() {
		entry.Error = out.Message
	}
	if r.cfg.Classes.IsMessage(inv.Name) && out.OK() {
		entry.Kind = persistence.TraceMessage
		entry.Text = tools.MessageText(inv)
		if _, err := l.d.Store.AddPayloadCount(ctx, r.action.ID, persistence.PayloadMessagesSent, 1); err != nil {
			r.logger.Warn("persist message count failed", "error", err)
		}
	}
	if r.cfg.Classes.IsSideEffect(inv.Name) && out.OK() {
		if err := l.d.Store.RecordSideEffect(ctx, r.guard.EffectKey(r.call, inv), r.action.ID, inv.Name); err != nil {
			r.logger.Warn("record side effect failed", "tool", inv.Name, "error", err)
		}
	}
	l.appendTrace(ctx, r, entry)

	r.history = append(r.history, fmt.Sprintf("step %d: %s(%s) -> %s",
		r.step, inv.Name, tokenutil.Truncate(entry.Args, 60), tokenutil.Truncate(out.Text(), 200)))
	r.logger.Debug("tool executed", "step", r.step, "tool", inv.Name, "ok", out.OK(), "duration_ms", elapsed.Milliseconds())
	if note != "" {
		l.guardEvent(ctx, r, inv.Name, guard.Verdict{Decision: guard.Skip, Rule: guard.RuleToolBlocked, Note: note})
	}
	return strings.TrimSpace(guidance + " " + note), nil
}

func argsText(inv tools.Invocation) string {
	sig := inv.Signature()
	return strings.TrimPrefix(sig, inv.Name+":")
}

func (l *Loop) appendTrace(ctx context.Context, r *run, e persistence.TraceEntry) {
	e.ActionID = r.action.ID
	e.Step = r.step
	if err := l.d.Store.Append(ctx, e); err != nil {
		r.logger.Warn("append trace failed", "error", err)
	}
}

// guardEvent logs, audits and publishes a guardrail skip or abort.
func (l *Loop) guardEvent(ctx context.Context, r *run, tool string, v guard.Verdict) {
	abort := v.Decision == guard.Abort
	decision := audit.DecisionBlock
	if abort {
		decision = audit.DecisionAbort
	}
	r.logger.Warn("guardrail triggered", "step", r.step, "tool", tool, "rule", v.Rule, "decision", v.Decision.String(), "note", v.Note)
	l.metrics.GuardBlocks.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", string(v.Rule))))
	l.d.Audit.Record(ctx, audit.Entry{
		ActionID: r.action.ID,
		Step:     r.step,
		Rule:     string(v.Rule),
		Decision: decision,
		Tool:     tool,
		Reason:   v.Note,
	})
	l.d.Bus.Publish(bus.TopicGuardBlocked, bus.GuardBlockedEvent{
		ActionID: r.action.ID, Step: r.step, Tool: tool, Rule: string(v.Rule), Abort: abort, Note: v.Note,
	})
}

func (l *Loop) review(ctx context.Context, r *run, reason review.Reason, detail string) review.Outcome {
	if l.d.Gate == nil {
		return review.Outcome{Reasoning: "no review gate"}
	}
	recent := r.history
	if len(recent) > 8 {
		recent = recent[len(recent)-8:]
	}
	return l.d.Gate.Decide(ctx, review.Request{
		Action:      r.action,
		Step:        r.step,
		Reason:      reason,
		Detail:      detail,
		RecentSteps: recent,
		Delivery:    r.guard.Delivery(),
	})
}

// park moves the action to waiting until the producer delivers input.
func (l *Loop) park(ctx context.Context, r *run, inv tools.Invocation) RunResult {
	question := inv.ArgString("question")
	if question == "" {
		question = inv.ArgString("prompt")
	}
	l.appendTrace(ctx, r, persistence.TraceEntry{Kind: persistence.TraceNote, Tool: inv.Name, Text: question})
	reason := "awaiting input"
	if question != "" {
		reason += ": " + tokenutil.Truncate(question, 40)
	}
	if err := l.d.Store.Finish(ctx, r.action.ID, r.owner, persistence.StatusWaiting, reason); err != nil {
		return l.lost(r, err)
	}
	return RunResult{Status: RunWaiting, Reason: reason}
}

// complete runs the completion audit and honors the claim if it passes.
func (l *Loop) complete(ctx context.Context, r *run, reasoning string) RunResult {
	if l.d.Auditor != nil {
		rep, err := l.d.Auditor.Audit(ctx, r.action, r.owner)
		if err != nil {
			if errors.Is(err, persistence.ErrNotOwner) || errors.Is(err, persistence.ErrIllegalTransition) {
				return l.lost(r, err)
			}
			return l.fail(ctx, r, "completion audit error: "+err.Error(), true)
		}
		if rep.Failed {
			reason := "completion audit failed: " + rep.Summary()
			res := l.settleFailed(ctx, r, reason, false)
			res.RecoveryID = rep.RecoveryID
			return res
		}
	}
	if reasoning == "" {
		reasoning = "goals met"
	}
	if err := l.d.Store.Finish(ctx, r.action.ID, r.owner, persistence.StatusCompleted, tokenutil.Truncate(reasoning, 120)); err != nil {
		return l.lost(r, err)
	}
	l.cleanup(ctx, r)
	return RunResult{Status: RunCompleted, Reason: reasoning}
}

// fail ends the action as failed and applies the retry policy.
func (l *Loop) fail(ctx context.Context, r *run, reason string, retryable bool) RunResult {
	if err := l.d.Store.Finish(ctx, r.action.ID, r.owner, persistence.StatusFailed, reason); err != nil {
		return l.lost(r, err)
	}
	return l.settleFailed(ctx, r, reason, retryable)
}

// settleFailed runs after the action was marked failed.
func (l *Loop) settleFailed(ctx context.Context, r *run, reason string, retryable bool) RunResult {
	r.logger.Warn("action failed", "step", r.step, "reason", reason, "retryable", retryable)
	res := RunResult{Status: RunFailed, Reason: reason}
	if l.d.Retry != nil {
		dec, err := l.d.Retry.OnFailure(ctx, r.action.ID, reason, retryable)
		if err != nil {
			r.logger.Error("retry policy failed", "error", err)
		}
		res.Retry = dec
		if dec.Scheduled() {
			return res
		}
	}
	l.d.Fallback.NotifyIfSilent(ctx, r.action.ID, reason)
	l.cleanup(ctx, r)
	return res
}

func (l *Loop) cleanup(ctx context.Context, r *run) {
	if err := l.d.Store.Cleanup(ctx, r.action.ID); err != nil {
		r.logger.Warn("trace cleanup failed", "error", err)
	}
}

func (l *Loop) lost(r *run, err error) RunResult {
	r.logger.Warn("action no longer held by this worker", "step", r.step, "error", err)
	return RunResult{Status: RunLost, Reason: err.Error()}
}
