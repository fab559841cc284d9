package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-foreman/internal/completion"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/guard"
	"github.com/basket/go-foreman/internal/oracle"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/retry"
	"github.com/basket/go-foreman/internal/review"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/basket/go-foreman/internal/tools"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "foreman.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// scriptedOracle answers Decide from a function of the step context.
type scriptedOracle struct {
	mu      sync.Mutex
	decide  func(sc oracle.StepContext) (oracle.Decision, error)
	tier    oracle.Tier
	answer  oracle.ReviewAnswer
	calls   int
	reviews int
	seen    []oracle.StepContext
}

func (o *scriptedOracle) Decide(_ context.Context, _ persistence.Action, sc oracle.StepContext) (oracle.Decision, error) {
	o.mu.Lock()
	o.calls++
	o.seen = append(o.seen, sc)
	fn := o.decide
	o.mu.Unlock()
	return fn(sc)
}

func (o *scriptedOracle) Classify(context.Context, persistence.Action) (oracle.Tier, error) {
	if o.tier == "" {
		return oracle.TierStandard, nil
	}
	return o.tier, nil
}

func (o *scriptedOracle) Review(context.Context, oracle.ReviewQuery) (oracle.ReviewAnswer, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reviews++
	return o.answer, nil
}

func (o *scriptedOracle) counts() (calls, reviews int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls, o.reviews
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *recordingSender) Send(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, _, _, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.texts)
}

func act(tools_ ...tools.Invocation) oracle.Decision {
	return oracle.Decision{Tools: tools_}
}

func done(reason string, tools_ ...tools.Invocation) oracle.Decision {
	return oracle.Decision{Tools: tools_, Verification: oracle.Verification{GoalsMet: true, Reasoning: reason}}
}

func call(name string, args map[string]any) tools.Invocation {
	return tools.Invocation{Name: name, Args: args}
}

func say(text string) tools.Invocation {
	return call(tools.SendMessageTool, map[string]any{"text": text})
}

type harness struct {
	store    *persistence.Store
	oracle   *scriptedOracle
	sender   *recordingSender
	notifier *recordingNotifier
	fallback *Fallback
	cancels  *Cancellations
	producer *Producer
	registry *tools.Registry
	loop     *Loop
}

func testLoopConfig() LoopConfig {
	classes := tools.NewClasses(
		[]string{"search", "web_search"},
		[]string{"think", tools.SendMessageTool, tools.AwaitInputTool},
		[]string{tools.SendMessageTool},
		[]string{tools.SendMessageTool},
	)
	return LoopConfig{
		Tiers: config.TiersConfig{
			Trivial:              config.TierLimits{MaxSteps: 2, MaxMessages: 1},
			Standard:             config.TierLimits{MaxSteps: 5, MaxMessages: 3},
			Deep:                 config.TierLimits{MaxSteps: 10, MaxMessages: 5},
			BonusSteps:           2,
			InvalidOutputRetries: 3,
		},
		Guard:   guard.Config{},
		Classes: classes,
		Oracle:  oracle.Retrier{MaxAttempts: 2, Base: time.Millisecond, Max: 2 * time.Millisecond},
	}
}

func newHarness(t *testing.T, o *scriptedOracle, tweak func(*LoopConfig)) *harness {
	t.Helper()
	logger := telemetry.Discard()
	store := openTestStore(t)
	h := &harness{store: store, oracle: o, sender: &recordingSender{}, notifier: &recordingNotifier{}}

	reg := tools.NewRegistry(logger)
	h.registry = reg
	tools.RegisterBuiltins(reg, h.sender, logger)
	for _, name := range []string{"search", "web_search", "lookup", "think"} {
		reg.Register(name, name+" tool", func(_ context.Context, _ tools.Call, args map[string]any) (any, error) {
			return map[string]any{"success": true, "results": args}, nil
		})
	}

	cfg := testLoopConfig()
	if tweak != nil {
		tweak(&cfg)
	}
	h.fallback = NewFallback(store, h.notifier, logger)
	h.cancels = NewCancellations(store, h.fallback, logger)
	h.producer = NewProducer(store, nil, 30*time.Second, logger, nil)
	auditor := completion.NewAuditor(store, completion.Config{
		Rules: completion.Rules{
			Classes:            cfg.Classes,
			UserFacingChannels: []string{"telegram"},
			SubstantiveLength:  280,
			AckLength:          160,
		},
		DedupWindow: 10 * time.Minute,
	}, logger, nil, nil)

	h.loop = NewLoop(LoopDeps{
		Store:    store,
		Oracle:   o,
		Executor: reg,
		Tools:    reg.Specs(),
		Auditor:  auditor,
		Gate:     review.NewGate(o, logger, nil, nil),
		Retry:    retry.NewHandler(store, retry.Policy{MaxAttempts: 2, Base: time.Minute, Max: time.Hour}, logger),
		Fallback: h.fallback,
		Cancels:  h.cancels,
		Logger:   logger,
	}, cfg)
	return h
}

// claim pushes a user-lane action from telegram and claims it.
func (h *harness) claim(t *testing.T, desc string) persistence.Action {
	t.Helper()
	ctx := context.Background()
	if _, err := h.store.Push(ctx, persistence.NewAction{
		Description: desc,
		Lane:        persistence.LaneUser,
		Payload: map[string]any{
			persistence.PayloadChannel: "telegram",
			persistence.PayloadSession: "chat-7",
			persistence.PayloadTarget:  "7",
		},
	}); err != nil {
		t.Fatalf("push: %v", err)
	}
	return h.claimNext(t)
}

func (h *harness) claimNext(t *testing.T) persistence.Action {
	t.Helper()
	a, err := h.store.ClaimNext(context.Background(), persistence.LaneUser, "w1")
	if err != nil || a == nil {
		t.Fatalf("claim: %v, %v", a, err)
	}
	return *a
}

func (h *harness) status(t *testing.T, id string) persistence.Action {
	t.Helper()
	a, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return *a
}
