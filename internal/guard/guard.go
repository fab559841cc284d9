// Package guard tracks one action's tool activity across steps and decides
// whether each requested invocation may run.
package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tokenutil"
	"github.com/basket/go-foreman/internal/tools"
)

type Decision int

const (
	Allow Decision = iota
	// Skip drops the invocation and feeds Note back to the oracle.
	Skip
	// Review asks the review gate whether the action may go on.
	Review
	Abort
)

func (d Decision) String() string {
	switch d {
	case Skip:
		return "skip"
	case Review:
		return "review"
	case Abort:
		return "abort"
	default:
		return "allow"
	}
}

type Rule string

const (
	RuleExactLoop        Rule = "exact_loop"
	RulePatternLoop      Rule = "pattern_loop"
	RuleFrequency        Rule = "frequency_ceiling"
	RuleToolBlocked      Rule = "tool_blocked"
	RuleSignatureBlocked Rule = "signature_blocked"
	RuleMessageBudget    Rule = "message_budget"
	RuleCooldown         Rule = "message_cooldown"
	RuleDuplicateMessage Rule = "duplicate_message"
	RuleSimilarMessage   Rule = "similar_message"
	RuleSideEffectRepeat Rule = "side_effect_repeat"
)

// Verdict is the guard's answer for a step or a single invocation.
type Verdict struct {
	Decision Decision
	Rule     Rule
	Note     string
}

var allow = Verdict{Decision: Allow}

// Config holds the thresholds. Zero values fall back to the defaults.
type Config struct {
	LoopRepeatLimit     int
	PatternWindow       int
	PatternGroup        int
	DefaultCeiling      int
	ResearchCeiling     int
	ToolCeilings        map[string]int
	FailureCeiling      int
	ForceUpdateSteps    int
	SimilarityThreshold float64
	SubstantiveLength   int
	AckLength           int
}

func ConfigFrom(c config.GuardConfig) Config {
	return Config{
		LoopRepeatLimit:     c.LoopRepeatLimit,
		PatternWindow:       c.PatternWindow,
		PatternGroup:        c.PatternGroup,
		DefaultCeiling:      c.DefaultCeiling,
		ResearchCeiling:     c.ResearchCeiling,
		ToolCeilings:        c.ToolCeilings,
		FailureCeiling:      c.FailureCeiling,
		ForceUpdateSteps:    c.ForceUpdateSteps,
		SimilarityThreshold: c.SimilarityThreshold,
		SubstantiveLength:   c.SubstantiveLength,
		AckLength:           c.AckLength,
	}
}

func (c Config) withDefaults() Config {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.LoopRepeatLimit, 3)
	def(&c.PatternWindow, 6)
	def(&c.PatternGroup, 2)
	def(&c.DefaultCeiling, 8)
	def(&c.ResearchCeiling, 20)
	def(&c.FailureCeiling, 3)
	def(&c.ForceUpdateSteps, 5)
	def(&c.SubstantiveLength, 280)
	def(&c.AckLength, 160)
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = 0.8
	}
	return c
}

// Ledger answers whether a side effect already succeeded.
type Ledger interface {
	SideEffectSeen(ctx context.Context, key string) (bool, error)
}

type executed struct {
	name string
	sig  string
}

// State is the per-action guard state. It lives for one execution and is
// discarded when the action settles.
type State struct {
	Calls        map[string]int
	Failures     map[string]int
	BlockedSigs  map[string]struct{}
	BlockedTools map[string]struct{}
	MessagesSent int
	SentTexts    []string
	LastStepSig  string
	LoopCount    int

	recent        []executed
	deepSinceSend bool
	lastSendStep  int
}

func newState() *State {
	return &State{
		Calls:        make(map[string]int),
		Failures:     make(map[string]int),
		BlockedSigs:  make(map[string]struct{}),
		BlockedTools: make(map[string]struct{}),
	}
}

// Engine applies the guardrails to one action. It is not safe for
// concurrent use; an action runs on a single lane goroutine.
type Engine struct {
	actionID    string
	cfg         Config
	classes     tools.Classes
	ledger      Ledger
	maxMessages int
	state       *State
}

func New(actionID string, cfg Config, classes tools.Classes, ledger Ledger, maxMessages int) *Engine {
	return &Engine{
		actionID:    actionID,
		cfg:         cfg.withDefaults(),
		classes:     classes,
		ledger:      ledger,
		maxMessages: maxMessages,
		state:       newState(),
	}
}

func (e *Engine) State() *State { return e.state }

// Seed restores counts from a previous attempt of the same action, so a
// retried action does not get a fresh message budget. The send cooldown
// starts open: earlier sends belong to a previous run.
func (e *Engine) Seed(messagesSent int, sentTexts []string) {
	e.state.MessagesSent = messagesSent
	e.state.SentTexts = append(e.state.SentTexts, sentTexts...)
	e.state.deepSinceSend = true
}

// CheckStep runs the loop detectors over the step's batch before any of it
// executes.
func (e *Engine) CheckStep(batch []tools.Invocation) Verdict {
	if len(batch) == 0 {
		return allow
	}
	sigs := make([]string, len(batch))
	for i, inv := range batch {
		sigs[i] = inv.Signature()
	}
	stepSig := strings.Join(sigs, "|")
	if stepSig == e.state.LastStepSig {
		e.state.LoopCount++
	} else {
		e.state.LastStepSig = stepSig
		e.state.LoopCount = 1
	}
	if e.state.LoopCount >= e.cfg.LoopRepeatLimit {
		return Verdict{
			Decision: Abort,
			Rule:     RuleExactLoop,
			Note:     fmt.Sprintf("loop detected: identical tool calls for %d consecutive steps (%s)", e.state.LoopCount, tokenutil.Truncate(stepSig, 30)),
		}
	}
	if names, ok := e.patternLoop(); ok {
		return Verdict{
			Decision: Abort,
			Rule:     RulePatternLoop,
			Note:     fmt.Sprintf("loop detected: tool pattern %s repeated with identical arguments", names),
		}
	}
	return allow
}

// patternLoop splits the last PatternWindow executions into groups of
// PatternGroup and reports a loop when every group matches the first by
// name and by argument signature.
func (e *Engine) patternLoop() (string, bool) {
	w, g := e.cfg.PatternWindow, e.cfg.PatternGroup
	if g <= 0 || w < 2*g || len(e.state.recent) < w {
		return "", false
	}
	window := e.state.recent[len(e.state.recent)-w:]
	groups := w / g
	for i := 1; i < groups; i++ {
		for j := 0; j < g; j++ {
			a, b := window[j], window[i*g+j]
			if a.name != b.name || a.sig != b.sig {
				return "", false
			}
		}
	}
	names := make([]string, g)
	for j := 0; j < g; j++ {
		names[j] = window[j].name
	}
	return "[" + strings.Join(names, ", ") + "]", true
}

// Admit filters one invocation. call supplies the message target used for
// side-effect keys.
func (e *Engine) Admit(ctx context.Context, step int, call tools.Call, inv tools.Invocation) Verdict {
	s := e.state
	name := inv.Name
	sig := inv.Signature()

	if _, blocked := s.BlockedTools[name]; blocked {
		return Verdict{Decision: Skip, Rule: RuleToolBlocked, Note: fmt.Sprintf(
			"%s is disabled for this action after %d consecutive failures; use a different tool or report what you have", name, e.cfg.FailureCeiling)}
	}
	if _, blocked := s.BlockedSigs[sig]; blocked {
		return Verdict{Decision: Skip, Rule: RuleSignatureBlocked, Note: fmt.Sprintf(
			"this exact %s call already failed; change the arguments or try another approach", name)}
	}

	if e.classes.IsMessage(name) {
		if v := e.admitMessage(step, inv); v.Decision != Allow {
			return v
		}
	}

	if e.ledger != nil && e.classes.IsSideEffect(name) {
		seen, err := e.ledger.SideEffectSeen(ctx, e.EffectKey(call, inv))
		if err == nil && seen {
			return Verdict{Decision: Skip, Rule: RuleSideEffectRepeat, Note: fmt.Sprintf(
				"%s already succeeded with this content; do not resend completed work", name)}
		}
	}

	if s.Calls[name] >= e.ceiling(name) {
		return Verdict{Decision: Review, Rule: RuleFrequency, Note: fmt.Sprintf(
			"%s reached its ceiling of %d calls for this action", name, e.ceiling(name))}
	}
	return allow
}

func (e *Engine) admitMessage(step int, inv tools.Invocation) Verdict {
	s := e.state
	text := tools.MessageText(inv)
	norm := normalizeMessage(text)
	for _, prev := range s.SentTexts {
		if normalizeMessage(prev) == norm {
			return Verdict{Decision: Skip, Rule: RuleDuplicateMessage, Note: "this exact message was already sent; do not repeat it"}
		}
	}
	candidateSubstantive := IsSubstantive(text, e.cfg.SubstantiveLength)
	for _, prev := range s.SentTexts {
		if candidateSubstantive && !IsSubstantive(prev, e.cfg.SubstantiveLength) {
			continue
		}
		if Similarity(text, prev) >= e.cfg.SimilarityThreshold {
			return Verdict{Decision: Skip, Rule: RuleSimilarMessage, Note: "a near-identical message was already sent; send only new information"}
		}
	}
	if e.maxMessages > 0 && s.MessagesSent >= e.maxMessages {
		return Verdict{Decision: Review, Rule: RuleMessageBudget, Note: fmt.Sprintf("message budget of %d exhausted", e.maxMessages)}
	}
	if s.MessagesSent > 0 && !s.deepSinceSend && step-s.lastSendStep < e.cfg.ForceUpdateSteps {
		return Verdict{Decision: Skip, Rule: RuleCooldown, Note: "a message was just sent and no new work has been done since; do more work before messaging again"}
	}
	return allow
}

func normalizeMessage(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func (e *Engine) ceiling(name string) int {
	if c, ok := e.cfg.ToolCeilings[name]; ok && c > 0 {
		return c
	}
	if e.classes.IsResearch(name) {
		return e.cfg.ResearchCeiling
	}
	return e.cfg.DefaultCeiling
}

// EffectKey is the side-effect ledger key for inv.
func (e *Engine) EffectKey(call tools.Call, inv tools.Invocation) string {
	_, target := tools.MessageTarget(call, inv)
	payload := tools.MessageText(inv)
	if payload == "" {
		payload = inv.Signature()
	}
	return persistence.SideEffectKey(e.actionID, inv.Name, target, payload)
}

// ContinueFrequency softens a tool's counter after the review gate lets
// the action go on.
func (e *Engine) ContinueFrequency(name string) {
	e.state.Calls[name] /= 2
}

// ExtendMessages grants extra sends after the review gate lets the action
// go on.
func (e *Engine) ExtendMessages(n int) {
	if e.maxMessages > 0 {
		e.maxMessages += n
	}
}

// Record updates the state after an invocation ran. It returns a
// corrective note when the failure newly blocked the tool.
func (e *Engine) Record(step int, inv tools.Invocation, res tools.Result) string {
	s := e.state
	name := inv.Name
	sig := inv.Signature()
	s.Calls[name]++
	s.recent = append(s.recent, executed{name: name, sig: sig})
	if limit := e.cfg.PatternWindow * 2; len(s.recent) > limit {
		s.recent = s.recent[len(s.recent)-limit:]
	}

	if !res.OK() {
		s.BlockedSigs[sig] = struct{}{}
		s.Failures[name]++
		if s.Failures[name] >= e.cfg.FailureCeiling {
			if _, already := s.BlockedTools[name]; !already {
				s.BlockedTools[name] = struct{}{}
				return fmt.Sprintf("%s failed %d times in a row and is now disabled for this action; try an alternative tool or deliver what you have",
					name, s.Failures[name])
			}
		}
		return ""
	}

	s.Failures[name] = 0
	if e.classes.IsMessage(name) {
		s.MessagesSent++
		s.SentTexts = append(s.SentTexts, tools.MessageText(inv))
		s.lastSendStep = step
		s.deepSinceSend = false
		return ""
	}
	if e.classes.IsDeep(name) {
		s.deepSinceSend = true
	}
	return ""
}

// Delivery summarises what the user has received so far.
type Delivery struct {
	MessagesSent         int  `json:"messagesSent"`
	AnyDeliverySucceeded bool `json:"anyDeliverySucceeded"`
	SubstantiveSent      int  `json:"substantiveDeliveriesSent"`
}

func (e *Engine) Delivery() Delivery {
	d := Delivery{MessagesSent: e.state.MessagesSent, AnyDeliverySucceeded: e.state.MessagesSent > 0}
	for _, t := range e.state.SentTexts {
		if IsSubstantive(t, e.cfg.SubstantiveLength) {
			d.SubstantiveSent++
		}
	}
	return d
}

