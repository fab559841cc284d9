// Package oracle defines the decision oracle contract the execution loop
// drives, plus the model-backed and heuristic implementations.
package oracle

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tools"
)

// ErrInvalidDecision marks oracle output that parsed but does not satisfy
// the decision contract. It is never retried by Call.
var ErrInvalidDecision = errors.New("invalid oracle decision")

type Tier string

const (
	TierTrivial  Tier = "trivial"
	TierStandard Tier = "standard"
	TierDeep     Tier = "deep"
)

func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierTrivial:
		return TierTrivial, true
	case TierStandard:
		return TierStandard, true
	case TierDeep:
		return TierDeep, true
	}
	return "", false
}

// StepContext is everything the oracle sees besides the action itself.
type StepContext struct {
	Step        int          `json:"step"`
	MaxSteps    int          `json:"maxSteps"`
	History     []string     `json:"history,omitempty"`
	Corrections []string     `json:"corrections,omitempty"`
	Inputs      []string     `json:"inputs,omitempty"`
	Notes       []string     `json:"notes,omitempty"`
	Tools       []tools.Spec `json:"tools,omitempty"`
}

type Verification struct {
	GoalsMet  bool   `json:"goalsMet"`
	Reasoning string `json:"reasoning"`
}

// Decision is one step's plan: tools to run and whether the goal is met.
type Decision struct {
	Tools        []tools.Invocation `json:"tools"`
	Verification Verification       `json:"verification"`
	Reasoning    string             `json:"reasoning,omitempty"`
}

// Empty reports the invalid-output case: nothing to do and not done.
func (d Decision) Empty() bool {
	return len(d.Tools) == 0 && !d.Verification.GoalsMet
}

// Clean drops invocations without a tool name.
func (d Decision) Clean() Decision {
	kept := d.Tools[:0:0]
	for _, inv := range d.Tools {
		inv.Name = strings.TrimSpace(inv.Name)
		if inv.Name == "" {
			continue
		}
		kept = append(kept, inv)
	}
	d.Tools = kept
	return d
}

// ReviewQuery is the input of a forced-termination review.
type ReviewQuery struct {
	ActionID             string   `json:"actionId"`
	Description          string   `json:"description"`
	Reason               string   `json:"reason"`
	RecentSteps          []string `json:"recentSteps"`
	MessagesSent         int      `json:"messagesSent"`
	AnyDeliverySucceeded bool     `json:"anyDeliverySucceeded"`
	SubstantiveSent      int      `json:"substantiveDeliveriesSent"`
}

type ReviewAnswer struct {
	Continue  bool   `json:"continue"`
	Reasoning string `json:"reasoning"`
}

// Oracle is the external planner. Output is untrusted: callers validate
// and filter it.
type Oracle interface {
	Decide(ctx context.Context, action persistence.Action, sc StepContext) (Decision, error)
	Classify(ctx context.Context, action persistence.Action) (Tier, error)
	Review(ctx context.Context, q ReviewQuery) (ReviewAnswer, error)
}
