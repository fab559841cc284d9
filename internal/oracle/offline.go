package oracle

import (
	"context"
	"fmt"

	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tools"
)

// Offline stands in when no model is configured. It tells the requester
// the task cannot be planned and declares the action done.
type Offline struct{}

func (Offline) Decide(_ context.Context, action persistence.Action, sc StepContext) (Decision, error) {
	if sc.Step > 1 || action.PayloadString(persistence.PayloadChannel) == "" {
		return Decision{Verification: Verification{GoalsMet: true, Reasoning: "no decision model configured"}}, nil
	}
	return Decision{
		Tools: []tools.Invocation{{
			Name: tools.SendMessageTool,
			Args: map[string]any{"text": fmt.Sprintf("No decision model is configured, so I cannot work on %q yet.", action.Description)},
		}},
		Verification: Verification{GoalsMet: true, Reasoning: "requester informed"},
	}, nil
}

func (Offline) Classify(_ context.Context, action persistence.Action) (Tier, error) {
	return HeuristicTier(action.Description), nil
}

func (Offline) Review(context.Context, ReviewQuery) (ReviewAnswer, error) {
	return ReviewAnswer{Continue: false, Reasoning: "no decision model configured"}, nil
}
