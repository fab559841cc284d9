// Package completion audits an action's trace before its "done" claim is
// honored.
package completion

import (
	"fmt"
	"slices"
	"strings"

	"github.com/basket/go-foreman/internal/guard"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/tools"
)

// IssueCode identifies one kind of premature completion.
type IssueCode string

const (
	IssueNoMessage        IssueCode = "no_message"
	IssueUndelivered      IssueCode = "undelivered_results"
	IssueAckOnly          IssueCode = "ack_only"
	IssueUnresolvedErrors IssueCode = "unresolved_errors"
)

type Issue struct {
	Code   IssueCode `json:"code"`
	Detail string    `json:"detail"`
}

func (i Issue) String() string { return string(i.Code) + ": " + i.Detail }

// Rules holds the thresholds the trace checks depend on.
type Rules struct {
	Classes            tools.Classes
	UserFacingChannels []string
	SubstantiveLength  int
	AckLength          int
}

func (r Rules) userFacing(channel string) bool {
	return channel != "" && slices.Contains(r.UserFacingChannels, channel)
}

// Check scans one action's own trace entries and returns every reason its
// completion claim cannot be trusted. It has no side effects.
func Check(action persistence.Action, entries []persistence.TraceEntry, r Rules) []Issue {
	var (
		issues       []Issue
		messages     []persistence.TraceEntry
		lastMsgIdx   = -1
		researchRan  bool
		deepAfterMsg []string
	)
	for i, e := range entries {
		switch e.Kind {
		case persistence.TraceMessage:
			if e.Success {
				messages = append(messages, e)
				lastMsgIdx = i
				deepAfterMsg = deepAfterMsg[:0]
			}
		case persistence.TraceTool:
			if !e.Success {
				continue
			}
			if r.Classes.IsResearch(e.Tool) || r.Classes.IsDeep(e.Tool) {
				researchRan = true
			}
			if lastMsgIdx >= 0 && r.Classes.IsDeep(e.Tool) && !slices.Contains(deepAfterMsg, e.Tool) {
				deepAfterMsg = append(deepAfterMsg, e.Tool)
			}
		}
	}

	if len(messages) == 0 && r.userFacing(action.Origin) {
		issues = append(issues, Issue{
			Code:   IssueNoMessage,
			Detail: fmt.Sprintf("no message was sent although the request came from %s", action.Origin),
		})
	}
	if len(deepAfterMsg) > 0 {
		issues = append(issues, Issue{
			Code:   IssueUndelivered,
			Detail: "results of " + strings.Join(deepAfterMsg, ", ") + " were gathered after the last message and never delivered",
		})
	}
	if len(messages) > 0 && researchRan && allAcknowledgements(messages, r.AckLength) {
		issues = append(issues, Issue{
			Code:   IssueAckOnly,
			Detail: "every message sent was an acknowledgement while research ran",
		})
	}
	if failed := unresolvedErrors(entries, r.SubstantiveLength); len(failed) > 0 {
		issues = append(issues, Issue{
			Code:   IssueUnresolvedErrors,
			Detail: "errors from " + strings.Join(failed, ", ") + " were never recovered or explained",
		})
	}
	return issues
}

func allAcknowledgements(messages []persistence.TraceEntry, ackLength int) bool {
	for _, m := range messages {
		if !guard.IsAcknowledgement(m.Text, ackLength) {
			return false
		}
	}
	return true
}

// unresolvedErrors returns tools whose last call failed with no later
// successful call of the same tool and no substantive message after it.
func unresolvedErrors(entries []persistence.TraceEntry, substantive int) []string {
	lastFail := map[string]int{}
	lastOK := map[string]int{}
	lastSubstantive := -1
	for i, e := range entries {
		switch e.Kind {
		case persistence.TraceTool:
			if e.Success {
				lastOK[e.Tool] = i
			} else {
				lastFail[e.Tool] = i
			}
		case persistence.TraceMessage:
			if e.Success && guard.IsSubstantive(e.Text, substantive) {
				lastSubstantive = i
			}
		}
	}
	var out []string
	for tool, idx := range lastFail {
		if ok, seen := lastOK[tool]; seen && ok > idx {
			continue
		}
		if lastSubstantive > idx {
			continue
		}
		out = append(out, tool)
	}
	slices.Sort(out)
	return out
}
