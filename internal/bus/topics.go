package bus

// Action lifecycle topics.
const (
	TopicActionPushed  = "action.pushed"
	TopicActionClaimed = "action.claimed"
	TopicActionStatus  = "action.status"
)

// Guardrail and arbitration topics.
const (
	TopicGuardBlocked  = "guard.blocked"
	TopicReviewVerdict = "review.verdict"
	TopicAuditFailed   = "audit.failed"
)

// TopicScheduleFired is published when a heartbeat schedule pushes an action.
const TopicScheduleFired = "schedule.fired"

// ActionPushedEvent is published when a producer enqueues an action.
type ActionPushedEvent struct {
	ActionID string
	Lane     string
	Priority int
	Origin   string
}

// ActionClaimedEvent is published when a lane worker claims an action.
type ActionClaimedEvent struct {
	ActionID string
	Lane     string
	Owner    string
}

// ActionStatusEvent is published on every persisted status transition.
type ActionStatusEvent struct {
	ActionID  string
	Lane      string
	OldStatus string
	NewStatus string
	Reason    string
}

// GuardBlockedEvent is published when a guardrail skips or aborts a tool call.
type GuardBlockedEvent struct {
	ActionID string
	Step     int
	Tool     string
	Rule     string
	Abort    bool
	Note     string
}

// ReviewVerdictEvent is published after every review gate decision.
type ReviewVerdictEvent struct {
	ActionID string
	Reason   string
	Verdict  string
	FastPath bool
}

// AuditFailedEvent is published when a completion claim is rejected.
type AuditFailedEvent struct {
	ActionID         string
	Issues           []string
	RecoveryActionID string
}

// ScheduleFiredEvent is published when a heartbeat schedule fires.
type ScheduleFiredEvent struct {
	ScheduleID string
	Name       string
	ActionID   string
}
