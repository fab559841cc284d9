package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/shared"
	"github.com/google/uuid"
)

var (
	ErrActionNotFound    = errors.New("action not found")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrNotOwner          = errors.New("action not held by this owner")
	ErrInvalidAction     = errors.New("invalid action")
)

type Lane string

const (
	LaneUser     Lane = "user"
	LaneAutonomy Lane = "autonomy"
)

// Lanes lists every lane in dispatch order.
var Lanes = []Lane{LaneUser, LaneAutonomy}

func ParseLane(s string) (Lane, error) {
	switch Lane(strings.ToLower(strings.TrimSpace(s))) {
	case LaneUser:
		return LaneUser, nil
	case LaneAutonomy:
		return LaneAutonomy, nil
	}
	return "", fmt.Errorf("%w: unknown lane %q", ErrInvalidAction, s)
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusWaiting    Status = "waiting"
)

// allowedTransitions is the lifecycle graph. completed and terminal failed
// are absorbing; failed only leaves through a scheduled retry, which
// transitionTx checks against the retry columns.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusInProgress: {},
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusWaiting:   {},
	},
	StatusWaiting: {
		StatusPending: {},
	},
	StatusFailed: {
		StatusPending: {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Well-known payload keys.
const (
	PayloadChannel      = "channel"
	PayloadSession      = "session"
	PayloadTarget       = "target"
	PayloadRecoveryOf   = "recoveryOf"
	PayloadMessagesSent = "messagesSent"
	PayloadFallbackSent = "fallbackNotified"
	PayloadNotes        = "notes"
	PayloadInputs       = "inputs"
	PayloadScheduleID   = "scheduleId"
)

// RetryState is present once a failure has gone through the retry policy.
type RetryState struct {
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

type Action struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	Priority        int            `json:"priority"`
	Lane            Lane           `json:"lane"`
	Status          Status         `json:"status"`
	Payload         map[string]any `json:"payload"`
	Origin          string         `json:"origin,omitempty"`
	Session         string         `json:"session,omitempty"`
	Owner           string         `json:"owner,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Retry           *RetryState    `json:"retry,omitempty"`
	CancelRequested bool           `json:"cancel_requested,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	StatusChangedAt time.Time      `json:"status_changed_at"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// PayloadString returns a string payload field or "".
func (a Action) PayloadString(key string) string {
	switch v := a.Payload[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// PayloadInt returns a numeric payload field or 0. JSON numbers decode as
// float64.
func (a Action) PayloadInt(key string) int {
	switch v := a.Payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (a Action) PayloadBool(key string) bool {
	v, _ := a.Payload[key].(bool)
	return v
}

// PayloadStrings returns a list payload field as strings.
func (a Action) PayloadStrings(key string) []string {
	raw, _ := a.Payload[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsRecovery reports whether the action was enqueued by the completion
// auditor to finish another action's delivery.
func (a Action) IsRecovery() bool {
	return a.PayloadString(PayloadRecoveryOf) != ""
}

// NewAction is the producer-supplied part of an Action.
type NewAction struct {
	Description string
	Priority    int
	Lane        Lane
	Payload     map[string]any
}

// ActionEvent is one row of the transition log.
type ActionEvent struct {
	EventID   int64     `json:"event_id"`
	ActionID  string    `json:"action_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom Status    `json:"state_from,omitempty"`
	StateTo   Status    `json:"state_to"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const actionColumns = `id, description, priority, lane, status, payload, origin, session, owner, reason,
	has_retry, attempts, max_attempts, next_retry_at, cancel_requested, started_at,
	status_changed_at, created_at, updated_at`

func scanAction(scanFn func(dest ...any) error, a *Action) error {
	var payload string
	var hasRetry, cancel int
	var attempts, maxAttempts int
	var nextRetry, started sql.NullTime
	if err := scanFn(
		&a.ID, &a.Description, &a.Priority, &a.Lane, &a.Status, &payload,
		&a.Origin, &a.Session, &a.Owner, &a.Reason,
		&hasRetry, &attempts, &maxAttempts, &nextRetry, &cancel, &started,
		&a.StatusChangedAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return err
	}
	a.Payload = map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return fmt.Errorf("decode payload for %s: %w", a.ID, err)
		}
	}
	a.CancelRequested = cancel != 0
	a.Retry = nil
	if hasRetry != 0 {
		a.Retry = &RetryState{Attempts: attempts, MaxAttempts: maxAttempts}
		if nextRetry.Valid {
			t := nextRetry.Time
			a.Retry.NextRetryAt = &t
		}
	}
	a.StartedAt = nil
	if started.Valid {
		t := started.Time
		a.StartedAt = &t
	}
	return nil
}

func encodePayload(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// Push enqueues a new pending action.
func (s *Store) Push(ctx context.Context, na NewAction) (Action, error) {
	desc := strings.TrimSpace(na.Description)
	if desc == "" {
		return Action{}, fmt.Errorf("%w: empty description", ErrInvalidAction)
	}
	lane, err := ParseLane(string(na.Lane))
	if err != nil {
		return Action{}, err
	}
	payload, err := encodePayload(na.Payload)
	if err != nil {
		return Action{}, err
	}

	now := s.Now()
	a := Action{
		ID:              uuid.NewString(),
		Description:     desc,
		Priority:        na.Priority,
		Lane:            lane,
		Status:          StatusPending,
		Payload:         map[string]any{},
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for k, v := range na.Payload {
		a.Payload[k] = v
	}
	a.Origin = a.PayloadString(PayloadChannel)
	a.Session = a.PayloadString(PayloadSession)

	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin push tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO actions (id, description, priority, lane, status, payload, origin, session,
				status_changed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.Description, a.Priority, a.Lane, a.Status, payload, a.Origin, a.Session, now, now, now); err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
		if err := s.appendEventTx(ctx, tx, a.ID, "", StatusPending, "action.pushed", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Action{}, err
	}
	s.bus.Publish(bus.TopicActionPushed, bus.ActionPushedEvent{
		ActionID: a.ID, Lane: string(a.Lane), Priority: a.Priority, Origin: a.Origin,
	})
	return a, nil
}

// ClaimNext atomically moves the highest-priority pending action of lane to
// in-progress and records owner. Ties go to the earliest created action.
// It returns nil, nil when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, lane Lane, owner string) (*Action, error) {
	var result *Action
	err := retryOnBusy(ctx, 5, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := s.Now()
		var a Action
		row := tx.QueryRowContext(ctx, `
			SELECT `+actionColumns+`
			FROM actions
			WHERE lane = ? AND status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1;
		`, lane, StatusPending, now)
		if err := scanAction(row.Scan, &a); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select pending action: %w", err)
		}

		if _, _, err := s.transitionTx(ctx, tx, a.ID, "", StatusInProgress, "action.claimed", ""); err != nil {
			return fmt.Errorf("claim transition: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET owner = ?, started_at = ?, updated_at = ? WHERE id = ?;
		`, owner, now, now, a.ID); err != nil {
			return fmt.Errorf("set claim owner: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		a.Status = StatusInProgress
		a.Owner = owner
		a.StartedAt = &now
		a.StatusChangedAt = now
		a.UpdatedAt = now
		result = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.bus.Publish(bus.TopicActionClaimed, bus.ActionClaimedEvent{ActionID: result.ID, Lane: string(result.Lane), Owner: owner})
		s.publishStatus(result.ID, result.Lane, StatusPending, StatusInProgress, "")
	}
	return result, nil
}

// UpdateStatus moves an action along the lifecycle graph.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status, reason string) error {
	return s.transition(ctx, id, "", to, reason)
}

// Finish ends an in-progress action held by owner. It returns ErrNotOwner
// when the watchdog or a recovery sweep already settled it.
func (s *Store) Finish(ctx context.Context, id, owner string, to Status, reason string) error {
	if owner == "" {
		return fmt.Errorf("%w: empty owner", ErrNotOwner)
	}
	return s.transition(ctx, id, owner, to, reason)
}

func (s *Store) transition(ctx context.Context, id, owner string, to Status, reason string) error {
	var from Status
	var lane Lane
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		lane, from, err = s.transitionTx(ctx, tx, id, owner, to, "action."+string(to), reason)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStatus(id, lane, from, to, reason)
	return nil
}

// transitionTx validates and applies one edge of the lifecycle graph. When
// owner is non-empty the row must be in-progress and held by owner.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, id, owner string, to Status, eventType, reason string) (Lane, Status, error) {
	var current Status
	var lane Lane
	var currentOwner string
	if err := tx.QueryRowContext(ctx, `
		SELECT status, lane, owner FROM actions WHERE id = ?;
	`, id).Scan(&current, &lane, &currentOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		return "", "", fmt.Errorf("select action for transition: %w", err)
	}
	if owner != "" && (current != StatusInProgress || currentOwner != owner) {
		return "", "", fmt.Errorf("%w: %s is %s (owner %q)", ErrNotOwner, id, current, currentOwner)
	}
	if !canTransition(current, to) {
		return "", "", fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}
	if current == StatusFailed {
		if err := retryScheduledTx(ctx, tx, id); err != nil {
			return "", "", err
		}
	}

	now := s.Now()
	clearOwner := to == StatusPending
	res, err := tx.ExecContext(ctx, `
		UPDATE actions
		SET status = ?,
			reason = ?,
			owner = CASE WHEN ? THEN '' ELSE owner END,
			status_changed_at = ?,
			updated_at = ?
		WHERE id = ? AND status = ?;
	`, to, reason, clearOwner, now, now, id, current)
	if err != nil {
		return "", "", fmt.Errorf("update action transition: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return "", "", fmt.Errorf("%w: concurrent update of %s", ErrIllegalTransition, id)
	}
	if err := s.appendEventTx(ctx, tx, id, current, to, eventType, reason); err != nil {
		return "", "", err
	}
	return lane, current, nil
}

// retryScheduledTx reports whether a failed action holds a pending retry.
// Failed actions without one are terminal.
func retryScheduledTx(ctx context.Context, tx *sql.Tx, id string) error {
	var hasRetry, scheduled bool
	var attempts, maxAttempts int
	if err := tx.QueryRowContext(ctx, `
		SELECT has_retry, next_retry_at IS NOT NULL, attempts, max_attempts FROM actions WHERE id = ?;
	`, id).Scan(&hasRetry, &scheduled, &attempts, &maxAttempts); err != nil {
		return fmt.Errorf("select retry state: %w", err)
	}
	if !hasRetry || !scheduled || attempts > maxAttempts {
		return fmt.Errorf("%w: %s is terminally failed", ErrIllegalTransition, id)
	}
	return nil
}

func (s *Store) appendEventTx(ctx context.Context, tx *sql.Tx, actionID string, from, to Status, eventType, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO action_events (action_id, trace_id, event_type, state_from, state_to, reason, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, ?);
	`, actionID, shared.TraceID(ctx), eventType, string(from), string(to), reason, s.Now())
	if err != nil {
		return fmt.Errorf("insert action_event: %w", err)
	}
	return nil
}

func (s *Store) publishStatus(id string, lane Lane, from, to Status, reason string) {
	s.bus.Publish(bus.TopicActionStatus, bus.ActionStatusEvent{
		ActionID:  id,
		Lane:      string(lane),
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	})
}

// Get loads one action.
func (s *Store) Get(ctx context.Context, id string) (*Action, error) {
	var a Action
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?;`, id)
	if err := scanAction(row.Scan, &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrActionNotFound, id)
		}
		return nil, fmt.Errorf("get action: %w", err)
	}
	return &a, nil
}

// UpdatePayload shallow-merges patch into the payload. A nil value deletes
// the key. It returns the merged payload.
func (s *Store) UpdatePayload(ctx context.Context, id string, patch map[string]any) (map[string]any, error) {
	return s.mutatePayload(ctx, id, func(p map[string]any) bool {
		for k, v := range patch {
			if v == nil {
				delete(p, k)
				continue
			}
			p[k] = v
		}
		return true
	})
}

// AddPayloadCount adds delta to a numeric payload field and returns the new
// value.
func (s *Store) AddPayloadCount(ctx context.Context, id, key string, delta int) (int, error) {
	var out int
	_, err := s.mutatePayload(ctx, id, func(p map[string]any) bool {
		out = Action{Payload: p}.PayloadInt(key) + delta
		p[key] = out
		return true
	})
	return out, err
}

// AppendPayloadList appends value to a list payload field.
func (s *Store) AppendPayloadList(ctx context.Context, id, key string, value any) error {
	_, err := s.mutatePayload(ctx, id, func(p map[string]any) bool {
		appendList(p, key, value)
		return true
	})
	return err
}

// MarkFallbackSent sets the fallback flag and reports whether this call set
// it. Only the first caller gets true.
func (s *Store) MarkFallbackSent(ctx context.Context, id string) (bool, error) {
	first := false
	_, err := s.mutatePayload(ctx, id, func(p map[string]any) bool {
		if sent, _ := p[PayloadFallbackSent].(bool); sent {
			return false
		}
		p[PayloadFallbackSent] = true
		first = true
		return true
	})
	return first, err
}

func appendList(p map[string]any, key string, value any) {
	list, _ := p[key].([]any)
	p[key] = append(list, value)
}

// mutatePayload runs fn over the decoded payload inside a transaction and
// writes the result back when fn returns true.
func (s *Store) mutatePayload(ctx context.Context, id string, fn func(map[string]any) bool) (map[string]any, error) {
	var merged map[string]any
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin payload tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT payload FROM actions WHERE id = ?;`, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrActionNotFound, id)
			}
			return fmt.Errorf("select payload: %w", err)
		}
		merged = map[string]any{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &merged); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		if !fn(merged) {
			return nil
		}
		encoded, err := encodePayload(merged)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE actions SET payload = ?, updated_at = ? WHERE id = ?;
		`, encoded, s.Now(), id); err != nil {
			return fmt.Errorf("update payload: %w", err)
		}
		return tx.Commit()
	})
	return merged, err
}

// ActionFilter narrows List. Zero fields match everything; Match runs in Go
// after the SQL filters.
type ActionFilter struct {
	Statuses     []Status
	Lane         Lane
	Origin       string
	Session      string
	CreatedSince time.Time
	Limit        int
	Match        func(Action) bool
}

// List returns matching actions, oldest first.
func (s *Store) List(ctx context.Context, f ActionFilter) ([]Action, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Lane != "" {
		where = append(where, "lane = ?")
		args = append(args, f.Lane)
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, f.Origin)
	}
	if f.Session != "" {
		where = append(where, "session = ?")
		args = append(args, f.Session)
	}
	if !f.CreatedSince.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.CreatedSince.UTC())
	}
	query := `SELECT ` + actionColumns + ` FROM actions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var a Action
		if err := scanAction(rows.Scan, &a); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if f.Match != nil && !f.Match(a) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, rows.Err()
}

// Counts returns the number of actions per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM actions GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var st Status
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// Events returns the transition log of one action in order.
func (s *Store) Events(ctx context.Context, id string) ([]ActionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, action_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, reason, created_at
		FROM action_events WHERE action_id = ? ORDER BY event_id ASC;
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list action events: %w", err)
	}
	defer rows.Close()
	var out []ActionEvent
	for rows.Next() {
		var ev ActionEvent
		if err := rows.Scan(&ev.EventID, &ev.ActionID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Reason, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ResumeWaiting moves a waiting action back to pending and appends value to
// the payload list key. It returns false when the action is no longer
// waiting, so concurrent resumers cannot both succeed.
func (s *Store) ResumeWaiting(ctx context.Context, id, key string, value any, reason string) (bool, error) {
	resumed := false
	var lane Lane
	err := retryOnBusy(ctx, 5, func() error {
		resumed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resume tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status Status
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT status, payload FROM actions WHERE id = ?;`, id).Scan(&status, &raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: %s", ErrActionNotFound, id)
			}
			return fmt.Errorf("select waiting action: %w", err)
		}
		if status != StatusWaiting {
			return nil
		}
		payload := map[string]any{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}
		}
		appendList(payload, key, value)
		encoded, err := encodePayload(payload)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE actions SET payload = ? WHERE id = ?;`, encoded, id); err != nil {
			return fmt.Errorf("update payload: %w", err)
		}
		if lane, _, err = s.transitionTx(ctx, tx, id, "", StatusPending, "action.resumed", reason); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resume tx: %w", err)
		}
		resumed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if resumed {
		s.publishStatus(id, lane, StatusWaiting, StatusPending, reason)
	}
	return resumed, nil
}

// StaleInProgress returns in-progress actions started before cutoff whose
// owner is not excludeOwner.
func (s *Store) StaleInProgress(ctx context.Context, cutoff time.Time, excludeOwner string) ([]Action, error) {
	return s.List(ctx, ActionFilter{
		Statuses: []Status{StatusInProgress},
		Match: func(a Action) bool {
			return a.Owner != excludeOwner && a.StartedAt != nil && a.StartedAt.Before(cutoff)
		},
	})
}

// OverdueOwnedBy returns in-progress actions held by owner that started
// before cutoff.
func (s *Store) OverdueOwnedBy(ctx context.Context, owner string, cutoff time.Time) ([]Action, error) {
	return s.List(ctx, ActionFilter{
		Statuses: []Status{StatusInProgress},
		Match: func(a Action) bool {
			return a.Owner == owner && a.StartedAt != nil && a.StartedAt.Before(cutoff)
		},
	})
}

// WaitingSince returns waiting actions that entered waiting before cutoff.
func (s *Store) WaitingSince(ctx context.Context, cutoff time.Time) ([]Action, error) {
	return s.List(ctx, ActionFilter{
		Statuses: []Status{StatusWaiting},
		Match: func(a Action) bool {
			return a.StatusChangedAt.Before(cutoff)
		},
	})
}

// HasStatus reports whether st is one of statuses.
func HasStatus(st Status, statuses ...Status) bool {
	return slices.Contains(statuses, st)
}
