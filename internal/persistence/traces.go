package persistence

import (
	"context"
	"fmt"
	"time"
)

type TraceKind string

const (
	TraceTool    TraceKind = "tool"
	TraceMessage TraceKind = "message"
	TraceNote    TraceKind = "note"
	TraceVerdict TraceKind = "verdict"
)

// TraceEntry is one per-step observation of an action. Message entries are
// successful user-visible sends; tool entries cover every other executed
// tool.
type TraceEntry struct {
	ID        int64         `json:"id"`
	ActionID  string        `json:"action_id"`
	Step      int           `json:"step"`
	Kind      TraceKind     `json:"kind"`
	Tool      string        `json:"tool,omitempty"`
	Signature string        `json:"signature,omitempty"`
	Args      string        `json:"args,omitempty"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Text      string        `json:"text,omitempty"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Append records one trace entry.
func (s *Store) Append(ctx context.Context, e TraceEntry) error {
	if e.ActionID == "" {
		return fmt.Errorf("%w: trace entry without action id", ErrInvalidAction)
	}
	if e.Kind == "" {
		e.Kind = TraceTool
	}
	args := e.Args
	if args == "" {
		args = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO action_traces (action_id, step, kind, tool, signature, args, success, error, text, duration_ms, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ActionID, e.Step, e.Kind, e.Tool, e.Signature, args, boolToInt(e.Success), e.Error, e.Text, e.Duration.Milliseconds(), s.Now())
		if err != nil {
			return fmt.Errorf("append trace: %w", err)
		}
		return nil
	})
}

// ListForAction returns the action's trace in append order.
func (s *Store) ListForAction(ctx context.Context, actionID string) ([]TraceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action_id, step, kind, tool, signature, args, success, error, text, duration_ms, created_at
		FROM action_traces WHERE action_id = ? ORDER BY id ASC;
	`, actionID)
	if err != nil {
		return nil, fmt.Errorf("list trace: %w", err)
	}
	defer rows.Close()

	var out []TraceEntry
	for rows.Next() {
		var e TraceEntry
		var success int
		var durMS int64
		if err := rows.Scan(&e.ID, &e.ActionID, &e.Step, &e.Kind, &e.Tool, &e.Signature, &e.Args, &success, &e.Error, &e.Text, &durMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		e.Success = success != 0
		e.Duration = time.Duration(durMS) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup drops an action's trace once it has settled.
func (s *Store) Cleanup(ctx context.Context, actionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM action_traces WHERE action_id = ?;`, actionID); err != nil {
			return fmt.Errorf("cleanup trace: %w", err)
		}
		return nil
	})
}
