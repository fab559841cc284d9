package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvents      int64 `json:"purged_events"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
	PurgedTraces      int64 `json:"purged_traces"`
	PurgedSideEffects int64 `json:"purged_side_effects"`
}

// RunRetention deletes history older than the given windows. A zero window
// keeps that category. Traces and side effects are only purged for actions
// that have settled.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditDays, traceDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.Now()

	if eventDays > 0 {
		cutoff := now.AddDate(0, 0, -eventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM action_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge action_events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}

	if auditDays > 0 {
		cutoff := now.AddDate(0, 0, -auditDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.Format(time.DateTime))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	if traceDays > 0 {
		cutoff := now.AddDate(0, 0, -traceDays)
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM action_traces
			WHERE created_at < ? AND action_id IN (SELECT id FROM actions WHERE status IN (?, ?));
		`, cutoff, StatusCompleted, StatusFailed)
		if err != nil {
			return result, fmt.Errorf("purge action_traces: %w", err)
		}
		result.PurgedTraces, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `
			DELETE FROM side_effects
			WHERE created_at < ? AND action_id IN (SELECT id FROM actions WHERE status = ?);
		`, cutoff, StatusCompleted)
		if err != nil {
			return result, fmt.Errorf("purge side_effects: %w", err)
		}
		result.PurgedSideEffects, _ = res.RowsAffected()
	}
	return result, nil
}
