package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScheduleRetry records a backoff for a failed action. The action stays
// failed until RequeueDueRetries moves it back to pending.
func (s *Store) ScheduleRetry(ctx context.Context, id string, attempts, maxAttempts int, nextAt time.Time) error {
	return s.setRetry(ctx, id, attempts, maxAttempts, &nextAt)
}

// MarkRetryExhausted records that no further attempts will be made.
func (s *Store) MarkRetryExhausted(ctx context.Context, id string, attempts, maxAttempts int) error {
	return s.setRetry(ctx, id, attempts, maxAttempts, nil)
}

func (s *Store) setRetry(ctx context.Context, id string, attempts, maxAttempts int, nextAt *time.Time) error {
	var next sql.NullTime
	if nextAt != nil {
		next = sql.NullTime{Time: nextAt.UTC(), Valid: true}
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions
			SET has_retry = 1, attempts = ?, max_attempts = ?, next_retry_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, attempts, maxAttempts, next, s.Now(), id, StatusFailed)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := s.Get(ctx, id); err != nil {
				return err
			}
			return fmt.Errorf("%w: retry requires failed status", ErrIllegalTransition)
		}
		return nil
	})
}

// RequeueDueRetries moves every failed action whose backoff elapsed by now
// back to pending. It returns the requeued ids.
func (s *Store) RequeueDueRetries(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	var lanes []Lane
	err := retryOnBusy(ctx, 5, func() error {
		ids, lanes = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM actions
			WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
			ORDER BY next_retry_at ASC;
		`, StatusFailed, now.UTC())
		if err != nil {
			return fmt.Errorf("select due retries: %w", err)
		}
		var due []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan due retry: %w", err)
			}
			due = append(due, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range due {
			lane, _, err := s.transitionTx(ctx, tx, id, "", StatusPending, "action.retry", "retry backoff elapsed")
			if err != nil {
				if errors.Is(err, ErrIllegalTransition) {
					continue
				}
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE actions SET next_retry_at = NULL WHERE id = ?;`, id); err != nil {
				return fmt.Errorf("clear next_retry_at: %w", err)
			}
			ids = append(ids, id)
			lanes = append(lanes, lane)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	for i, id := range ids {
		s.publishStatus(id, lanes[i], StatusFailed, StatusPending, "retry backoff elapsed")
	}
	return ids, nil
}
