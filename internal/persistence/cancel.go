package persistence

import (
	"context"
	"fmt"
)

// RequestCancel flags a live action for cooperative cancellation. It
// returns false when the action is already settled.
func (s *Store) RequestCancel(ctx context.Context, id string) (bool, error) {
	var flagged bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions SET cancel_requested = 1, updated_at = ?
			WHERE id = ? AND status IN (?, ?, ?);
		`, s.Now(), id, StatusPending, StatusInProgress, StatusWaiting)
		if err != nil {
			return fmt.Errorf("request cancel: %w", err)
		}
		n, _ := res.RowsAffected()
		flagged = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if !flagged {
		if _, err := s.Get(ctx, id); err != nil {
			return false, err
		}
	}
	return flagged, nil
}

// CancelRequested reports the persisted cancellation flag.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM actions WHERE id = ?;`, id).Scan(&v); err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return v != 0, nil
}

// ClearCancel resets the cancellation flag once the cancel has been honoured.
func (s *Store) ClearCancel(ctx context.Context, id string) error {
	return retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `UPDATE actions SET cancel_requested = 0 WHERE id = ?;`, id); err != nil {
			return fmt.Errorf("clear cancel flag: %w", err)
		}
		return nil
	})
}

// FailPending settles every pending action as failed, passing through
// in-progress so the lifecycle graph is respected. It returns the ids.
func (s *Store) FailPending(ctx context.Context, reason string) ([]string, error) {
	var ids []string
	var lanes []Lane
	err := retryOnBusy(ctx, 5, func() error {
		ids, lanes = nil, nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT id FROM actions WHERE status = ? ORDER BY seq ASC;`, StatusPending)
		if err != nil {
			return fmt.Errorf("select pending: %w", err)
		}
		var pending []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan pending: %w", err)
			}
			pending = append(pending, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range pending {
			if _, _, err := s.transitionTx(ctx, tx, id, "", StatusInProgress, "action.cleared", reason); err != nil {
				return err
			}
			lane, _, err := s.transitionTx(ctx, tx, id, "", StatusFailed, "action.cleared", reason)
			if err != nil {
				return err
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
		s.publishStatus(id, lanes[i], StatusPending, StatusFailed, reason)
	}
	return ids, nil
}
