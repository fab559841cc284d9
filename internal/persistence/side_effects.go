package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// SideEffectKey identifies one idempotent side effect of an action:
// the tool, its target and a fingerprint of the payload.
func SideEffectKey(actionID, tool, target, payload string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(payload)))
	return actionID + ":" + tool + ":" + target + ":" + hex.EncodeToString(sum[:8])
}

// SideEffectSeen reports whether key already succeeded.
func (s *Store) SideEffectSeen(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM side_effects WHERE effect_key = ?;`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("check side effect: %w", err)
	}
	return n > 0, nil
}

// RecordSideEffect marks key as succeeded. Recording twice is a no-op.
func (s *Store) RecordSideEffect(ctx context.Context, key, actionID, tool string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO side_effects (effect_key, action_id, tool, created_at)
			VALUES (?, ?, ?, ?);
		`, key, actionID, tool, s.Now())
		if err != nil {
			return fmt.Errorf("record side effect: %w", err)
		}
		return nil
	})
}
