package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Schedule is a persisted heartbeat: a cron expression that periodically
// pushes an action onto the autonomy lane.
type Schedule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	CronExpr    string         `json:"cron_expr"`
	Description string         `json:"description"`
	Priority    int            `json:"priority"`
	Payload     map[string]any `json:"payload,omitempty"`
	Enabled     bool           `json:"enabled"`
	NextRunAt   *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt   *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

const scheduleColumns = `id, name, cron_expr, description, priority, payload, enabled, next_run_at, last_run_at, created_at, updated_at`

func scanSchedule(scanFn func(dest ...any) error, sc *Schedule) error {
	var enabled int
	var payload string
	var nextRun, lastRun sql.NullTime
	if err := scanFn(&sc.ID, &sc.Name, &sc.CronExpr, &sc.Description, &sc.Priority, &payload, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return err
	}
	sc.Enabled = enabled != 0
	sc.Payload = map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &sc.Payload); err != nil {
			return fmt.Errorf("decode schedule payload: %w", err)
		}
	}
	if nextRun.Valid {
		t := nextRun.Time
		sc.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sc.LastRunAt = &t
	}
	return nil
}

// InsertSchedule creates a schedule and returns its id.
func (s *Store) InsertSchedule(ctx context.Context, sched Schedule) (string, error) {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	payload, err := encodePayload(sched.Payload)
	if err != nil {
		return "", err
	}
	var next sql.NullTime
	if sched.NextRunAt != nil {
		next = sql.NullTime{Time: sched.NextRunAt.UTC(), Valid: true}
	}
	now := s.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, cron_expr, description, priority, payload, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, sched.ID, sched.Name, sched.CronExpr, sched.Description, sched.Priority, payload, boolToInt(sched.Enabled), next, now, now)
	if err != nil {
		return "", fmt.Errorf("insert schedule: %w", err)
	}
	return sched.ID, nil
}

// DeleteSchedule removes a schedule by id or name.
func (s *Store) DeleteSchedule(ctx context.Context, idOrName string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ? OR name = ?;`, idOrName, idOrName)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, idOrName)
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		if err := scanSchedule(rows.Scan, &sc); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a fire and the next fire time.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
		`, lastRun.UTC(), nextRun.UTC(), s.Now(), id)
		if err != nil {
			return fmt.Errorf("update schedule run: %w", err)
		}
		return nil
	})
}

// EnableSchedule sets a schedule's enabled flag.
func (s *Store) EnableSchedule(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET enabled = ?, updated_at = ? WHERE id = ?;
	`, boolToInt(enabled), s.Now(), id)
	if err != nil {
		return fmt.Errorf("enable schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	return nil
}
