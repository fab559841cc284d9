// Package cron fires persisted heartbeat schedules by pushing actions onto
// the autonomy lane.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/persistence"
)

// OriginHeartbeat is the payload channel of scheduled actions.
const OriginHeartbeat = "heartbeat"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Pusher enqueues actions. *engine.Producer implements it.
type Pusher interface {
	Push(ctx context.Context, req engine.Request) (engine.PushResult, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store  *persistence.Store
	Pusher Pusher
	Bus    *bus.Bus
	Logger *slog.Logger
	// Interval is the base tick; it defaults to 15s.
	Interval time.Duration
	// MaxIdle caps how far idle ticks stretch the interval. Zero disables
	// the backoff.
	MaxIdle time.Duration
}

// ConfigFrom fills the timing fields from the heartbeat config section.
func ConfigFrom(cfg config.HeartbeatConfig) Config {
	return Config{
		Interval: time.Duration(cfg.TickSeconds) * time.Second,
		MaxIdle:  time.Duration(cfg.MaxIdleSeconds) * time.Second,
	}
}

// TickState is the scheduler's idle/backoff bookkeeping. Only the
// scheduler goroutine writes it.
type TickState struct {
	Interval  time.Duration
	IdleTicks int
	Fired     int
	LastTick  time.Time
}

// Next returns the state after a tick that fired n schedules. Idle ticks
// double the interval up to maxIdle; a fire resets it to base.
func (st TickState) Next(n int, base, maxIdle time.Duration, now time.Time) TickState {
	st.LastTick = now
	st.Fired += n
	if n > 0 || maxIdle <= base {
		st.IdleTicks = 0
		st.Interval = base
		return st
	}
	st.IdleTicks++
	st.Interval = min(st.Interval*2, maxIdle)
	return st
}

// Scheduler periodically queries the store for due schedules and pushes
// an action for each one.
type Scheduler struct {
	store    *persistence.Store
	pusher   Pusher
	bus      *bus.Bus
	logger   *slog.Logger
	interval time.Duration
	maxIdle  time.Duration

	mu    sync.Mutex
	state TickState

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		pusher:   cfg.Pusher,
		bus:      cfg.Bus,
		logger:   logger.With("component", "cron"),
		interval: interval,
		maxIdle:  cfg.MaxIdle,
		state:    TickState{Interval: interval},
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "max_idle", s.maxIdle)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// State returns a copy of the tick state.
func (s *Scheduler) State() TickState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	// Fire immediately on startup, then after each interval.
	wait := s.advance(ctx)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			timer.Reset(s.advance(ctx))
		}
	}
}

func (s *Scheduler) advance(ctx context.Context) time.Duration {
	n := s.Tick(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.state.Next(n, s.interval, s.maxIdle, s.store.Now())
	return s.state.Interval
}

// Tick fires every due schedule once and returns how many fired.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.store.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to query due schedules", "error", err)
		}
		return 0
	}
	fired := 0
	for _, sched := range due {
		if s.fire(ctx, sched, now) {
			fired++
		}
	}
	return fired
}

// fire pushes an action for sched and advances its next run. Missed runs
// collapse into this one.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) bool {
	logger := s.logger.With("schedule_id", sched.ID, "schedule_name", sched.Name)

	payload := make(map[string]any, len(sched.Payload)+3)
	for k, v := range sched.Payload {
		payload[k] = v
	}
	payload[persistence.PayloadChannel] = OriginHeartbeat
	payload[persistence.PayloadSession] = sched.ID
	payload[persistence.PayloadScheduleID] = sched.ID

	res, err := s.pusher.Push(ctx, engine.Request{
		Description: sched.Description,
		Priority:    sched.Priority,
		Lane:        persistence.LaneAutonomy,
		Payload:     payload,
	})
	pushed := err == nil
	if err != nil {
		logger.Error("failed to push scheduled action", "error", err)
		// Rejected text will be rejected again; skip this run instead of
		// retrying every tick.
		if !errors.Is(err, engine.ErrRejectedInput) {
			return false
		}
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		logger.Error("bad cron expression, disabling schedule", "cron_expr", sched.CronExpr, "error", err)
		if err := s.store.EnableSchedule(ctx, sched.ID, false); err != nil {
			logger.Error("failed to disable schedule", "error", err)
		}
		return pushed
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		logger.Error("failed to update schedule run", "error", err)
		return pushed
	}
	if !pushed {
		return false
	}

	s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{ScheduleID: sched.ID, Name: sched.Name, ActionID: res.ActionID})
	logger.Info("schedule fired", "action_id", res.ActionID, "deduped", res.Deduped, "next_run_at", nextRun)
	return true
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Add validates sched, sets its first run after the store's clock, and
// inserts it enabled.
func Add(ctx context.Context, store *persistence.Store, sched persistence.Schedule) (persistence.Schedule, error) {
	sched.Name = strings.TrimSpace(sched.Name)
	sched.Description = strings.TrimSpace(sched.Description)
	if sched.Name == "" || sched.Description == "" {
		return sched, errors.New("schedule needs a name and a description")
	}
	next, err := NextRunTime(sched.CronExpr, store.Now())
	if err != nil {
		return sched, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
	}
	sched.NextRunAt = &next
	sched.Enabled = true
	id, err := store.InsertSchedule(ctx, sched)
	if err != nil {
		return sched, err
	}
	sched.ID = id
	return sched, nil
}
