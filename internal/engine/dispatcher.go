package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

// Runner executes one claimed action. *Loop implements it.
type Runner interface {
	Run(ctx context.Context, action persistence.Action, owner string) RunResult
}

type DispatcherConfig struct {
	PollInterval time.Duration
	// AutonomyParallel lets the autonomy lane claim work while the user
	// lane is busy.
	AutonomyParallel bool
	// Owner identifies this process on claimed rows. Empty picks a
	// host-pid-uuid id.
	Owner string
}

func DispatcherConfigFrom(cfg config.DispatcherConfig) DispatcherConfig {
	return DispatcherConfig{PollInterval: cfg.PollInterval(), AutonomyParallel: cfg.AutonomyParallel}
}

type running struct {
	id        string
	cancel    context.CancelFunc
	abandoned chan struct{}
	once      sync.Once
}

func (r *running) abandon() {
	r.once.Do(func() {
		r.cancel()
		close(r.abandoned)
	})
}

// Dispatcher runs one polling loop per lane. Each lane holds at most one
// action at a time.
type Dispatcher struct {
	store   *persistence.Store
	runner  Runner
	cfg     DispatcherConfig
	logger  *slog.Logger
	metrics *otel.Metrics

	mu   sync.Mutex
	busy map[persistence.Lane]*running

	// zombies tracks runs abandoned by the watchdog that have not returned.
	zombies sync.WaitGroup
}

func NewDispatcher(store *persistence.Store, runner Runner, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Owner == "" {
		host, _ := os.Hostname()
		cfg.Owner = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		runner:  runner,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		metrics: otel.NoopMetrics(),
		busy:    map[persistence.Lane]*running{},
	}
}

func (d *Dispatcher) Instrument(metrics *otel.Metrics) {
	if metrics != nil {
		d.metrics = metrics
	}
}

// Owner is the id this dispatcher records on claimed actions.
func (d *Dispatcher) Owner() string { return d.cfg.Owner }

// Run polls both lanes until ctx ends, then waits for in-flight actions.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, lane := range persistence.Lanes {
		g.Go(func() error { return d.laneLoop(gctx, lane) })
	}
	err := g.Wait()
	d.zombies.Wait()
	return err
}

func (d *Dispatcher) laneLoop(ctx context.Context, lane persistence.Lane) error {
	logger := d.logger.With("lane", lane)
	logger.Info("lane started", "poll_interval", d.cfg.PollInterval)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("lane stopped")
			return nil
		case <-ticker.C:
		}
		if lane == persistence.LaneAutonomy && !d.cfg.AutonomyParallel {
			if _, userBusy := d.Busy(persistence.LaneUser); userBusy {
				continue
			}
		}
		a, err := d.store.ClaimNext(ctx, lane, d.cfg.Owner)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("claim failed", "error", err)
			}
			continue
		}
		if a == nil {
			continue
		}
		d.metrics.ActionsClaimed.Add(ctx, 1, metric.WithAttributes(attribute.String("lane", string(lane))))
		logger.Info("action claimed", "action_id", a.ID, "priority", a.Priority)
		d.execute(ctx, lane, *a)
	}
}

// execute runs a and returns when it finishes or is abandoned.
func (d *Dispatcher) execute(ctx context.Context, lane persistence.Lane, a persistence.Action) {
	runCtx, cancel := context.WithCancel(ctx)
	r := &running{id: a.ID, cancel: cancel, abandoned: make(chan struct{})}
	d.mu.Lock()
	d.busy[lane] = r
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		if d.busy[lane] == r {
			delete(d.busy, lane)
		}
		d.mu.Unlock()
	}()

	done := make(chan struct{})
	d.zombies.Add(1)
	go func() {
		defer d.zombies.Done()
		defer close(done)
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				d.logger.Error("action run panicked", "action_id", a.ID, "panic", p)
			}
		}()
		d.runner.Run(runCtx, a, d.cfg.Owner)
	}()

	select {
	case <-done:
	case <-r.abandoned:
		d.logger.Warn("lane released from abandoned action", "lane", lane, "action_id", a.ID)
	}
}

// Busy returns the action a lane is running.
func (d *Dispatcher) Busy(lane persistence.Lane) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.busy[lane]
	if !ok {
		return "", false
	}
	return r.id, true
}

// Abandon cancels the run of id and frees its lane without waiting for it.
// The run stops before its next tool call; a tool already executing is not
// preempted beyond its context.
func (d *Dispatcher) Abandon(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.busy {
		if r.id == id {
			r.abandon()
			return true
		}
	}
	return false
}
