package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/completion"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/cron"
	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/guard"
	"github.com/basket/go-foreman/internal/oracle"
	"github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/recovery"
	"github.com/basket/go-foreman/internal/retry"
	"github.com/basket/go-foreman/internal/review"
	"github.com/basket/go-foreman/internal/safety"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/basket/go-foreman/internal/tools"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

// runDaemon starts the orchestrator and blocks until ctx is cancelled.
func runDaemon(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "run: unexpected argument %q\n", fs.Arg(0))
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsInit {
		if _, err := config.WriteDefault(cfg.HomeDir); err != nil {
			fatalStartup(nil, "E_CONFIG_WRITE", err)
		}
	}

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	var console io.Writer
	if isatty.IsTerminal(os.Stderr.Fd()) {
		console = os.Stderr
	}
	logger, logCloser, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: cfg.LogLevel, Console: console})
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("foreman starting", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir, "config_fingerprint", cfg.Fingerprint())

	lock, err := recovery.AcquireLock(cfg.LockPath())
	if err != nil {
		if errors.Is(err, recovery.ErrLockHeld) {
			fatalStartup(logger, "E_LOCK_HELD", err)
		}
		fatalStartup(logger, "E_LOCK_ACQUIRE", err)
	}
	defer lock.Release()
	logger.Info("instance lock acquired", "phase", "lock_acquired", "path", lock.Path())

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()
	store, err := persistence.Open(cfg.ResolvedDBPath(), eventBus)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	auditLog.SetDB(store.DB())
	logger.Info("store opened", "phase", "schema_migrated", "path", cfg.ResolvedDBPath())

	brain, err := buildOracle(ctx, cfg.Oracle, logger)
	if err != nil {
		fatalStartup(logger, "E_ORACLE_INIT", err)
	}
	if g, ok := brain.(*oracle.GenkitOracle); ok {
		g.Instrument(provider.Tracer, metrics)
	}

	producer := engine.NewProducer(store, safety.NewSanitizer(), cfg.Producer.DedupWindow(), logger, auditLog)
	router, telegram := buildRouter(cfg, producer, store, logger, true)
	fallback := engine.NewFallback(store, router, logger)
	cancels := engine.NewCancellations(store, fallback, logger)
	if telegram != nil {
		telegram.WithCanceller(cancels)
	}

	registry := tools.NewRegistry(logger)
	tools.RegisterBuiltins(registry, router, logger)
	registry.Instrument(provider.Tracer, metrics)

	loopCfg := engine.LoopConfigFrom(cfg)
	auditor := completion.NewAuditor(store, completion.ConfigFrom(cfg, loopCfg.Classes), logger, auditLog, eventBus)
	gate := review.NewGate(brain, logger, auditLog, eventBus)
	gate.Instrument(provider.Tracer)
	retryHandler := retry.NewHandler(store, retry.PolicyFrom(cfg.Retry), logger)

	loop := engine.NewLoop(engine.LoopDeps{
		Store:    store,
		Oracle:   brain,
		Executor: registry,
		Tools:    registry.Specs(),
		Auditor:  auditor,
		Gate:     gate,
		Retry:    retryHandler,
		Fallback: fallback,
		Cancels:  cancels,
		Audit:    auditLog,
		Bus:      eventBus,
		Logger:   logger,
	}, loopCfg)
	loop.Instrument(provider.Tracer, metrics)

	dispatcher := engine.NewDispatcher(store, loop, engine.DispatcherConfigFrom(cfg.Dispatcher), logger)
	dispatcher.Instrument(metrics)

	monitor := recovery.NewMonitor(store, dispatcher.Owner(), recovery.ConfigFrom(cfg.Recovery), dispatcher, retryHandler, fallback, logger)
	sweeper := retry.NewSweeper(store, cfg.Retry.SweepInterval(), logger)

	schedCfg := cron.ConfigFrom(cfg.Heartbeat)
	schedCfg.Store, schedCfg.Pusher, schedCfg.Bus, schedCfg.Logger = store, producer, eventBus, logger
	scheduler := cron.NewScheduler(schedCfg)

	// Actions orphaned by a previous process are settled before new work
	// is claimed.
	res, err := monitor.Sweep(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	requeued, err := sweeper.Sweep(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("recovery scan completed", "phase", "recovery_scan_completed",
		"stale", len(res.Stale), "resumed", len(res.Resumed), "requeued", len(requeued))

	watcher := config.NewWatcher(cfg.HomeDir, logger, func(next config.Config) {
		loop.SetGuard(guard.ConfigFrom(next.Guard), engine.ClassesFrom(next.Guard))
	})
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		runRetention(gctx, store, cfg.Retention, logger)
		return nil
	})
	g.Go(func() error {
		logBusEvents(gctx, eventBus, logger)
		return nil
	})
	if telegram != nil {
		g.Go(func() error { return telegram.Start(gctx) })
	}
	scheduler.Start(gctx)

	logger.Info("foreman ready",
		"phase", "scheduler_started",
		"owner", dispatcher.Owner(),
		"channels", router.Names(),
		"lock", lock.Path(),
		"autonomy_parallel", cfg.Dispatcher.AutonomyParallel,
	)

	err = g.Wait()
	scheduler.Stop()
	if err != nil && ctx.Err() == nil {
		logger.Error("runtime stopped", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// buildOracle picks the configured model backend. A missing API key falls
// back to the offline oracle, which tells requesters no model is configured.
func buildOracle(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (oracle.Oracle, error) {
	if cfg.Provider == "offline" {
		logger.Warn("oracle disabled by config")
		return oracle.Offline{}, nil
	}
	g, err := oracle.NewGenkit(ctx, cfg, logger)
	if errors.Is(err, oracle.ErrNoAPIKey) {
		logger.Warn("no oracle API key configured; running offline")
		return oracle.Offline{}, nil
	}
	if err != nil {
		return nil, err
	}
	return g, nil
}

// runRetention purges settled history on the configured interval.
func runRetention(ctx context.Context, store *persistence.Store, cfg config.RetentionConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := store.RunRetention(ctx, cfg.EventDays, cfg.AuditDays, cfg.TraceDays)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("retention job failed", "error", err)
			}
			continue
		}
		if res.PurgedEvents+res.PurgedAuditLogs+res.PurgedTraces+res.PurgedSideEffects > 0 {
			logger.Info("retention job completed",
				"purged_events", res.PurgedEvents,
				"purged_audit_logs", res.PurgedAuditLogs,
				"purged_traces", res.PurgedTraces,
				"purged_side_effects", res.PurgedSideEffects,
			)
		}
	}
}

// logBusEvents mirrors every bus event to the debug log.
func logBusEvents(ctx context.Context, eventBus *bus.Bus, logger *slog.Logger) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			logger.Debug("bus event", "topic", ev.Topic, "payload", ev.Payload)
		}
	}
}
