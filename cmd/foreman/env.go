package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/channels"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/engine"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/safety"
	"github.com/basket/go-foreman/internal/telemetry"
)

// cliEnv is what the one-shot commands share: config, a file-only logger,
// the audit log and the store. The daemon may be running; SQLite's WAL
// mode lets both processes use the database.
type cliEnv struct {
	cfg    config.Config
	logger *slog.Logger
	audit  *audit.Log
	store  *persistence.Store

	closers []io.Closer
}

func openEnv() (*cliEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	env := &cliEnv{cfg: cfg}

	logger, logCloser, err := telemetry.NewLogger(telemetry.Options{HomeDir: cfg.HomeDir, Level: cfg.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	env.logger = logger.With("component", "cli")
	env.closers = append(env.closers, logCloser)

	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	env.audit = auditLog
	env.closers = append(env.closers, auditLog)

	store, err := persistence.Open(cfg.ResolvedDBPath(), nil)
	if err != nil {
		env.close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	env.store = store
	env.closers = append(env.closers, store)
	auditLog.SetDB(store.DB())
	return env, nil
}

// close releases resources in reverse order of acquisition.
func (e *cliEnv) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		_ = e.closers[i].Close()
	}
	e.closers = nil
}

func (e *cliEnv) producer() *engine.Producer {
	return engine.NewProducer(e.store, safety.NewSanitizer(), e.cfg.Producer.DedupWindow(), e.logger, e.audit)
}

// cancellations builds the cancellation set with a fallback that reaches
// the configured channels.
func (e *cliEnv) cancellations() *engine.Cancellations {
	router, _ := buildRouter(e.cfg, nil, e.store, e.logger, false)
	return engine.NewCancellations(e.store, engine.NewFallback(e.store, router, e.logger), e.logger)
}

// buildRouter registers the outbound channels the config enables, with a
// log channel catching everything else. listen keeps the Telegram inbound
// side usable for the daemon; the CLI only sends. A Telegram connect
// failure degrades to the log channel unless listen is set.
func buildRouter(cfg config.Config, pusher channels.Pusher, store *persistence.Store, logger *slog.Logger, listen bool) (*channels.Router, *channels.TelegramChannel) {
	router := channels.NewRouter(logger)
	router.SetDefault(channels.NewLogChannel("log", logger))
	if !cfg.Telegram.Enabled || cfg.Telegram.Token == "" {
		return router, nil
	}
	tg := channels.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedChatIDs, pusher, store, logger)
	if !listen {
		if err := tg.Connect(); err != nil {
			logger.Warn("telegram unavailable, notifications go to the log", "error", err)
			return router, nil
		}
	}
	router.Register(tg)
	return router, tg
}

// withEnv opens the environment, runs fn and maps errors to exit code 1.
func withEnv(stderr io.Writer, fn func(env *cliEnv) error) int {
	env, err := openEnv()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer env.close()
	if err := fn(env); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// usageError marks bad command-line input.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}
