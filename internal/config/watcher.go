package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the freshly loaded configuration after config.yaml
// changes on disk.
type ReloadFunc func(Config)

// Watcher reloads config.yaml on change and hands the result to a callback.
// Parse failures are logged and the previous configuration stays in force.
type Watcher struct {
	homeDir  string
	logger   *slog.Logger
	onReload ReloadFunc
	reloaded chan Config
}

func NewWatcher(homeDir string, logger *slog.Logger, onReload ReloadFunc) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir:  homeDir,
		logger:   logger.With("component", "config"),
		onReload: onReload,
		reloaded: make(chan Config, 4),
	}
}

// Reloaded yields every successfully reloaded configuration. Delivery is
// best effort.
func (w *Watcher) Reloaded() <-chan Config {
	return w.reloaded
}

// Start watches the home directory and returns once the watch is armed.
// The watch ends when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watching the directory survives editors that replace the file.
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.reloaded)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.reload(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload(ev fsnotify.Event) {
	cfg, err := LoadFrom(w.homeDir)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", ev.Name, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", ev.Name, "op", ev.Op.String(), "fingerprint", cfg.Fingerprint())
	if w.onReload != nil {
		w.onReload(cfg)
	}
	select {
	case w.reloaded <- cfg:
	default:
	}
}
