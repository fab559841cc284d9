package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-foreman/internal/shared"
)

// Options configures the process logger.
type Options struct {
	HomeDir string
	Level   string
	// Console, when non-nil, receives a copy of every record. The CLI
	// attaches stderr only when it is a terminal.
	Console io.Writer
}

// NewLogger builds the JSON logger writing to <home>/logs/system.jsonl.
// The returned closer owns the log file.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if opts.Console != nil {
		w = io.MultiWriter(opts.Console, file)
	}
	return newLogger(w, opts.Level), file, nil
}

// NewWriterLogger builds the same JSON logger over an arbitrary writer.
func NewWriterLogger(w io.Writer, level string) *slog.Logger {
	return newLogger(w, level)
}

// Discard returns a logger that drops everything. Used by tests and by
// short-lived CLI subcommands.
func Discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newLogger(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted := shared.Redact(a.Value.String()); redacted != a.Value.String() {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	return slog.New(handler).With("component", "runtime", "trace_id", "-")
}

// ForAction returns a child logger carrying the action scope found in ctx.
func ForAction(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	if id := shared.ActionID(ctx); id != "" {
		attrs = append(attrs, "action_id", id)
	}
	if lane := shared.Lane(ctx); lane != "" {
		attrs = append(attrs, "lane", lane)
	}
	if step := shared.Step(ctx); step > 0 {
		attrs = append(attrs, "step", step)
	}
	return logger.With(attrs...)
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	if lower == "authorization" || strings.Contains(lower, "bearer") {
		return true
	}
	return shared.IsSensitiveKey(lower)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
