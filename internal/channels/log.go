package channels

import (
	"context"
	"log/slog"
	"sync"
)

// LogChannel writes messages to the log instead of a platform. It backs
// origins without a transport, such as CLI pushes and heartbeat actions.
type LogChannel struct {
	name   string
	logger *slog.Logger

	mu   sync.Mutex
	sent []string
}

func NewLogChannel(name string, logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{name: name, logger: logger.With("component", "channels", "channel", name)}
}

func (l *LogChannel) Name() string { return l.name }

func (l *LogChannel) Send(_ context.Context, target, text string) error {
	l.mu.Lock()
	l.sent = append(l.sent, text)
	l.mu.Unlock()
	l.logger.Info("outgoing message", "target", target, "text", text)
	return nil
}

// Sent returns the texts sent so far.
func (l *LogChannel) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}
