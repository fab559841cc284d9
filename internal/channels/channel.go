package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoChannel is returned when a send names a channel nobody registered.
var ErrNoChannel = errors.New("no such channel")

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Outbound delivers text to a target on one platform.
type Outbound interface {
	Name() string
	Send(ctx context.Context, target, text string) error
}

// Router dispatches outgoing messages to the Outbound registered for the
// action's origin channel. It serves as the send_message tool's Sender and
// as the failure fallback's Notifier.
type Router struct {
	mu       sync.RWMutex
	outbound map[string]Outbound
	fallback Outbound
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{outbound: map[string]Outbound{}, logger: logger.With("component", "channels")}
}

// Register adds o under its name, replacing an earlier one.
func (r *Router) Register(o Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound[o.Name()] = o
}

// SetDefault routes sends for unregistered or empty channels to o.
func (r *Router) SetDefault(o Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = o
}

// Names lists the registered channels.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.outbound))
	for n := range r.outbound {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Router) Send(ctx context.Context, channel, target, text string) error {
	r.mu.RLock()
	o, ok := r.outbound[channel]
	if !ok {
		o = r.fallback
	}
	r.mu.RUnlock()
	if o == nil {
		return fmt.Errorf("%w: %q", ErrNoChannel, channel)
	}
	if err := o.Send(ctx, target, text); err != nil {
		return fmt.Errorf("send via %s: %w", o.Name(), err)
	}
	r.logger.Debug("message sent", "channel", o.Name(), "target", target, "chars", len(text))
	return nil
}

// Notify sends a fallback notice. It shares the Send path.
func (r *Router) Notify(ctx context.Context, channel, target, text string) error {
	return r.Send(ctx, channel, target, text)
}
