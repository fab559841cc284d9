package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/go-foreman/internal/persistence"
)

// Sweeper moves failed actions whose backoff elapsed back to pending.
type Sweeper struct {
	store    *persistence.Store
	interval time.Duration
	logger   *slog.Logger
}

func NewSweeper(store *persistence.Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, interval: interval, logger: logger.With("component", "retry")}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns the requeued ids.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	ids, err := s.store.RequeueDueRetries(ctx, s.store.Now())
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.logger.Info("retry requeued", "action_id", id)
	}
	return ids, nil
}
