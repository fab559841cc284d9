package oracle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Result is the typed outcome of a retried oracle call.
type Result[T any] struct {
	Value    T
	Err      error
	Attempts int
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Retrier bounds a retried call.
type Retrier struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	// Notify is called before each wait.
	Notify func(err error, wait time.Duration)
}

func (r Retrier) withDefaults() Retrier {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.Base <= 0 {
		r.Base = 500 * time.Millisecond
	}
	if r.Max <= 0 {
		r.Max = 10 * time.Second
	}
	return r
}

// Call runs fn until it succeeds, fails permanently, or the attempts run
// out. Context cancellation ends it early.
func Call[T any](ctx context.Context, r Retrier, fn func(context.Context) (T, error)) Result[T] {
	r = r.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Base
	b.MaxInterval = r.Max
	b.Multiplier = 2

	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn(ctx)
		if err != nil && (ClassifyError(err).Permanent() || ctx.Err() != nil) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.MaxAttempts)),
	}
	if r.Notify != nil {
		opts = append(opts, backoff.WithNotify(r.Notify))
	}
	v, err := backoff.Retry(ctx, op, opts...)
	return Result[T]{Value: v, Err: err, Attempts: attempts}
}
