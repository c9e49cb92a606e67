package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Polling bounds used across the workflow unless a caller overrides them.
const (
	DefaultMaxAttempts = 30
	DefaultInterval    = time.Second
)

// Condition reports whether the awaited state has been reached. A nil return
// stops the poll. Conditions are invoked repeatedly and must be idempotent
// or read-only.
type Condition func(ctx context.Context) error

// TimeoutError is returned when a condition never succeeded within the
// attempt budget. It is distinct from the condition's own failures, which it
// wraps as LastErr.
type TimeoutError struct {
	What     string
	Attempts int
	Interval time.Duration
	LastErr  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: not ready after %d attempts every %s: %v", e.What, e.Attempts, e.Interval, e.LastErr)
}

func (e *TimeoutError) Unwrap() error { return e.LastErr }

// Poller runs a Condition up to MaxAttempts times, sleeping Interval between
// failed attempts and short-circuiting on the first success.
type Poller struct {
	maxAttempts int
	interval    time.Duration
	log         *slog.Logger
}

// New returns a Poller with the given bounds. Attempt counts below one are
// clamped to one.
func New(maxAttempts int, interval time.Duration, log *slog.Logger) *Poller {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Poller{maxAttempts: maxAttempts, interval: interval, log: log}
}

// Default returns a Poller with the workflow-wide bounds of 30 attempts at a
// one second interval.
func Default(log *slog.Logger) *Poller {
	return New(DefaultMaxAttempts, DefaultInterval, log)
}

// WaitUntil polls cond until it succeeds, the attempt budget is exhausted, or
// ctx is done. Exhaustion yields a *TimeoutError wrapping the condition's
// last failure; context cancellation yields the context's error unchanged.
func (p *Poller) WaitUntil(ctx context.Context, what string, cond Condition) error {
	attempts := 0
	op := func() error {
		attempts++
		err := cond(ctx)
		if err != nil {
			p.log.Debug("condition not met yet",
				"what", what, "attempt", attempts, "max", p.maxAttempts, "err", err)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.interval), uint64(p.maxAttempts-1)),
		ctx,
	)
	err := backoff.Retry(op, bo)
	if err == nil {
		p.log.Debug("condition met", "what", what, "attempts", attempts)
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TimeoutError{What: what, Attempts: attempts, Interval: p.interval, LastErr: err}
}
