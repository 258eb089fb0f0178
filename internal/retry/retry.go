// Package retry supervises transfer attempts, separating transient
// radio faults worth retrying from terminal protocol faults that will
// fail the same way every time.
package retry

import (
	"context"
	"errors"
	"time"

	"tagcal/internal/ble"
	"tagcal/internal/codec"
	appLog "tagcal/internal/log"
)

// retryable faults: the environment may change between attempts.
var retryableErrors = []error{
	ble.ErrConnectFailed,
	ble.ErrTimeout,
	ble.ErrDisconnected,
	ble.ErrNotFound,
}

// terminal faults: retrying cannot help, the device or config is wrong.
var terminalErrors = []error{
	ble.ErrProtocolMismatch,
	ble.ErrRejected,
	ble.ErrAmbiguousMatch,
	codec.ErrUnsupportedGeometry,
	codec.ErrInvalidConfig,
}

// Retryable reports whether err is a transient fault. Unclassified
// errors are treated as terminal so a new failure mode surfaces
// immediately instead of burning attempts.
func Retryable(err error) bool {
	for _, terminal := range terminalErrors {
		if errors.Is(err, terminal) {
			return false
		}
	}
	for _, transient := range retryableErrors {
		if errors.Is(err, transient) {
			return true
		}
	}
	return false
}

// Options configures a supervised run.
type Options struct {
	// MaxAttempts bounds the total attempts, including the first.
	MaxAttempts int
	// BackoffBase is the delay before the second attempt; each further
	// retry doubles it.
	BackoffBase time.Duration
	// BackoffMax caps the doubled delay.
	BackoffMax time.Duration
	// Sleep waits between attempts. Tests inject a fake; nil means
	// a context-aware real sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Outcome reports how a supervised run ended.
type Outcome struct {
	// Attempts is the number of attempts actually made.
	Attempts int
	// Err is nil on success, otherwise the last attempt's error.
	Err error
	// Terminal is true when the run stopped on a non-retryable fault
	// before exhausting MaxAttempts.
	Terminal bool
}

// Run invokes attempt until it succeeds, fails terminally, exhausts
// MaxAttempts, or ctx is cancelled. Each call gets the attempt number
// starting at 1. The backoff before attempt k is
// BackoffBase doubled k-2 times, capped at BackoffMax.
func Run(ctx context.Context, opts Options, attempt func(ctx context.Context, n int) error) Outcome {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for n := 1; n <= opts.MaxAttempts; n++ {
		if n > 1 {
			delay := Backoff(opts.BackoffBase, opts.BackoffMax, n)
			appLog.Warn("attempt failed, backing off",
				"attempt", n-1,
				"maxAttempts", opts.MaxAttempts,
				"backoff", delay,
				"error", lastErr,
			)
			if err := sleep(ctx, delay); err != nil {
				return Outcome{Attempts: n - 1, Err: lastErr}
			}
		}

		err := attempt(ctx, n)
		if err == nil {
			return Outcome{Attempts: n}
		}
		lastErr = err

		if ctx.Err() != nil {
			return Outcome{Attempts: n, Err: err}
		}
		if !Retryable(err) {
			appLog.Error("terminal fault, not retrying", err, "attempt", n)
			return Outcome{Attempts: n, Err: err, Terminal: true}
		}
	}
	return Outcome{Attempts: opts.MaxAttempts, Err: lastErr}
}

// Backoff returns the delay before attempt n (n >= 2).
func Backoff(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 2; i < n; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
