package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"tagcal/internal/ble"
	"tagcal/internal/codec"
)

func noSleep(history *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*history = append(*history, d)
		return nil
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	var sleeps []time.Duration
	outcome := Run(context.Background(), Options{MaxAttempts: 3, BackoffBase: time.Second, Sleep: noSleep(&sleeps)},
		func(context.Context, int) error { return nil })

	if outcome.Err != nil {
		t.Fatalf("Err = %v, want nil", outcome.Err)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", outcome.Attempts)
	}
	if len(sleeps) != 0 {
		t.Errorf("slept %v before a first-attempt success", sleeps)
	}
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	var sleeps []time.Duration
	calls := 0
	outcome := Run(context.Background(),
		Options{MaxAttempts: 5, BackoffBase: 2 * time.Second, BackoffMax: 30 * time.Second, Sleep: noSleep(&sleeps)},
		func(_ context.Context, n int) error {
			calls++
			if n < 3 {
				return fmt.Errorf("attempt %d: %w", n, ble.ErrConnectFailed)
			}
			return nil
		})

	if outcome.Err != nil {
		t.Fatalf("Err = %v, want nil", outcome.Err)
	}
	if outcome.Attempts != 3 || calls != 3 {
		t.Errorf("Attempts = %d, calls = %d, want 3", outcome.Attempts, calls)
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep %d = %v, want %v", i, sleeps[i], want[i])
		}
	}
}

func TestRunStopsOnTerminal(t *testing.T) {
	calls := 0
	outcome := Run(context.Background(), Options{MaxAttempts: 5, BackoffBase: time.Second, Sleep: noSleep(new([]time.Duration))},
		func(context.Context, int) error {
			calls++
			return fmt.Errorf("handshake: %w", ble.ErrRejected)
		})

	if calls != 1 {
		t.Fatalf("terminal fault was retried, calls = %d", calls)
	}
	if !outcome.Terminal {
		t.Error("Terminal = false, want true")
	}
	if !errors.Is(outcome.Err, ble.ErrRejected) {
		t.Errorf("Err = %v, want ErrRejected", outcome.Err)
	}
}

func TestRunExhaustsAttempts(t *testing.T) {
	calls := 0
	outcome := Run(context.Background(), Options{MaxAttempts: 3, BackoffBase: time.Second, Sleep: noSleep(new([]time.Duration))},
		func(context.Context, int) error {
			calls++
			return ble.ErrTimeout
		})

	if calls != 3 || outcome.Attempts != 3 {
		t.Errorf("calls = %d, Attempts = %d, want 3", calls, outcome.Attempts)
	}
	if !errors.Is(outcome.Err, ble.ErrTimeout) {
		t.Errorf("Err = %v, want ErrTimeout", outcome.Err)
	}
	if outcome.Terminal {
		t.Error("Terminal = true for an exhausted transient fault")
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	outcome := Run(ctx, Options{MaxAttempts: 10, BackoffBase: time.Second, Sleep: noSleep(new([]time.Duration))},
		func(context.Context, int) error {
			calls++
			cancel()
			return ble.ErrDisconnected
		})

	if calls != 1 {
		t.Errorf("calls = %d, want 1 after cancellation", calls)
	}
	if !errors.Is(outcome.Err, ble.ErrDisconnected) {
		t.Errorf("Err = %v", outcome.Err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base, max := 2*time.Second, 30*time.Second
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{7, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Backoff(base, max, tc.attempt); got != tc.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ble.ErrConnectFailed, true},
		{ble.ErrTimeout, true},
		{ble.ErrDisconnected, true},
		{ble.ErrNotFound, true},
		{ble.ErrProtocolMismatch, false},
		{ble.ErrRejected, false},
		{ble.ErrAmbiguousMatch, false},
		{codec.ErrUnsupportedGeometry, false},
		{codec.ErrInvalidConfig, false},
		{errors.New("something new"), false},
		{fmt.Errorf("wrapped: %w", ble.ErrTimeout), true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
