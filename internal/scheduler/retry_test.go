package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var attempts atomic.Int32
	flaky := &funcExec{fn: func(context.Context) (Result, error) {
		if attempts.Add(1) < 3 {
			return Result{}, errors.New("transient")
		}
		return Result{Success: true}, nil
	}}

	if err := s.Schedule("flaky", flaky, Options{MaxRetries: 3}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, "flaky", StateCompleted)

	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	info, _ := s.TaskInfo("flaky")
	if info.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", info.RetryCount)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var attempts atomic.Int32
	failing := &funcExec{fn: func(context.Context) (Result, error) {
		attempts.Add(1)
		return Result{}, errors.New("permanent")
	}}

	if err := s.Schedule("doomed", failing, Options{MaxRetries: 2}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, "doomed", StateFailed)

	// 1 initial + 2 retries.
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	info, _ := s.TaskInfo("doomed")
	if !strings.Contains(info.Error, "permanent") {
		t.Fatalf("error = %q, want wrapped cause", info.Error)
	}
}

func TestUnsuccessfulResultIsRetried(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var attempts atomic.Int32
	softFail := &funcExec{fn: func(context.Context) (Result, error) {
		if attempts.Add(1) == 1 {
			// no error, but not a success either
			return Result{Success: false, Message: "not ready"}, nil
		}
		return Result{Success: true}, nil
	}}

	if err := s.Schedule("soft", softFail, Options{MaxRetries: 1}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, "soft", StateCompleted)
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}
}

func TestRetryDelayLinear(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryDelay = time.Second
	s := New(cfg, nopLogger(), nil)

	for i, want := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		if got := s.retryDelayLocked(i + 1); got != want {
			t.Fatalf("retryDelayLocked(%d) = %v, want %v", i+1, got, want)
		}
	}
}

func TestRetryDelayExponentialBounds(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.RetryDelay = time.Second
	cfg.Backoff = BackoffExponential
	cfg.RetryJitter = 0.2
	s := New(cfg, nopLogger(), nil)

	// Doubling with +-20% jitter, capped at 10x the unit.
	cases := []struct {
		retry    int
		min, max time.Duration
	}{
		{1, 800 * time.Millisecond, 1200 * time.Millisecond},
		{2, 1600 * time.Millisecond, 2400 * time.Millisecond},
		{3, 3200 * time.Millisecond, 4800 * time.Millisecond},
		{10, 8 * time.Second, 10 * time.Second},
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			got := s.retryDelayLocked(tc.retry)
			if got < tc.min || got > tc.max {
				t.Fatalf("retryDelayLocked(%d) = %v, want in [%v, %v]", tc.retry, got, tc.min, tc.max)
			}
		}
	}
}

func TestPanicInExecutorIsFailure(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	panicky := &funcExec{fn: func(context.Context) (Result, error) {
		panic("kaboom")
	}}
	if err := s.Schedule("p1", panicky, Options{MaxRetries: -1}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, "p1", StateFailed)
	info, _ := s.TaskInfo("p1")
	if !strings.Contains(info.Error, "panic") {
		t.Fatalf("error = %q, want panic cause", info.Error)
	}
}
