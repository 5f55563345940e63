package scheduler

import (
	"math/rand"
	"time"
)

// routeFailureLocked decides what happens to a failed attempt: requeue with
// backoff while the retry budget lasts, terminal FAILED otherwise.
// Dependency and deadlock causes always finalize (retrying cannot change an
// unsatisfiable dependency graph).
//
// Caller holds s.mu. Returns the event to publish after unlocking.
func (s *Service) routeFailureLocked(t *task, cause error, now time.Time) (string, TaskEvent) {
	if retryable(cause) && t.retryCount < t.maxRetries {
		t.retryCount++
		delay := s.retryDelayLocked(t.retryCount)
		t.scheduledAt = now.Add(delay)
		t.lastQueuedAt = now
		t.err = cause
		s.pushQueueLocked(t)

		ev := taskEvent(t)
		ev.Delay = delay
		return EventTaskRetry, ev
	}

	s.finalizeLocked(t, StateFailed, cause, now)
	return EventTaskFailed, taskEvent(t)
}

// retryDelayLocked computes the backoff before attempt retryCount+1.
//
// Linear (default): retryCount * RetryDelay, so 1s, 2s, 3s, ...
// Exponential: RetryDelay doubled per retry with jitter, capped at 10 units.
func (s *Service) retryDelayLocked(retryCount int) time.Duration {
	cfg := s.cfg
	if retryCount < 1 {
		retryCount = 1
	}

	if cfg.Backoff == BackoffExponential {
		d := cfg.RetryDelay
		maxD := 10 * cfg.RetryDelay
		for i := 1; i < retryCount; i++ {
			d *= 2
			if d >= maxD {
				d = maxD
				break
			}
		}
		if j := cfg.RetryJitter; j > 0 {
			r := (rand.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}

	return time.Duration(retryCount) * cfg.RetryDelay
}
