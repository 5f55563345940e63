package scheduler

import (
	"context"
	"time"

	logx "grindbot/pkg/logx"
)

// agingLoop promotes long-waiting queued tasks on a fixed cadence.
//
// This is the starvation guard: under a bounded arrival rate every queued
// task eventually reaches critical priority and is dispatched once a slot
// frees, no matter how many equal-or-higher-priority tasks keep arriving.
func (s *Service) agingLoop(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
		if boosted := s.boostAged(time.Now()); boosted > 0 {
			s.kickDispatch()
		}

		s.mu.Lock()
		cur := s.cfg.PriorityBoostInterval
		s.mu.Unlock()
		if cur != interval {
			interval = cur
			ticker.Reset(interval)
		}
	}
}

// boostAged raises the priority of every queued task that has waited longer
// than the boost interval since it was last queued or last boosted: exactly
// one level per elapsed interval, capped at critical, never lowered. Returns
// the number of promoted tasks.
func (s *Service) boostAged(now time.Time) int {
	s.mu.Lock()
	interval := s.cfg.PriorityBoostInterval
	boosted := 0
	for _, t := range s.queue {
		if t.priority >= PriorityCritical {
			continue
		}
		ref := t.lastQueuedAt
		if t.lastBoostAt.After(ref) {
			ref = t.lastBoostAt
		}
		if now.Sub(ref) < interval {
			continue
		}
		t.priority++
		t.lastBoostAt = now
		boosted++
		s.log.Debug("task priority boosted",
			logx.String("task", t.id),
			logx.String("priority", t.priority.String()),
			logx.Duration("waited", now.Sub(t.lastQueuedAt)),
		)
	}
	if boosted > 0 {
		s.sortQueueLocked()
	}
	s.mu.Unlock()
	return boosted
}
