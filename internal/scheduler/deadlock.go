package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/gammazero/toposort"

	logx "grindbot/pkg/logx"
)

// monitorLoop periodically fails tasks that can provably never run: members
// of dependency cycles, and tasks stuck past the deadlock timeout on
// dependencies that can no longer succeed.
func (s *Service) monitorLoop(ctx context.Context, stopCh <-chan struct{}, interval time.Duration) {
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
		s.detectDeadlocks(time.Now())

		s.mu.Lock()
		cur := s.cfg.MonitorInterval
		s.mu.Unlock()
		if cur != interval {
			interval = cur
			ticker.Reset(interval)
		}
	}
}

// detectDeadlocks runs one monitor pass. Failing a task here removes it from
// the queue, records it as FAILED (bypassing retry; an unsatisfiable
// dependency graph does not improve by retrying) and emits task.failed.
func (s *Service) detectDeadlocks(now time.Time) {
	type failure struct {
		ev    TaskEvent
		id    string
		cause error
	}
	var failures []failure

	s.mu.Lock()
	deadlockTimeout := s.cfg.DeadlockTimeout

	// Cycle detection over the dependency edges restricted to still-queued
	// ids. Completed/failed/external ids cannot be part of a live cycle.
	inCycle := s.queuedCyclesLocked()
	for id := range inCycle {
		if t := s.removeQueuedLocked(id); t != nil {
			cause := fmt.Errorf("%w: %s", ErrDeadlock, id)
			s.finalizeLocked(t, StateFailed, cause, now)
			failures = append(failures, failure{ev: taskEvent(t), id: id, cause: cause})
		}
	}

	// Stuck tasks: waited past the deadlock timeout on a dependency that can
	// no longer resolve successfully. Dependencies that are merely queued or
	// running may still succeed, so those keep waiting.
	var stuck []*task
	for _, t := range s.queue {
		if now.Sub(t.lastQueuedAt) < deadlockTimeout {
			continue
		}
		if dep, dead := s.unsatisfiableDepLocked(t); dead {
			cause := fmt.Errorf("%w: dependency %q", ErrDependency, dep)
			stuck = append(stuck, t)
			t.err = cause
		}
	}
	for _, t := range stuck {
		if s.removeQueuedLocked(t.id) != nil {
			s.finalizeLocked(t, StateFailed, t.err, now)
			failures = append(failures, failure{ev: taskEvent(t), id: t.id, cause: t.err})
		}
	}
	s.mu.Unlock()

	for _, f := range failures {
		s.log.Warn("task failed by deadlock monitor", logx.String("task", f.id), logx.Err(f.cause))
		s.publish(EventTaskFailed, f.ev)
	}
	if len(failures) > 0 {
		s.kickDispatch()
	}
}

// queuedCyclesLocked returns the set of queued task ids that sit on a
// dependency cycle. Topological sort gives a cheap existence check; membership
// is then resolved by walking the queued-restricted graph (a task is on a
// cycle iff it can reach itself).
func (s *Service) queuedCyclesLocked() map[string]struct{} {
	// Two passes: collect the queued id set first, then restrict edges to it.
	queued := make(map[string][]string, len(s.queue))
	for _, t := range s.queue {
		queued[t.id] = nil
	}
	for _, t := range s.queue {
		for _, dep := range t.dependencies {
			if _, ok := queued[dep]; ok {
				queued[t.id] = append(queued[t.id], dep)
			}
		}
	}

	var edges []toposort.Edge
	for id, deps := range queued {
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	if len(edges) == 0 {
		return nil
	}
	if _, err := toposort.Toposort(edges); err == nil {
		return nil
	}

	members := make(map[string]struct{})
	for id := range queued {
		if reachesSelf(id, queued) {
			members[id] = struct{}{}
		}
	}
	return members
}

// reachesSelf reports whether start can reach itself over the dependency
// edges of the queued-restricted graph.
func reachesSelf(start string, graph map[string][]string) bool {
	seen := make(map[string]struct{})
	stack := append([]string(nil), graph[start]...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == start {
			return true
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		stack = append(stack, graph[id]...)
	}
	return false
}

// unsatisfiableDepLocked returns a dependency of t that can no longer resolve
// successfully: one that failed, was cancelled, or is unknown to the scheduler
// entirely (never submitted).
func (s *Service) unsatisfiableDepLocked(t *task) (string, bool) {
	for _, dep := range t.dependencies {
		if rec, ok := s.done[dep]; ok {
			if rec.state != StateCompleted || !rec.result.Success {
				return dep, true
			}
			continue
		}
		if _, ok := s.running[dep]; ok {
			continue
		}
		queued := false
		for _, q := range s.queue {
			if q.id == dep {
				queued = true
				break
			}
		}
		if !queued {
			return dep, true
		}
	}
	return "", false
}
