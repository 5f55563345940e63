package scheduler

import (
	"sort"
	"time"
)

// sortQueueLocked restores the dispatch order invariant:
// priority descending, scheduled time ascending, arrival order as the stable
// tiebreak. Called after every queue mutation while holding s.mu.
func (s *Service) sortQueueLocked() {
	sort.SliceStable(s.queue, func(i, j int) bool {
		a, b := s.queue[i], s.queue[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.scheduledAt.Equal(b.scheduledAt) {
			return a.scheduledAt.Before(b.scheduledAt)
		}
		return a.seq < b.seq
	})
}

// pushQueueLocked inserts a task and re-sorts.
func (s *Service) pushQueueLocked(t *task) {
	t.state = StatePending
	s.queue = append(s.queue, t)
	s.sortQueueLocked()
}

// removeQueuedLocked removes the task with the given id from the queue.
// Order of the remaining tasks is preserved.
func (s *Service) removeQueuedLocked(id string) *task {
	for i, t := range s.queue {
		if t.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return t
		}
	}
	return nil
}

// firstExecutableLocked returns the index of the first queued task that is
// dispatchable right now: scheduled time reached and all dependencies
// satisfied. The scan deliberately walks past blocked entries so a gated
// high-priority task does not starve runnable lower-priority ones.
func (s *Service) firstExecutableLocked(now time.Time) int {
	for i, t := range s.queue {
		if t.scheduledAt.After(now) {
			continue
		}
		if !s.dependenciesSatisfiedLocked(t) {
			continue
		}
		return i
	}
	return -1
}

// dependenciesSatisfiedLocked reports whether every dependency of t has a
// terminal COMPLETED record with a successful result. Queued, running, failed
// or unknown dependencies all leave the task waiting; giving up on
// unsatisfiable ones is the deadlock monitor's job.
func (s *Service) dependenciesSatisfiedLocked(t *task) bool {
	for _, depID := range t.dependencies {
		rec, ok := s.done[depID]
		if !ok || rec.state != StateCompleted || !rec.result.Success {
			return false
		}
	}
	return true
}
