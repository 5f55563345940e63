package scheduler

import (
	"sort"
	"time"
)

// Status is an immutable aggregate snapshot.
type Status struct {
	Running bool `json:"running"` // scheduler lifecycle, not task count

	Queued       int `json:"queued"`
	RunningTasks int `json:"running_tasks"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Cancelled    int `json:"cancelled"`

	TotalExecTime time.Duration `json:"total_exec_time"`
	AvgExecTime   time.Duration `json:"avg_exec_time"`

	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns a point-in-time snapshot of the scheduler counters.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:       s.stopCh != nil && s.stopDone == nil,
		Queued:        len(s.queue),
		RunningTasks:  len(s.running),
		Completed:     s.completedCount,
		Failed:        s.failedCount,
		Cancelled:     s.cancelledCount,
		TotalExecTime: s.totalExecTime,
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
	if s.completedCount > 0 {
		st.AvgExecTime = s.totalExecTime / time.Duration(s.completedCount)
	}
	return st
}

// TaskStatus reports the lifecycle state of a task by id, checking the
// running map, the queue and the terminal records in that order. ok is false
// when the id is unknown to the scheduler.
func (s *Service) TaskStatus(id string) (state TaskState, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.running[id]; running {
		return StateRunning, true
	}
	for _, t := range s.queue {
		if t.id == id {
			return t.state, true
		}
	}
	if rec, done := s.done[id]; done {
		return rec.state, true
	}
	return "", false
}

// TaskInfo returns the full task record by id.
func (s *Service) TaskInfo(id string) (TaskInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.running[id]; ok {
		return t.info(), true
	}
	for _, t := range s.queue {
		if t.id == id {
			return t.info(), true
		}
	}
	if t, ok := s.done[id]; ok {
		return t.info(), true
	}
	return TaskInfo{}, false
}

// QueuedTasks returns the pending tasks in dispatch order.
func (s *Service) QueuedTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.queue))
	for _, t := range s.queue {
		out = append(out, t.info())
	}
	return out
}

// RunningTasks returns the in-flight tasks, sorted by id for stable output.
func (s *Service) RunningTasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.running))
	for _, t := range s.running {
		out = append(out, t.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClearHistory drops all terminal task records and resets the aggregate
// counters. Queued and running tasks are untouched. Ids of cleared tasks
// become available for re-scheduling; tasks still depending on them will no
// longer see a successful completion.
func (s *Service) ClearHistory() {
	s.mu.Lock()
	s.done = make(map[string]*task)
	s.completedCount = 0
	s.failedCount = 0
	s.cancelledCount = 0
	s.totalExecTime = 0
	s.mu.Unlock()
}
