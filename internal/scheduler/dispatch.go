package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "grindbot/pkg/logx"
)

// dispatchLoop is the scheduler heartbeat. It wakes on a fixed tick (for
// time-gated tasks: future scheduled times, retry backoff) and eagerly on
// every queue mutation via the kick channel.
func (s *Service) dispatchLoop(ctx context.Context, stopCh <-chan struct{}, kick <-chan struct{}, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		case <-kick:
		}
		s.dispatch(ctx, stopCh)

		// Pick up a hot-reloaded tick interval without restarting the loop.
		s.mu.Lock()
		cur := s.cfg.TickInterval
		s.mu.Unlock()
		if cur != tick {
			tick = cur
			ticker.Reset(tick)
		}
	}
}

// dispatch moves eligible tasks from the queue into execution while the
// concurrency budget allows. All registry mutations happen under s.mu; the
// attempt itself runs on its own goroutine outside the lock.
func (s *Service) dispatch(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		default:
		}

		now := time.Now()

		s.mu.Lock()
		if s.stopDone != nil || s.sem == nil {
			s.mu.Unlock()
			return
		}
		idx := s.firstExecutableLocked(now)
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		if !s.sem.TryAcquire(1) {
			// Concurrency budget exhausted; a finishing attempt re-kicks us.
			s.mu.Unlock()
			return
		}

		t := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		t.state = StateRunning
		t.startedAt = now
		t.execTime = 0
		t.sem = s.sem

		attemptCtx, cancel := context.WithCancel(ctx)
		t.attemptCancel = cancel
		t.cancelRequested = false
		t.executorCancelled = false
		s.running[t.id] = t
		ev := taskEvent(t)
		sup := s.sup
		timeout := t.timeout
		s.mu.Unlock()

		s.log.Debug("task dispatched",
			logx.String("task", t.id),
			logx.String("priority", t.priority.String()),
			logx.Int("attempt", t.retryCount+1),
		)
		s.publish(EventTaskStarted, ev)

		tt := t
		sup.Go("attempt."+tt.id, func(context.Context) error {
			s.runAttempt(attemptCtx, tt, timeout)
			return nil
		})
	}
}

type attemptOutcome struct {
	result Result
	err    error
}

// runAttempt supervises one execution attempt: it races the executor against
// the task timeout and the attempt context (cancellation/stop), then routes
// the outcome. Executor panics are converted to failures so one bad executor
// cannot take down the scheduler.
func (s *Service) runAttempt(ctx context.Context, t *task, timeout time.Duration) {
	resCh := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("executor panicked",
					logx.String("task", t.id),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				resCh <- attemptOutcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := t.executor.Execute(ctx)
		resCh <- attemptOutcome{result: res, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-resCh:
		s.finishAttempt(t, out, false)
	case <-timer.C:
		// The timeout is enforced here, not inside the executor: request
		// cooperative cancellation and move on. The executor goroutine may
		// outlive the attempt; that is its contract to honor Cancel promptly.
		s.cancelExecutorOnce(t)
		s.finishAttempt(t, attemptOutcome{err: ErrTimeout}, true)
	case <-ctx.Done():
		// Stop() or CancelTask() pulled the attempt context.
		s.cancelExecutorOnce(t)
		s.finishAttempt(t, attemptOutcome{err: ctx.Err()}, false)
	}
}

// cancelExecutorOnce requests executor.Cancel at most once per attempt.
func (s *Service) cancelExecutorOnce(t *task) {
	s.mu.Lock()
	already := t.executorCancelled
	t.executorCancelled = true
	s.mu.Unlock()
	if !already {
		go t.executor.Cancel()
	}
}

// finishAttempt concludes one attempt: records the outcome, frees the
// concurrency slot and immediately re-kicks dispatch so a freed slot is used
// without waiting for the next tick.
func (s *Service) finishAttempt(t *task, out attemptOutcome, timedOut bool) {
	now := time.Now()

	s.mu.Lock()
	if _, ok := s.running[t.id]; !ok {
		// Already concluded (late timer vs result race).
		s.mu.Unlock()
		return
	}
	delete(s.running, t.id)
	t.execTime = now.Sub(t.startedAt)
	if t.attemptCancel != nil {
		t.attemptCancel()
		t.attemptCancel = nil
	}

	var eventType string
	var ev TaskEvent

	switch {
	case t.cancelRequested:
		s.finalizeLocked(t, StateCancelled, nil, now)
		eventType = EventTaskCancelled
		ev = taskEvent(t)

	case out.err == nil && out.result.Success:
		t.result = out.result
		s.finalizeLocked(t, StateCompleted, nil, now)
		eventType = EventTaskCompleted
		ev = taskEvent(t)

	default:
		cause := out.err
		if cause == nil {
			cause = execError(out.result.Message)
		} else if !timedOut {
			cause = fmt.Errorf("%w: %v", ErrExecution, cause)
		}
		eventType, ev = s.routeFailureLocked(t, cause, now)
	}

	// Release into the budget the attempt acquired from; Apply may have swapped
	// s.sem for new dispatches in the meantime.
	if t.sem != nil {
		t.sem.Release(1)
		t.sem = nil
	}
	s.mu.Unlock()

	switch eventType {
	case EventTaskCompleted:
		s.log.Debug("task completed", logx.String("task", t.id), logx.Duration("dur", ev.Duration), logx.Int("attempts", ev.Attempts))
	case EventTaskRetry:
		s.log.Debug("task retry scheduled", logx.String("task", t.id), logx.Int("attempt", ev.Attempts), logx.Duration("delay", ev.Delay), logx.String("err", ev.Error))
	case EventTaskFailed:
		s.log.Warn("task failed", logx.String("task", t.id), logx.Int("attempts", ev.Attempts), logx.Duration("dur", ev.Duration), logx.String("err", ev.Error))
	case EventTaskCancelled:
		s.log.Debug("task cancelled", logx.String("task", t.id))
	}
	s.publish(eventType, ev)
	s.kickDispatch()
}
