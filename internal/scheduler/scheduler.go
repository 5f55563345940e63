package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"grindbot/internal/eventbus"
	rtsup "grindbot/internal/runtime/supervisor"
	logx "grindbot/pkg/logx"
)

// Service is the priority task scheduler.
//
// A single mutex guards the queue, the running map and the terminal record
// set, so every dispatch decision sees a consistent snapshot. Task execution
// itself runs outside the lock, bounded by a weighted semaphore.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	seq uint64

	queue   []*task          // pending, sorted (see queue.go)
	running map[string]*task // in-flight attempts
	done    map[string]*task // terminal records: completed/failed/cancelled

	sem *semaphore.Weighted

	completedCount int
	failedCount    int
	cancelledCount int
	totalExecTime  time.Duration

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}
	kick     chan struct{} // eager dispatch wakeup
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log,
		bus:     bus,
		running: make(map[string]*task),
		done:    make(map[string]*task),
	}
}

// Apply swaps the scheduler configuration at runtime without disturbing
// in-flight work. A changed concurrency budget applies to new dispatches only:
// each running attempt keeps the slot it holds and releases it into the budget
// it acquired from, so shrinking takes effect as attempts drain. Loop cadences
// (tick, aging, monitor) are picked up by the loops themselves.
func (s *Service) Apply(_ context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	if running && prev.MaxConcurrent != cfg.MaxConcurrent {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	s.mu.Unlock()

	if running {
		s.kickDispatch()
	}
}

// Start launches the dispatch, aging and deadlock-monitor loops.
// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	s.kick = make(chan struct{}, 1)
	stopCh := s.stopCh
	kick := s.kick

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		// Scheduler loop failures should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("dispatch", func(c context.Context) error {
		s.dispatchLoop(c, stopCh, kick, cfg.TickInterval)
		return loopExit(c, stopCh)
	}, rtsup.WithPublishFirstError(true))

	sup.GoRestart("aging", func(c context.Context) error {
		s.agingLoop(c, stopCh, cfg.PriorityBoostInterval)
		return loopExit(c, stopCh)
	}, rtsup.WithPublishFirstError(true))

	if cfg.EnableDeadlockDetection {
		sup.GoRestart("deadlock", func(c context.Context) error {
			s.monitorLoop(c, stopCh, cfg.MonitorInterval)
			return loopExit(c, stopCh)
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("scheduler started",
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Duration("tick", cfg.TickInterval),
		logx.Bool("deadlock_detection", cfg.EnableDeadlockDetection),
	)
	s.publish(EventStarted, TaskEvent{})
	s.kickDispatch()
}

// loopExit classifies a loop return for GoRestart: exits caused by shutdown
// are clean, anything else is unexpected and restarts the loop.
func loopExit(ctx context.Context, stopCh <-chan struct{}) error {
	select {
	case <-stopCh:
		return context.Canceled
	default:
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrStopping
}

// Stop requests cancellation of all running tasks, then waits (bounded, 30
// one-second polls) for the running set to drain. No further dispatch happens
// after Stop even if tasks remain queued. Stop is idempotent.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup

	// Request cooperative cancellation of every in-flight attempt.
	for _, t := range s.running {
		s.requestAttemptCancelLocked(t)
	}
	s.mu.Unlock()

	// Bounded drain: poll the running set once per second, up to 30 times.
	for i := 0; i < 30; i++ {
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		if n == 0 {
			break
		}
		select {
		case <-ctx.Done():
			i = 30
		case <-time.After(time.Second):
		}
	}

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.sem = nil
		s.kick = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
	s.publish(EventStopped, TaskEvent{})
}

// Schedule admits a new task. The id must be unique across queued, running
// and terminal tasks for the lifetime of the scheduler; collisions return
// ErrDuplicateTask without touching the existing task.
//
// Scheduling while stopped is allowed: the task queues up and is considered
// on the next Start.
func (s *Service) Schedule(id string, exec Executor, opts Options) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errInvalid("task id is required")
	}
	if exec == nil {
		return errInvalid("executor is required")
	}

	now := time.Now()

	s.mu.Lock()
	if s.stopDone != nil {
		s.mu.Unlock()
		return ErrStopping
	}
	if s.existsLocked(id) {
		s.mu.Unlock()
		return ErrDuplicateTask
	}

	cfg := s.cfg
	t := &task{
		id:       id,
		executor: exec,
		priority: opts.Priority,
		seq:      s.nextSeqLocked(),
	}
	if t.priority < PriorityLow || t.priority > PriorityCritical {
		t.priority = PriorityNormal
	}
	t.scheduledAt = opts.ScheduledAt
	if t.scheduledAt.IsZero() {
		t.scheduledAt = now
	}
	if len(opts.Dependencies) > 0 {
		t.dependencies = append([]string(nil), opts.Dependencies...)
	}
	switch {
	case opts.MaxRetries > 0:
		t.maxRetries = opts.MaxRetries
	case opts.MaxRetries < 0:
		t.maxRetries = 0
	default:
		t.maxRetries = cfg.DefaultMaxRetries
	}
	t.timeout = opts.Timeout
	if t.timeout <= 0 {
		t.timeout = cfg.DefaultTimeout
	}
	if len(opts.Metadata) > 0 {
		t.metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			t.metadata[k] = v
		}
	}
	t.createdAt = now
	t.lastQueuedAt = now

	s.pushQueueLocked(t)
	ev := taskEvent(t)
	s.mu.Unlock()

	s.log.Debug("task scheduled",
		logx.String("task", id),
		logx.String("priority", ev.Priority.String()),
		logx.Strings("deps", opts.Dependencies),
	)
	s.publish(EventTaskScheduled, ev)
	s.kickDispatch()
	return nil
}

// CancelTask cancels a task in any non-terminal state. A running task is
// considered cancelled as soon as cancellation is requested, even if the
// executor has not yet stopped (cooperative contract). Returns false for
// unknown or already-terminal tasks.
func (s *Service) CancelTask(id string) bool {
	now := time.Now()

	s.mu.Lock()
	if t := s.removeQueuedLocked(id); t != nil {
		s.finalizeLocked(t, StateCancelled, nil, now)
		ev := taskEvent(t)
		s.mu.Unlock()
		s.log.Debug("queued task cancelled", logx.String("task", id))
		s.publish(EventTaskCancelled, ev)
		s.kickDispatch()
		return true
	}
	if t, ok := s.running[id]; ok {
		s.requestAttemptCancelLocked(t)
		s.mu.Unlock()
		s.log.Debug("running task cancel requested", logx.String("task", id))
		return true
	}
	s.mu.Unlock()
	return false
}

// requestAttemptCancelLocked flags the running attempt as cancelled and asks
// the executor to stop. executor.Cancel is requested at most once per attempt.
func (s *Service) requestAttemptCancelLocked(t *task) {
	t.cancelRequested = true
	if t.attemptCancel != nil {
		t.attemptCancel()
	}
	if !t.executorCancelled {
		t.executorCancelled = true
		// Cancel can block on a misbehaving executor; keep it off the lock path.
		go t.executor.Cancel()
	}
}

func (s *Service) existsLocked(id string) bool {
	if _, ok := s.running[id]; ok {
		return true
	}
	if _, ok := s.done[id]; ok {
		return true
	}
	for _, t := range s.queue {
		if t.id == id {
			return true
		}
	}
	return false
}

func (s *Service) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

// finalizeLocked moves a task into the terminal record set and updates the
// aggregate counters.
func (s *Service) finalizeLocked(t *task, state TaskState, cause error, now time.Time) {
	t.state = state
	t.err = cause
	t.finishedAt = now
	if !t.startedAt.IsZero() && t.execTime == 0 {
		t.execTime = now.Sub(t.startedAt)
	}
	t.attemptCancel = nil
	s.done[t.id] = t

	switch state {
	case StateCompleted:
		s.completedCount++
		s.totalExecTime += t.execTime
	case StateFailed:
		s.failedCount++
	case StateCancelled:
		s.cancelledCount++
	}
}

func taskEvent(t *task) TaskEvent {
	ev := TaskEvent{
		ID:       t.id,
		State:    t.state,
		Priority: t.priority,
		Attempts: t.retryCount,
		Duration: t.execTime,
	}
	if t.err != nil {
		ev.Error = t.err.Error()
	}
	return ev
}

func (s *Service) publish(eventType string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: ev})
}

// kickDispatch wakes the dispatch loop without waiting for the next tick.
// Non-blocking; a pending wakeup coalesces further kicks.
func (s *Service) kickDispatch() {
	s.mu.Lock()
	kick := s.kick
	s.mu.Unlock()
	if kick == nil {
		return
	}
	select {
	case kick <- struct{}{}:
	default:
	}
}
