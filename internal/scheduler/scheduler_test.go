package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logx "grindbot/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

// funcExec is a test executor driven by a closure.
type funcExec struct {
	fn      func(ctx context.Context) (Result, error)
	cancels atomic.Int32
}

func (f *funcExec) Execute(ctx context.Context) (Result, error) { return f.fn(ctx) }
func (f *funcExec) Cancel()                                     { f.cancels.Add(1) }
func (f *funcExec) Status() string                              { return "test" }

func okExec() *funcExec {
	return &funcExec{fn: func(context.Context) (Result, error) {
		return Result{Success: true}, nil
	}}
}

// blockingExec blocks until release is closed or the attempt is cancelled.
func blockingExec(release <-chan struct{}) *funcExec {
	return &funcExec{fn: func(ctx context.Context) (Result, error) {
		select {
		case <-release:
			return Result{Success: true}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}}
}

func testConfig() Config {
	return Config{
		MaxConcurrent:         1,
		TickInterval:          10 * time.Millisecond,
		DefaultTimeout:        5 * time.Second,
		RetryDelay:            10 * time.Millisecond,
		PriorityBoostInterval: time.Minute,
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, s *Service, id string, want TaskState) {
	t.Helper()
	waitFor(t, 5*time.Second, "task "+id+" to reach "+string(want), func() bool {
		st, ok := s.TaskStatus(id)
		return ok && st == want
	})
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)

	if err := s.Schedule("", okExec(), Options{}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := s.Schedule("t1", nil, Options{}); err == nil {
		t.Fatal("expected error for nil executor")
	}
	if err := s.Schedule("t1", okExec(), Options{}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := s.Schedule("t1", okExec(), Options{}); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
}

func TestQueueOrderWithoutStart(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)

	// Same priority keeps arrival order; higher priority jumps ahead.
	mustSchedule(t, s, "a", Options{Priority: PriorityNormal})
	mustSchedule(t, s, "b", Options{Priority: PriorityNormal})
	mustSchedule(t, s, "c", Options{Priority: PriorityHigh})
	mustSchedule(t, s, "d", Options{Priority: PriorityLow})

	got := queuedIDs(s)
	want := []string{"c", "a", "b", "d"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("queue order = %v, want %v", got, want)
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// Hold the single slot so the others pile up in the queue.
	release := make(chan struct{})
	mustScheduleExec(t, s, "blocker", blockingExec(release), Options{})
	waitState(t, s, "blocker", StateRunning)

	var mu sync.Mutex
	var order []string
	record := func(id string) *funcExec {
		return &funcExec{fn: func(context.Context) (Result, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return Result{Success: true}, nil
		}}
	}

	if err := s.Schedule("low", record("low"), Options{Priority: PriorityLow}); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule("normal", record("normal"), Options{Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule("urgent", record("urgent"), Options{Priority: PriorityUrgent}); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule("high", record("high"), Options{Priority: PriorityHigh}); err != nil {
		t.Fatal(err)
	}

	close(release)
	waitState(t, s, "low", StateCompleted)

	mu.Lock()
	defer mu.Unlock()
	want := []string{"urgent", "high", "normal", "low"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("execution order = %v, want %v", order, want)
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	s := New(cfg, nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	var inFlight, maxSeen atomic.Int32
	release := make(chan struct{})
	work := func() *funcExec {
		return &funcExec{fn: func(ctx context.Context) (Result, error) {
			n := inFlight.Add(1)
			for {
				prev := maxSeen.Load()
				if n <= prev || maxSeen.CompareAndSwap(prev, n) {
					break
				}
			}
			defer inFlight.Add(-1)
			select {
			case <-release:
				return Result{Success: true}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}}
	}

	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		if err := s.Schedule(id, work(), Options{}); err != nil {
			t.Fatal(err)
		}
	}

	waitFor(t, 5*time.Second, "two tasks in flight", func() bool {
		return s.Status().RunningTasks == 2
	})
	// Give the dispatcher a chance to (incorrectly) start more.
	time.Sleep(50 * time.Millisecond)
	if got := maxSeen.Load(); got > 2 {
		t.Fatalf("max concurrent executions = %d, want <= 2", got)
	}

	close(release)
	waitState(t, s, "w4", StateCompleted)
	if got := maxSeen.Load(); got > 2 {
		t.Fatalf("max concurrent executions = %d, want <= 2", got)
	}
}

func TestDependencyGating(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	s := New(cfg, nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	mustScheduleExec(t, s, "parent", blockingExec(release), Options{})

	var childRan atomic.Bool
	child := &funcExec{fn: func(context.Context) (Result, error) {
		childRan.Store(true)
		return Result{Success: true}, nil
	}}
	if err := s.Schedule("child", child, Options{Dependencies: []string{"parent"}}); err != nil {
		t.Fatal(err)
	}

	// Child must not run while the parent is still in flight.
	waitState(t, s, "parent", StateRunning)
	time.Sleep(60 * time.Millisecond)
	if childRan.Load() {
		t.Fatal("child ran before its dependency completed")
	}

	close(release)
	waitState(t, s, "child", StateCompleted)
}

func TestBlockedHeadDoesNotStarveQueue(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	// High-priority head blocked on a dependency that never arrives; the
	// lower-priority task behind it must still dispatch.
	if err := s.Schedule("gated", okExec(), Options{
		Priority:     PriorityCritical,
		Dependencies: []string{"never"},
	}); err != nil {
		t.Fatal(err)
	}
	mustSchedule(t, s, "runnable", Options{Priority: PriorityLow})

	waitState(t, s, "runnable", StateCompleted)
	if st, _ := s.TaskStatus("gated"); st != StatePending {
		t.Fatalf("gated task state = %s, want pending", st)
	}
}

func TestTimeoutFailsTaskAndCancelsExecutorOnce(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DefaultTimeout = 40 * time.Millisecond
	s := New(cfg, nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	exec := blockingExec(nil)
	if err := s.Schedule("slow", exec, Options{MaxRetries: -1}); err != nil {
		t.Fatal(err)
	}

	waitState(t, s, "slow", StateFailed)
	info, ok := s.TaskInfo("slow")
	if !ok {
		t.Fatal("task info missing")
	}
	if !strings.Contains(info.Error, "timed out") {
		t.Fatalf("error = %q, want timeout", info.Error)
	}

	// Cancel must have been requested exactly once for the attempt.
	time.Sleep(50 * time.Millisecond)
	if got := exec.cancels.Load(); got != 1 {
		t.Fatalf("executor Cancel calls = %d, want 1", got)
	}
}

func TestCancelQueuedTask(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)

	mustSchedule(t, s, "q1", Options{})
	if !s.CancelTask("q1") {
		t.Fatal("CancelTask returned false for queued task")
	}
	if st, ok := s.TaskStatus("q1"); !ok || st != StateCancelled {
		t.Fatalf("state = %s, want cancelled", st)
	}
	if s.CancelTask("q1") {
		t.Fatal("CancelTask succeeded on terminal task")
	}
	if s.CancelTask("unknown") {
		t.Fatal("CancelTask succeeded on unknown id")
	}
}

func TestCancelRunningTask(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	exec := blockingExec(nil)
	if err := s.Schedule("r1", exec, Options{}); err != nil {
		t.Fatal(err)
	}
	waitState(t, s, "r1", StateRunning)

	if !s.CancelTask("r1") {
		t.Fatal("CancelTask returned false for running task")
	}
	waitState(t, s, "r1", StateCancelled)
	waitFor(t, time.Second, "executor cancel", func() bool {
		return exec.cancels.Load() == 1
	})
	time.Sleep(20 * time.Millisecond)
	if got := exec.cancels.Load(); got != 1 {
		t.Fatalf("executor Cancel calls = %d, want 1", got)
	}

	st := s.Status()
	if st.Cancelled != 1 {
		t.Fatalf("cancelled count = %d, want 1", st.Cancelled)
	}
}

func TestStopDrainsRunningTasks(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())

	exec := blockingExec(nil) // cooperative: returns on ctx cancel
	if err := s.Schedule("d1", exec, Options{}); err != nil {
		t.Fatal(err)
	}
	mustSchedule(t, s, "d2", Options{}) // stays queued behind d1
	waitState(t, s, "d1", StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Stop(ctx)

	if st := s.Status(); st.Running {
		t.Fatal("scheduler still reports running after Stop")
	}
	if st, _ := s.TaskStatus("d1"); st != StateCancelled {
		t.Fatalf("d1 state = %s, want cancelled", st)
	}
	// d2 never ran; it stays queued for a future Start.
	if st, _ := s.TaskStatus("d2"); st != StatePending {
		t.Fatalf("d2 state = %s, want pending", st)
	}
	if err := s.Schedule("d3", okExec(), Options{}); err != nil {
		t.Fatalf("Schedule after Stop: %v", err)
	}
}

func TestStatusCounters(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	mustSchedule(t, s, "ok1", Options{})
	failing := &funcExec{fn: func(context.Context) (Result, error) {
		return Result{}, errors.New("boom")
	}}
	if err := s.Schedule("bad1", failing, Options{MaxRetries: -1}); err != nil {
		t.Fatal(err)
	}

	waitState(t, s, "ok1", StateCompleted)
	waitState(t, s, "bad1", StateFailed)

	st := s.Status()
	if st.Completed != 1 || st.Failed != 1 {
		t.Fatalf("counters = %+v, want 1 completed / 1 failed", st)
	}

	s.ClearHistory()
	st = s.Status()
	if st.Completed != 0 || st.Failed != 0 {
		t.Fatalf("counters after ClearHistory = %+v", st)
	}
	if _, ok := s.TaskStatus("ok1"); ok {
		t.Fatal("terminal record survived ClearHistory")
	}
}

func TestApplyResizesBudgetWithoutCancellingRunning(t *testing.T) {
	t.Parallel()
	cfg := testConfig() // MaxConcurrent 1
	s := New(cfg, nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	live := blockingExec(release)
	mustScheduleExec(t, s, "live", live, Options{})
	waitState(t, s, "live", StateRunning)

	// Budget exhausted: the second task has to wait.
	mustSchedule(t, s, "waiting", Options{})
	time.Sleep(50 * time.Millisecond)
	if st, _ := s.TaskStatus("waiting"); st != StatePending {
		t.Fatalf("waiting state = %s, want pending while budget is full", st)
	}

	cfg.MaxConcurrent = 2
	cfg.TickInterval = 20 * time.Millisecond
	s.Apply(context.Background(), cfg)

	// The grown budget admits the queued task while the first attempt keeps
	// its slot untouched.
	waitState(t, s, "waiting", StateCompleted)
	if st, _ := s.TaskStatus("live"); st != StateRunning {
		t.Fatalf("live state = %s, want still running after Apply", st)
	}
	if got := live.cancels.Load(); got != 0 {
		t.Fatalf("executor Cancel calls during Apply = %d, want 0", got)
	}

	close(release)
	waitState(t, s, "live", StateCompleted)
}

func mustSchedule(t *testing.T, s *Service, id string, opts Options) {
	t.Helper()
	mustScheduleExec(t, s, id, okExec(), opts)
}

func mustScheduleExec(t *testing.T, s *Service, id string, exec Executor, opts Options) {
	t.Helper()
	if err := s.Schedule(id, exec, opts); err != nil {
		t.Fatalf("Schedule(%s): %v", id, err)
	}
}

func queuedIDs(s *Service) []string {
	infos := s.QueuedTasks()
	out := make([]string, 0, len(infos))
	for _, in := range infos {
		out = append(out, in.ID)
	}
	return out
}
