package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDetectDeadlocksFailsCycleMembers(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)

	mustScheduleExec(t, s, "a", okExec(), Options{Dependencies: []string{"b"}})
	mustScheduleExec(t, s, "b", okExec(), Options{Dependencies: []string{"a"}})
	mustScheduleExec(t, s, "free", okExec(), Options{})

	s.detectDeadlocks(time.Now())

	for _, id := range []string{"a", "b"} {
		st, ok := s.TaskStatus(id)
		if !ok || st != StateFailed {
			t.Fatalf("%s state = %s, want failed", id, st)
		}
		info, _ := s.TaskInfo(id)
		if !strings.Contains(info.Error, "cycle") {
			t.Fatalf("%s error = %q, want cycle cause", id, info.Error)
		}
	}
	// Bystander untouched.
	if st, _ := s.TaskStatus("free"); st != StatePending {
		t.Fatalf("free state = %s, want pending", st)
	}
}

func TestDetectDeadlocksThreeNodeCycle(t *testing.T) {
	t.Parallel()
	s := New(testConfig(), nopLogger(), nil)

	mustScheduleExec(t, s, "x", okExec(), Options{Dependencies: []string{"z"}})
	mustScheduleExec(t, s, "y", okExec(), Options{Dependencies: []string{"x"}})
	mustScheduleExec(t, s, "z", okExec(), Options{Dependencies: []string{"y"}})
	// Downstream of the cycle but not on it.
	mustScheduleExec(t, s, "after", okExec(), Options{Dependencies: []string{"x"}})

	s.detectDeadlocks(time.Now())

	for _, id := range []string{"x", "y", "z"} {
		if st, _ := s.TaskStatus(id); st != StateFailed {
			t.Fatalf("%s state = %s, want failed", id, st)
		}
	}
	// Not a cycle member; it becomes stuck on a failed dep and is handled by
	// the stuck-task rule once the deadlock timeout passes.
	if st, _ := s.TaskStatus("after"); st != StatePending {
		t.Fatalf("after state = %s, want pending", st)
	}
}

func TestDetectDeadlocksStuckOnDeadDependency(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DeadlockTimeout = time.Minute
	s := New(cfg, nopLogger(), nil)

	// Dependency that was never scheduled.
	mustScheduleExec(t, s, "orphan", okExec(), Options{Dependencies: []string{"missing"}})

	// Before the timeout nothing happens.
	s.detectDeadlocks(time.Now())
	if st, _ := s.TaskStatus("orphan"); st != StatePending {
		t.Fatalf("orphan state = %s, want pending before timeout", st)
	}

	s.detectDeadlocks(time.Now().Add(2 * time.Minute))
	st, _ := s.TaskStatus("orphan")
	if st != StateFailed {
		t.Fatalf("orphan state = %s, want failed after timeout", st)
	}
	info, _ := s.TaskInfo("orphan")
	if !strings.Contains(info.Error, "missing") {
		t.Fatalf("error = %q, want the dead dependency named", info.Error)
	}
}

func TestDetectDeadlocksDependencyChainOnFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DeadlockTimeout = time.Minute
	s := New(cfg, nopLogger(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	failing := &funcExec{fn: func(context.Context) (Result, error) {
		return Result{}, errors.New("boom")
	}}
	mustScheduleExec(t, s, "y", failing, Options{MaxRetries: -1})
	mustScheduleExec(t, s, "x", okExec(), Options{Dependencies: []string{"y"}})

	waitState(t, s, "y", StateFailed)

	// The dependent keeps waiting until the deadlock timeout passes...
	s.detectDeadlocks(time.Now())
	if st, _ := s.TaskStatus("x"); st != StatePending {
		t.Fatalf("x state = %s, want pending before timeout", st)
	}

	// ...then fails with the dead dependency named, without burning retries.
	s.detectDeadlocks(time.Now().Add(2 * time.Minute))
	if st, _ := s.TaskStatus("x"); st != StateFailed {
		t.Fatalf("x state = %s, want failed once the dependency is dead", st)
	}
	info, _ := s.TaskInfo("x")
	if !strings.Contains(info.Error, "dependency") || !strings.Contains(info.Error, `"y"`) {
		t.Fatalf("x error = %q, want the failed dependency named", info.Error)
	}
	if info.RetryCount != 0 {
		t.Fatalf("x retry count = %d, want 0 (dependency failures bypass retry)", info.RetryCount)
	}
}

func TestDetectDeadlocksWaitsOnLiveDependency(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.DeadlockTimeout = time.Minute
	s := New(cfg, nopLogger(), nil)

	// Both queued; "slow" merely has a future scheduled time. "waiter" must
	// keep waiting no matter how long, because its dependency can still run.
	mustScheduleExec(t, s, "slow", okExec(), Options{ScheduledAt: time.Now().Add(time.Hour)})
	mustScheduleExec(t, s, "waiter", okExec(), Options{Dependencies: []string{"slow"}})

	s.detectDeadlocks(time.Now().Add(30 * time.Minute))
	if st, _ := s.TaskStatus("waiter"); st != StatePending {
		t.Fatalf("waiter state = %s, want pending while dependency is queued", st)
	}
}

func TestReachesSelf(t *testing.T) {
	t.Parallel()
	graph := map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {"a"},
	}
	for _, id := range []string{"a", "b", "c"} {
		if !reachesSelf(id, graph) {
			t.Fatalf("%s should be on the cycle", id)
		}
	}
	if reachesSelf("d", graph) {
		t.Fatal("d depends on the cycle but is not on it")
	}
}
