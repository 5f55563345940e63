package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// Priority orders tasks in the pending queue. Higher runs first.
//
// A task's priority is monotonically non-decreasing: only aging raises it,
// nothing lowers it.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 2
	PriorityHigh     Priority = 3
	PriorityUrgent   Priority = 4
	PriorityCritical Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config string to a Priority. Empty picks normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// TaskState is the scheduler's view of a task's lifecycle.
//
// PENDING -> RUNNING -> {COMPLETED | PENDING (retry) | FAILED | CANCELLED}.
// COMPLETED, FAILED and CANCELLED are terminal.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCancelled TaskState = "cancelled"
)

// Result is produced by one execution attempt.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Executor performs the actual work of one task. Implementations live outside
// the scheduler (see internal/automation); the scheduler only calls Execute,
// Cancel and Status.
//
// Cancel is a cooperative request: the executor is expected, not guaranteed,
// to stop promptly. Status reports the executor's own view of progress and is
// used for diagnostics only, never for scheduling decisions.
type Executor interface {
	Execute(ctx context.Context) (Result, error)
	Cancel()
	Status() string
}

// Options configures one scheduled task. The zero value picks scheduler
// defaults (priority normal, run now, default retries/timeout).
type Options struct {
	Priority    Priority
	ScheduledAt time.Time // earliest dispatch instant; zero means now

	// Dependencies are task ids that must each complete successfully before
	// this task may run. Ids not (yet) known to the scheduler are allowed; the
	// task waits until the deadlock monitor gives up on them.
	Dependencies []string

	// MaxRetries caps retry attempts after the first execution.
	// 0 uses the scheduler default; a negative value disables retries.
	MaxRetries int

	// Timeout bounds one execution attempt. 0 uses the scheduler default.
	Timeout time.Duration

	// Metadata is carried on the task untouched.
	Metadata map[string]string
}

// Config controls the scheduler service.
type Config struct {
	// MaxConcurrent bounds simultaneous in-flight executions.
	MaxConcurrent int

	// TickInterval is the dispatch loop cadence. Dispatch also runs eagerly
	// after every queue mutation, so the tick is a safety net for time-gated
	// tasks (scheduled in the future, retry backoff).
	TickInterval time.Duration

	DefaultMaxRetries int
	DefaultTimeout    time.Duration

	// RetryDelay is the backoff unit between attempts: linear delay is
	// retryCount * RetryDelay; exponential doubles from RetryDelay.
	RetryDelay  time.Duration
	Backoff     BackoffKind
	RetryJitter float64 // exponential only; 0.2 = 20%

	// PriorityBoostInterval is the aging cadence: a queued task waiting longer
	// than this gains one priority level per elapsed interval, capped at
	// critical.
	PriorityBoostInterval time.Duration

	// Deadlock detection. Tasks stuck on dependencies that can no longer
	// succeed are failed after DeadlockTimeout; dependency cycles are failed
	// as soon as the monitor sees them.
	EnableDeadlockDetection bool
	DeadlockTimeout         time.Duration
	MonitorInterval         time.Duration
}

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
	if c.DefaultMaxRetries == 0 {
		c.DefaultMaxRetries = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.Backoff != BackoffLinear && c.Backoff != BackoffExponential {
		c.Backoff = BackoffLinear
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.PriorityBoostInterval <= 0 {
		c.PriorityBoostInterval = time.Minute
	}
	if c.DeadlockTimeout <= 0 {
		c.DeadlockTimeout = 5 * time.Minute
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	return c
}

// task is the scheduler-owned record for one submitted task.
type task struct {
	id       string
	executor Executor

	priority     Priority
	state        TaskState
	scheduledAt  time.Time
	dependencies []string
	maxRetries   int
	retryCount   int
	timeout      time.Duration
	metadata     map[string]string

	seq          uint64    // arrival order, stable sort tiebreak
	createdAt    time.Time
	lastQueuedAt time.Time // last time the task (re-)entered the queue
	lastBoostAt  time.Time // last aging promotion

	startedAt  time.Time
	finishedAt time.Time
	execTime   time.Duration

	result Result
	err    error

	// Attempt plumbing; set while running.
	attemptCancel     context.CancelFunc
	cancelRequested   bool
	executorCancelled bool                // executor.Cancel() already requested for this attempt
	sem               *semaphore.Weighted // budget this attempt holds a slot in
}

// TaskInfo is an immutable copy handed to callers.
type TaskInfo struct {
	ID           string            `json:"id"`
	State        TaskState         `json:"state"`
	Priority     Priority          `json:"priority"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	Dependencies []string          `json:"dependencies,omitempty"`
	RetryCount   int               `json:"retry_count"`
	MaxRetries   int               `json:"max_retries"`
	Timeout      time.Duration     `json:"timeout"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	Duration     time.Duration     `json:"duration,omitempty"`
	Error        string            `json:"error,omitempty"`
}

func (t *task) info() TaskInfo {
	info := TaskInfo{
		ID:          t.id,
		State:       t.state,
		Priority:    t.priority,
		ScheduledAt: t.scheduledAt,
		RetryCount:  t.retryCount,
		MaxRetries:  t.maxRetries,
		Timeout:     t.timeout,
		CreatedAt:   t.createdAt,
		Duration:    t.execTime,
	}
	if len(t.dependencies) > 0 {
		info.Dependencies = append([]string(nil), t.dependencies...)
	}
	if len(t.metadata) > 0 {
		info.Metadata = make(map[string]string, len(t.metadata))
		for k, v := range t.metadata {
			info.Metadata[k] = v
		}
	}
	if t.err != nil {
		info.Error = t.err.Error()
	}
	return info
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string        `json:"id"`
	State    TaskState     `json:"state"`
	Priority Priority      `json:"priority"`
	Attempts int           `json:"attempts"`
	Delay    time.Duration `json:"delay,omitempty"`    // task.retry only
	Duration time.Duration `json:"duration,omitempty"` // terminal events
	Error    string        `json:"error,omitempty"`
}

// Event types published by the scheduler.
const (
	EventStarted       = "scheduler.started"
	EventStopped       = "scheduler.stopped"
	EventTaskScheduled = "task.scheduled"
	EventTaskStarted   = "task.started"
	EventTaskCompleted = "task.completed"
	EventTaskRetry     = "task.retry"
	EventTaskFailed    = "task.failed"
	EventTaskCancelled = "task.cancelled"
)
