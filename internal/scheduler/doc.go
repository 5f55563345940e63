// Package scheduler implements grindbot's priority task scheduler: the
// component that admits automation tasks, orders them, and supervises their
// execution.
//
// # Overview
//
// Tasks are submitted with Schedule() under a caller-chosen unique id and an
// Executor that performs the actual automation work (process probing, screen
// watching, input sequences, ...). The scheduler owns the task from that point
// on; callers interact only through the id.
//
// The pending queue is kept sorted by priority (descending), then scheduled
// time (ascending), then arrival order. A dispatch loop moves eligible tasks
// into execution while a concurrency budget remains. A task is eligible once
// its scheduled time has passed and every declared dependency has completed
// successfully. The dispatch scan walks the whole queue in sorted order, so a
// blocked high-priority task never starves runnable lower-priority ones.
//
// # Failure handling
//
// Each attempt races the executor against the task's timeout. Execution
// failures and timeouts are retried with backoff until the retry budget is
// exhausted; dependency failures and dependency cycles are terminal and skip
// retry entirely. Long-waiting tasks are promoted one priority level per
// boost interval so a stream of high-priority arrivals cannot starve them
// forever.
//
// # Lifecycle
//
// Start()/Stop() are idempotent. Stop requests cooperative cancellation of all
// running executors and waits (bounded) for the running set to drain. Task
// outcomes are observable through the event bus ("task.completed",
// "task.failed", ...) and through Status()/TaskStatus() snapshots; they are
// never surfaced as errors out of the scheduler's own loops.
package scheduler
