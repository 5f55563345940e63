package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is returned by Schedule when the id is already known to
	// the scheduler (queued, running, or in the terminal record set).
	ErrDuplicateTask = errors.New("task id already exists")

	// ErrTimeout marks an attempt that exceeded the task timeout. Retryable.
	ErrTimeout = errors.New("task attempt timed out")

	// ErrExecution marks an attempt where the executor returned success=false,
	// returned an error, or panicked. Retryable.
	ErrExecution = errors.New("task execution failed")

	// ErrDependency marks a task whose prerequisite can no longer succeed
	// (failed, cancelled, or never scheduled). Terminal, bypasses retry.
	ErrDependency = errors.New("task dependency cannot be satisfied")

	// ErrDeadlock marks a task caught in a dependency cycle among queued
	// tasks. Terminal, bypasses retry.
	ErrDeadlock = errors.New("task dependency cycle detected")

	// ErrStopping is returned by Schedule while Stop is draining.
	ErrStopping = errors.New("scheduler stopping")
)

// retryable reports whether a failure cause is eligible for the retry manager.
// Dependency and deadlock failures never change by retrying.
func retryable(err error) bool {
	return !errors.Is(err, ErrDependency) && !errors.Is(err, ErrDeadlock)
}

func errInvalid(msg string) error {
	return fmt.Errorf("schedule: %s", msg)
}

func execError(msg string) error {
	if msg == "" {
		return ErrExecution
	}
	return fmt.Errorf("%w: %s", ErrExecution, msg)
}
