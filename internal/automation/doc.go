// Package automation provides the executors the scheduler runs: probing the
// game process, waiting for screen states and driving input sequences.
//
// Executors are single-shot: the trigger service builds a fresh one per
// firing, so per-attempt state (cancellation flags, progress) never leaks
// between tasks.
package automation
