package history

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("history disabled")

// Config configures task history persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TaskRecord is one terminal task outcome.
// Keep it compact and schema-stable.
type TaskRecord struct {
	At       time.Time     `json:"at"`
	TaskID   string        `json:"task_id"`
	State    string        `json:"state"` // completed | failed | cancelled
	Priority string        `json:"priority"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
