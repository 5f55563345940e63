package config

// Config is the root grindbot configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Game      GameConfig      `json:"game"`

	Triggers []TriggerConfig `json:"triggers,omitempty"`

	History  *HistoryConfig  `json:"history,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the priority task scheduler.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 3
//   - tick_interval: "1s"
//   - default_max_retries: 3
//   - default_timeout: "30s"
//   - retry_delay: "1s", backoff: "linear"
//   - priority_boost_interval: "1m"
//   - deadlock_timeout: "5m", monitor_interval: "30s"
//
// EnableDeadlockDetection is a pointer so an omitted field defaults to true
// while an explicit false still disables the monitor.
type SchedulerConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	TickInterval  string `json:"tick_interval,omitempty"`

	DefaultMaxRetries int    `json:"default_max_retries,omitempty"`
	DefaultTimeout    string `json:"default_timeout,omitempty"`

	RetryDelay  string  `json:"retry_delay,omitempty"`
	Backoff     string  `json:"backoff,omitempty"` // "linear" | "exponential"
	RetryJitter float64 `json:"retry_jitter,omitempty"`

	PriorityBoostInterval string `json:"priority_boost_interval,omitempty"`

	EnableDeadlockDetection *bool  `json:"enable_deadlock_detection,omitempty"`
	DeadlockTimeout         string `json:"deadlock_timeout,omitempty"`
	MonitorInterval         string `json:"monitor_interval,omitempty"`
}

// GameConfig identifies the target application and bounds synthetic input.
type GameConfig struct {
	// ProcessName is matched against running process names (gopsutil).
	ProcessName string `json:"process_name"`

	// ProbeInterval is how often automation re-checks that the game is up.
	ProbeInterval string `json:"probe_interval,omitempty"`

	// InputRatePerSec caps synthetic input events per second. 0 uses the
	// injector default.
	InputRatePerSec int `json:"input_rate_per_sec,omitempty"`
}

// TriggerConfig declares one recurring automation job submitted into the
// scheduler by the trigger service.
//
// Schedule accepts cron expressions ("*/5 * * * *", "@hourly"), Go durations
// ("55m"), or HH:MM interval shorthand ("02:30"); see internal/trigger.
type TriggerConfig struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"`
	Action   string `json:"action"` // executor kind, resolved by the app layer

	Priority   string            `json:"priority,omitempty"` // low|normal|high|urgent|critical
	Timeout    string            `json:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

// HistoryConfig controls terminal task record persistence.
//
// Driver values:
//   - "file": dependency-free jsonl backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history persistence is disabled.
type HistoryConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls Telegram failure alerts.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	MinEvents  string `json:"min_events,omitempty"` // "failures" (default) | "all"
}
