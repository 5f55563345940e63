package app

import (
	"fmt"
	"strings"

	"grindbot/internal/config"
	"grindbot/internal/history"
	"grindbot/internal/notifier"
	"grindbot/internal/scheduler"
)

func mapSchedulerConfig(sc config.SchedulerConfig) (scheduler.Config, error) {
	if sc.MaxConcurrent < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_concurrent must be >= 0")
	}
	if sc.DefaultMaxRetries < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.default_max_retries must be >= 0")
	}

	tick, err := config.ParseDurationField("scheduler.tick_interval", sc.TickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	defTimeout, err := config.ParseDurationField("scheduler.default_timeout", sc.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryDelay, err := config.ParseDurationField("scheduler.retry_delay", sc.RetryDelay)
	if err != nil {
		return scheduler.Config{}, err
	}
	boost, err := config.ParseDurationField("scheduler.priority_boost_interval", sc.PriorityBoostInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	deadlock, err := config.ParseDurationField("scheduler.deadlock_timeout", sc.DeadlockTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	monitor, err := config.ParseDurationField("scheduler.monitor_interval", sc.MonitorInterval)
	if err != nil {
		return scheduler.Config{}, err
	}

	var backoff scheduler.BackoffKind
	switch strings.ToLower(strings.TrimSpace(sc.Backoff)) {
	case "":
		// scheduler default
	case "linear":
		backoff = scheduler.BackoffLinear
	case "exponential":
		backoff = scheduler.BackoffExponential
	default:
		return scheduler.Config{}, fmt.Errorf("scheduler.backoff: unknown %q (use linear or exponential)", sc.Backoff)
	}

	deadlockEnabled := true
	if sc.EnableDeadlockDetection != nil {
		deadlockEnabled = *sc.EnableDeadlockDetection
	}

	return scheduler.Config{
		MaxConcurrent:           sc.MaxConcurrent,
		TickInterval:            tick,
		DefaultMaxRetries:       sc.DefaultMaxRetries,
		DefaultTimeout:          defTimeout,
		RetryDelay:              retryDelay,
		Backoff:                 backoff,
		RetryJitter:             sc.RetryJitter,
		PriorityBoostInterval:   boost,
		EnableDeadlockDetection: deadlockEnabled,
		DeadlockTimeout:         deadlock,
		MonitorInterval:         monitor,
	}, nil
}

func mapHistoryConfig(hc *config.HistoryConfig) (history.Config, error) {
	if hc == nil {
		return history.Config{}, nil
	}
	busy, err := config.ParseDurationField("history.busy_timeout", hc.BusyTimeout)
	if err != nil {
		return history.Config{}, err
	}
	return history.Config{
		Driver:      hc.Driver,
		Path:        hc.Path,
		BusyTimeout: busy,
	}, nil
}

func mapNotifierConfig(nc *config.NotifierConfig) notifier.Config {
	if nc == nil {
		return notifier.Config{}
	}
	return notifier.Config{
		Enabled:    nc.Enabled,
		Token:      nc.Token,
		ChatID:     nc.ChatID,
		RatePerSec: nc.RatePerSec,
		MinEvents:  nc.MinEvents,
	}
}
