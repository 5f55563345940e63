package history

import (
	"context"
	"errors"
	"strings"

	logx "grindbot/pkg/logx"
)

// Store is the minimal persistence API for task outcomes.
type Store interface {
	Append(ctx context.Context, rec TaskRecord) error
	Recent(ctx context.Context, limit int) ([]TaskRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if history is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}
