package storage

import (
	"context"
	"errors"
	"strings"

	logx "naspanel/pkg/logx"
)

// Store is the run-history API used by the scheduler and the HTTP layer.
type Store interface {
	AppendRun(ctx context.Context, r Run) error
	// RecentRuns returns up to limit runs of jobID, newest first.
	RecentRuns(ctx context.Context, jobID string, limit int) ([]Run, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.KeepPerJob <= 0 {
		cfg.KeepPerJob = defaultKeepPerJob
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 50
	}
	return limit
}
