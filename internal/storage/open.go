package storage

import (
	"context"
	"errors"
	"strings"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

// Open initializes the configured store. An empty driver means "memory".
func Open(ctx context.Context, cfg Config, log logx.Logger) (report.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Drivers lists accepted driver names for config validation.
var Drivers = []string{"memory", "file", "sqlite", "sqlite3", "postgres", "postgresql", "pgx"}
