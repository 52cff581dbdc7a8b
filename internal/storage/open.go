package storage

import (
	"context"
	"fmt"
	"strings"

	logx "docconv/pkg/logx"
)

// Open connects the backend named by cfg.Driver. A blank or "none" driver
// means caching is off and yields a nil Store without error.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "redis":
		return openRedis(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("cache.driver: unknown driver %q (want memory, file, sqlite, redis or postgres)", driver)
	}
}
