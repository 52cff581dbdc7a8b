package storage

import (
	"context"
	"errors"
	"path"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures a backend.
//
// Driver values:
//   - "memory": process-local map
//   - "file": journal + snapshot files next to Path
//   - "sqlite": SQLite database file at Path
//   - "redis": Redis server at Redis.Addr
//   - "postgres": PostgreSQL reachable through DSN
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Redis       RedisConfig
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
}

// Store is a key/value store with per-key expiry.
//
// Patterns are Redis-style globs ("prefix:*", "a?c", "[ab]*") on every
// backend.
type Store interface {
	// Get returns (nil, false, nil) for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set overwrites key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// DeleteMatch removes every live key matching pattern and returns the count.
	DeleteMatch(ctx context.Context, pattern string) (int, error)
	// Count returns the number of live keys matching pattern.
	Count(ctx context.Context, pattern string) (int, error)
	// Info returns backend-specific details for stats output.
	Info(ctx context.Context) (map[string]string, error)
	Name() string
	Close() error
}

// matchGlob reports whether key matches a Redis-style glob. A malformed
// pattern matches nothing. Unlike Redis, '*' and '?' never match '/';
// cache keys are a slash-free prefix plus a hex digest, so the two agree
// on every key the cache writes.
func matchGlob(pattern, key string) bool {
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}

func expiryMillis(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

func expired(exp int64, nowMS int64) bool {
	return exp > 0 && exp <= nowMS
}
