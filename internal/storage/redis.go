package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "docconv/pkg/logx"
)

const redisScanBatch = 500

type redisStore struct {
	client *redis.Client
	log    logx.Logger
}

func openRedis(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	rc := cfg.Redis
	if strings.TrimSpace(rc.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	dial := rc.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		DialTimeout:  dial,
		PoolTimeout:  5 * time.Second,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return newRedisStore(client, log), nil
}

func newRedisStore(client *redis.Client, log logx.Logger) *redisStore {
	return &redisStore{client: client, log: log}
}

func (s *redisStore) Name() string { return "redis" }

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, val, ttl).Err()
}

// scan walks every key matching pattern with SCAN, never KEYS, so a large
// keyspace does not block the server.
func (s *redisStore) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, redisScanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *redisStore) DeleteMatch(ctx context.Context, pattern string) (int, error) {
	total := 0
	err := s.scan(ctx, pattern, func(keys []string) error {
		n, err := s.client.Del(ctx, keys...).Result()
		total += int(n)
		return err
	})
	return total, err
}

func (s *redisStore) Count(ctx context.Context, pattern string) (int, error) {
	total := 0
	err := s.scan(ctx, pattern, func(keys []string) error {
		total += len(keys)
		return nil
	})
	return total, err
}

var redisInfoFields = []string{
	"redis_version",
	"connected_clients",
	"used_memory_human",
	"keyspace_hits",
	"keyspace_misses",
	"uptime_in_seconds",
}

func (s *redisStore) Info(ctx context.Context) (map[string]string, error) {
	raw, err := s.client.Info(ctx, "server", "clients", "memory", "stats").Result()
	if err != nil {
		return nil, err
	}
	return parseRedisInfo(raw, redisInfoFields), nil
}

// parseRedisInfo keeps only the wanted "field:value" lines of an INFO reply.
func parseRedisInfo(raw string, wanted []string) map[string]string {
	want := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		want[w] = true
	}
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if ok && want[k] {
			out[k] = v
		}
	}
	return out
}

func (s *redisStore) Close() error { return s.client.Close() }
