package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

const (
	DefaultAddr          = "127.0.0.1:8080"
	DefaultMaxConcurrent = 5
	DefaultQueueSize     = 256
	DefaultMaxFileSizeMB = 100
	DefaultChunkSize     = 8192
	DefaultKeyPrefix     = "docconv:cache:"
	DefaultCacheDriver   = "memory"
	DefaultVisionModel   = "gemini-1.5-pro"
	DefaultReaperSpec    = "@every 1h"
	DefaultEventsTopic   = "docconv.tasks"
)

var cacheDrivers = map[string]bool{
	"memory": true, "file": true, "sqlite": true, "redis": true, "postgres": true, "none": true,
}

// Defaults fills omitted fields in place and returns cfg.
func Defaults(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &cfg.Server
	if strings.TrimSpace(s.Addr) == "" {
		s.Addr = DefaultAddr
	}
	if s.SubmitWait == "" {
		s.SubmitWait = "5s"
	}
	if s.RatePerSec > 0 && s.Burst <= 0 {
		s.Burst = int(s.RatePerSec) + 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}

	q := &cfg.Queue
	if q.MaxConcurrent <= 0 {
		q.MaxConcurrent = DefaultMaxConcurrent
	}
	if q.QueueSize <= 0 {
		q.QueueSize = DefaultQueueSize
	}
	if q.PollInterval == "" {
		q.PollInterval = "1s"
	}

	u := &cfg.Upload
	if u.MaxFileSizeMB <= 0 {
		u.MaxFileSizeMB = DefaultMaxFileSizeMB
	}
	if u.ChunkSize <= 0 {
		u.ChunkSize = DefaultChunkSize
	}

	c := &cfg.Cache
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DefaultCacheDriver
	}
	if c.TTL == "" {
		c.TTL = "24h"
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.OpTimeout == "" {
		c.OpTimeout = "2s"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.MinIdleConns <= 0 {
		c.Redis.MinIdleConns = 2
	}

	cv := &cfg.Converters
	if cv.MaxTextChars <= 0 {
		cv.MaxTextChars = 10_000_000
	}
	if cv.CSVMaxRows <= 0 {
		cv.CSVMaxRows = 100
	}
	if cv.ImageMaxSide <= 0 {
		cv.ImageMaxSide = 2048
	}

	v := &cfg.Vision
	if v.Model == "" {
		v.Model = DefaultVisionModel
	}
	if v.Region == "" {
		v.Region = "us-central1"
	}
	if v.Timeout == "" {
		v.Timeout = "60s"
	}

	r := &cfg.Reaper
	if strings.TrimSpace(r.Schedule) == "" {
		r.Schedule = DefaultReaperSpec
	}
	if r.MaxAge == "" {
		r.MaxAge = "24h"
	}

	e := &cfg.Events
	if e.Topic == "" {
		e.Topic = DefaultEventsTopic
	}
	if e.Source == "" {
		e.Source = "docconv"
	}
	return cfg
}

// Validate reports every problem found, joined.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	check("server.read_timeout", cfg.Server.ReadTimeout)
	check("server.write_timeout", cfg.Server.WriteTimeout)
	check("server.idle_timeout", cfg.Server.IdleTimeout)
	check("server.submit_wait", cfg.Server.SubmitWait)
	check("server.sync_timeout", cfg.Server.SyncTimeout)
	check("queue.poll_interval", cfg.Queue.PollInterval)
	check("cache.ttl", cfg.Cache.TTL)
	check("cache.op_timeout", cfg.Cache.OpTimeout)
	check("cache.busy_timeout", cfg.Cache.BusyTimeout)
	check("cache.redis.dial_timeout", cfg.Cache.Redis.DialTimeout)
	check("vision.timeout", cfg.Vision.Timeout)
	check("reaper.max_age", cfg.Reaper.MaxAge)

	if _, _, err := net.SplitHostPort(cfg.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	} else if !IsLoopbackAddr(cfg.Server.Addr) && strings.TrimSpace(cfg.Server.Token) == "" && !cfg.Server.AllowInsecure {
		errs = append(errs, fmt.Errorf("server.addr %q is not loopback; set server.token or server.allow_insecure", cfg.Server.Addr))
	}
	if cfg.Server.RatePerSec < 0 {
		errs = append(errs, errors.New("server.rate_per_sec must be >= 0"))
	}

	if !cacheDrivers[cfg.Cache.Driver] {
		errs = append(errs, fmt.Errorf("cache.driver: unknown driver %q", cfg.Cache.Driver))
	}
	// Keys are matched with globs; '/' would make the in-process stores
	// disagree with Redis, whose '*' crosses it.
	if strings.ContainsAny(cfg.Cache.KeyPrefix, "/*?[]\\") {
		errs = append(errs, fmt.Errorf("cache.key_prefix %q must not contain '/' or glob characters", cfg.Cache.KeyPrefix))
	}
	switch cfg.Cache.Driver {
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Cache.Path) == "" {
			errs = append(errs, fmt.Errorf("cache.path is required for driver %q", cfg.Cache.Driver))
		}
	case "postgres":
		if strings.TrimSpace(cfg.Cache.DSN) == "" {
			errs = append(errs, errors.New("cache.dsn is required for driver postgres"))
		}
	case "redis":
		if strings.TrimSpace(cfg.Cache.Redis.Addr) == "" {
			errs = append(errs, errors.New("cache.redis.addr is required for driver redis"))
		}
	}

	if cfg.Vision.Enabled && strings.TrimSpace(cfg.Vision.Project) == "" {
		errs = append(errs, errors.New("vision.project is required when vision is enabled"))
	}
	if cfg.Events.Enabled && len(cfg.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required when events are enabled"))
	}
	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
