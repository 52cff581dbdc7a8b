package app

import (
	"fmt"
	"strings"
	"time"

	"docconv/internal/cache"
	"docconv/internal/config"
	"docconv/internal/converter"
	"docconv/internal/eventsink"
	"docconv/internal/httpapi"
	"docconv/internal/storage"
	"docconv/internal/task/engine"
	"docconv/internal/vision"
	logx "docconv/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	c := cfg.Cache
	busy, err := config.ParseDurationOrDefault("cache.busy_timeout", c.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	dial, err := config.ParseDurationOrDefault("cache.redis.dial_timeout", c.Redis.DialTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Driver,
		Path:        strings.TrimSpace(c.Path),
		DSN:         c.DSN,
		BusyTimeout: busy,
		Redis: storage.RedisConfig{
			Addr:         c.Redis.Addr,
			Password:     c.Redis.Password,
			DB:           c.Redis.DB,
			PoolSize:     c.Redis.PoolSize,
			MinIdleConns: c.Redis.MinIdleConns,
			DialTimeout:  dial,
		},
	}, nil
}

func mapCacheOptions(cfg *config.Config) (cache.Options, error) {
	ttl, err := config.ParseDurationOrDefault("cache.ttl", cfg.Cache.TTL, 24*time.Hour)
	if err != nil {
		return cache.Options{}, err
	}
	op, err := config.ParseDurationOrDefault("cache.op_timeout", cfg.Cache.OpTimeout, 2*time.Second)
	if err != nil {
		return cache.Options{}, err
	}
	return cache.Options{TTL: ttl, KeyPrefix: cfg.Cache.KeyPrefix, OpTimeout: op}, nil
}

func mapConverterOptions(cfg *config.Config) converter.Options {
	return converter.Options{
		MaxTextChars: cfg.Converters.MaxTextChars,
		CSVMaxRows:   cfg.Converters.CSVMaxRows,
		ImageMaxSide: cfg.Converters.ImageMaxSide,
	}
}

func mapVisionConfig(cfg *config.Config) (vision.Config, error) {
	timeout, err := config.ParseDurationOrDefault("vision.timeout", cfg.Vision.Timeout, 60*time.Second)
	if err != nil {
		return vision.Config{}, err
	}
	return vision.Config{
		Project: cfg.Vision.Project,
		Region:  cfg.Vision.Region,
		Model:   cfg.Vision.Model,
		Prompt:  cfg.Vision.Prompt,
		Timeout: timeout,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	poll, err := config.ParseDurationOrDefault("queue.poll_interval", cfg.Queue.PollInterval, time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	wait, err := config.ParseDurationField("server.submit_wait", cfg.Server.SubmitWait)
	if err != nil {
		return engine.Config{}, err
	}
	if cfg.Upload.MaxFileSizeMB < 0 {
		return engine.Config{}, fmt.Errorf("upload.max_file_size_mb must be >= 0")
	}
	return engine.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		QueueSize:     cfg.Queue.QueueSize,
		PollInterval:  poll,
		SubmitWait:    wait,
		MaxFileSize:   int64(cfg.Upload.MaxFileSizeMB) << 20,
		ChunkSize:     cfg.Upload.ChunkSize,
		TempDir:       cfg.Upload.TempDir,
		SingleFlight:  cfg.Queue.SingleFlight,
	}, nil
}

func mapServerConfig(cfg *config.Config) (httpapi.Config, error) {
	s := cfg.Server
	out := httpapi.Config{
		Addr:          s.Addr,
		Token:         strings.TrimSpace(s.Token),
		AllowInsecure: s.AllowInsecure,
		RatePerSec:    s.RatePerSec,
		Burst:         s.Burst,
		Pprof:         s.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationField("server.read_timeout", s.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("server.write_timeout", s.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("server.idle_timeout", s.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	if out.SyncTimeout, err = config.ParseDurationField("server.sync_timeout", s.SyncTimeout); err != nil {
		return out, err
	}
	if out.CleanupMaxAge, err = config.ParseDurationOrDefault("reaper.max_age", cfg.Reaper.MaxAge, 24*time.Hour); err != nil {
		return out, err
	}
	return out, nil
}

func mapEventsConfig(cfg *config.Config) eventsink.Config {
	return eventsink.Config{
		Brokers: cfg.Events.Brokers,
		Topic:   cfg.Events.Topic,
		Source:  cfg.Events.Source,
	}
}
