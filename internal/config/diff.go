package config

import (
	"reflect"
	"strings"

	logx "docconv/pkg/logx"
)

// Change describes what a reload touched.
type Change struct {
	Sections []string
	// Live lists sections applied without restart; the rest need one.
	Live    []string
	Restart []string
	Attrs   []logx.Field
}

// SummarizeChange compares two configs. Attrs never contain secrets.
func SummarizeChange(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	mark := func(section string, live bool, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		if live {
			ch.Live = append(ch.Live, section)
		} else {
			ch.Restart = append(ch.Restart, section)
		}
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging", true,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Only the rate limit is applied live; anything else about the listener
	// needs a restart.
	oldSrv, newSrv := oldCfg.Server, newCfg.Server
	rateOnly := oldSrv.RatePerSec != newSrv.RatePerSec || oldSrv.Burst != newSrv.Burst
	oldSrv.RatePerSec, oldSrv.Burst = newSrv.RatePerSec, newSrv.Burst
	tokenChanged := oldSrv.Token != newSrv.Token
	oldSrv.Token, newSrv.Token = "", ""
	if tokenChanged || oldSrv != newSrv {
		mark("server", false,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
		)
	} else if rateOnly {
		mark("server.rate", true, logx.Float64("server.rate_per_sec", newCfg.Server.RatePerSec))
	}

	if !reflect.DeepEqual(oldCfg.Reaper, newCfg.Reaper) {
		mark("reaper", true,
			logx.String("reaper.schedule", newCfg.Reaper.Schedule),
			logx.String("reaper.max_age", newCfg.Reaper.MaxAge),
		)
	}
	if oldCfg.Queue != newCfg.Queue {
		mark("queue", false, logx.Int("queue.max_concurrent", newCfg.Queue.MaxConcurrent))
	}
	if oldCfg.Upload != newCfg.Upload {
		mark("upload", false, logx.Int("upload.max_file_size_mb", newCfg.Upload.MaxFileSizeMB))
	}
	if oldCfg.Cache != newCfg.Cache {
		mark("cache", false, logx.String("cache.driver", newCfg.Cache.Driver))
	}
	if oldCfg.Converters != newCfg.Converters {
		mark("converters", false)
	}
	if oldCfg.Vision != newCfg.Vision {
		mark("vision", false, logx.Bool("vision.enabled", newCfg.Vision.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Events, newCfg.Events) {
		mark("events", false, logx.Bool("events.enabled", newCfg.Events.Enabled))
	}
	return ch
}
