// Package app wires configuration, storage, the conversion engine and its
// outer surfaces into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"docconv/internal/cache"
	"docconv/internal/config"
	"docconv/internal/converter"
	"docconv/internal/eventbus"
	"docconv/internal/eventsink"
	"docconv/internal/httpapi"
	rtsup "docconv/internal/runtime/supervisor"
	"docconv/internal/storage"
	"docconv/internal/task/engine"
	"docconv/internal/task/scheduler"
	"docconv/internal/vision"
	logx "docconv/pkg/logx"
)

const reaperJob = "reaper"

type Options struct {
	// ConfigPath is watched for changes. Empty means built-in defaults and
	// no hot reload.
	ConfigPath string
	// LogLevel overrides logging.level when set.
	LogLevel string
	// Headless runs only the engine: no listener, reaper or event sink.
	Headless bool
}

type App struct {
	opts Options

	cfgm  *config.Manager
	cfgMu sync.RWMutex
	cfg   *config.Config
	sup   *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Memory

	cache  *cache.Cache
	vision *vision.Client
	engine *engine.Service
	sched  *scheduler.Service
	http   *httpapi.Service
	sink   *eventsink.Sink
}

func New(ctx context.Context, opts Options) (*App, error) {
	var (
		cfgm *config.Manager
		cfg  *config.Config
		err  error
	)
	if strings.TrimSpace(opts.ConfigPath) != "" {
		cfgm = config.NewManager(opts.ConfigPath)
		if cfg, err = cfgm.Load(); err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
	} else {
		cfg = config.Defaults(&config.Config{})
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}

	logCfg := mapLogConfig(cfg)
	if opts.LogLevel != "" {
		logCfg.Level = opts.LogLevel
	}
	logSvc, root := logx.NewService(logCfg)
	log := root.Component("app")
	if cfgm != nil {
		cfgm.SetLogger(root.Component("config"))
	}

	a := &App{opts: opts, cfgm: cfgm, cfg: cfg, log: log, logs: logSvc, bus: eventbus.New()}
	if err := a.build(ctx, cfg, root); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, root.Component("storage"))
	if err != nil {
		return fmt.Errorf("open cache backend: %w", err)
	}
	copts, err := mapCacheOptions(cfg)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return err
	}
	a.cache = cache.New(store, copts, root.Component("cache"))
	if store == nil {
		a.log.Info("result cache disabled")
	} else {
		a.log.Info("result cache enabled", logx.String("backend", store.Name()), logx.Duration("ttl", copts.TTL))
	}

	var describer converter.Describer
	if cfg.Vision.Enabled {
		vc, err := mapVisionConfig(cfg)
		if err != nil {
			return err
		}
		cl, err := vision.New(ctx, vc, root.Component("vision"))
		if err != nil {
			return fmt.Errorf("vision client: %w", err)
		}
		a.vision, describer = cl, cl
	}
	converters := converter.NewDefaultRegistry(mapConverterOptions(cfg), describer)

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(ecfg, converters, a.cache, root.Component("engine"), a.bus)

	if a.opts.Headless {
		return nil
	}

	a.sched = scheduler.New(scheduler.Config{Timezone: cfg.Reaper.Timezone}, root.Component("scheduler"))
	if err := a.applyReaper(cfg); err != nil {
		return err
	}

	hcfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hcfg, a.engine, a.cache, root.Component("http"))

	if cfg.Events.Enabled {
		sink, err := eventsink.New(mapEventsConfig(cfg), root.Component("events"))
		if err != nil {
			return err
		}
		a.sink = sink
	}
	return nil
}

func (a *App) Engine() *engine.Service       { return a.engine }
func (a *App) HTTP() *httpapi.Service        { return a.http }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Config returns the last applied config.
func (a *App) Config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Engine first so the listener never accepts work it cannot admit.
	a.engine.Start(a.sup.Context())
	if a.opts.Headless {
		a.log.Debug("app started (headless)")
		return nil
	}
	a.sched.Start(a.sup.Context())
	a.http.Start(a.sup.Context())

	if a.sink != nil {
		events, unsub := a.bus.Subscribe(256)
		a.sup.Go("events.sink", func(c context.Context) error {
			defer unsub()
			return a.sink.Run(c, events)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.cfgm != nil {
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			if _, err := mapServerConfig(cfg); err != nil {
				return err
			}
			if cfg.Reaper.ReaperEnabled() {
				if _, err := scheduler.ParseSchedule(cfg.Reaper.Schedule); err != nil {
					return fmt.Errorf("reaper.schedule: %w", err)
				}
			}
			if tz := strings.TrimSpace(cfg.Reaper.Timezone); tz != "" {
				if _, err := time.LoadLocation(tz); err != nil {
					return fmt.Errorf("reaper.timezone: invalid %q: %w", tz, err)
				}
			}
			return nil
		})

		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			for {
				select {
				case <-c.Done():
					return
				case newCfg, ok := <-sub:
					if !ok {
						return
					}
					a.applyConfig(newCfg)
				}
			}
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	cfg := a.Config()
	a.log.Info("app started",
		logx.String("addr", cfg.Server.Addr),
		logx.Int("max_concurrent", cfg.Queue.MaxConcurrent),
		logx.Bool("vision", a.vision != nil),
		logx.Bool("events", a.sink != nil),
	)
	return nil
}

// applyConfig fans a committed reload out to the live-reloadable parts.
func (a *App) applyConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	ch := config.SummarizeChange(a.cfg, newCfg)
	a.cfg = newCfg
	a.cfgMu.Unlock()
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range ch.Live {
		switch s {
		case "logging":
			lc := mapLogConfig(newCfg)
			if a.opts.LogLevel != "" {
				lc.Level = a.opts.LogLevel
			}
			a.logs.Apply(lc)
		case "server.rate":
			if a.http != nil {
				a.http.SetRateLimit(newCfg.Server.RatePerSec, newCfg.Server.Burst)
			}
		case "reaper":
			if a.sched == nil {
				continue
			}
			a.sched.Apply(scheduler.Config{Timezone: newCfg.Reaper.Timezone})
			if err := a.applyReaper(newCfg); err != nil {
				a.log.Warn("reaper reschedule failed; keeping previous", logx.Err(err))
			}
		}
	}
	if len(ch.Restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(ch.Restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyReaper registers or removes the periodic cleanup job.
func (a *App) applyReaper(cfg *config.Config) error {
	if !cfg.Reaper.ReaperEnabled() {
		if a.sched.Remove(reaperJob) {
			a.log.Info("reaper disabled")
		}
		return nil
	}
	maxAge, err := config.ParseDurationOrDefault("reaper.max_age", cfg.Reaper.MaxAge, 24*time.Hour)
	if err != nil {
		return err
	}
	return a.sched.Schedule(reaperJob, cfg.Reaper.Schedule, 30*time.Second, func(context.Context) error {
		a.engine.Cleanup(maxAge)
		return nil
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs fn bounded by max so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	// Intake first, then triggers, then in-flight work.
	if a.http != nil {
		step("http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	}
	if a.sched != nil {
		step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	}
	step("engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

// closeResources releases connections opened by New.
func (a *App) closeResources() {
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			a.log.Warn("event sink close failed", logx.Err(err))
		}
		a.sink = nil
	}
	if a.vision != nil {
		if err := a.vision.Close(); err != nil {
			a.log.Warn("vision client close failed", logx.Err(err))
		}
		a.vision = nil
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.log.Warn("cache close failed", logx.Err(err))
		}
		a.cache = nil
	}
}
