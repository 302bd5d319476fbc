package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/robfig/cron/v3"

	"feedrelay/internal/config"
	"feedrelay/internal/eventbus"
	"feedrelay/internal/opsapi"
	"feedrelay/internal/pipeline"
	"feedrelay/internal/relay/engine"
	rtsup "feedrelay/internal/runtime/supervisor"
	"feedrelay/internal/settings"
	"feedrelay/internal/source/rss"
	"feedrelay/internal/stats"
	"feedrelay/internal/storage"
	"feedrelay/internal/translate"
	"feedrelay/internal/transport/telegram"
	logx "feedrelay/pkg/logx"
)

const reloadTimeout = 30 * time.Second

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log    logx.Logger
	logs   *logx.Service
	bus    eventbus.Bus
	events *eventbus.Recorder
	store  storage.Store
	cache  *settings.Cache
	reg    *prometheus.Registry

	adapter *telegram.Adapter
	rss     *rss.Source
	engine  *engine.Service
	ops     *opsapi.Service
	cron    *cron.Cron
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Alerts need the adapter as notifier, so the logger starts without
	// them and the final config is applied once the adapter exists.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Alert.Enabled = false
	logSvc, log := logx.New(bootCfg)

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tcfg, log)
	if err != nil {
		return nil, err
	}
	logSvc.SetNotifier(ad)
	logSvc.Apply(logCfg)

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.Comp("storage")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path), logx.Bool("dsn_set", sc.DSN != ""))

	ttl, err := config.ParseDurationField("relay.settings_ttl", cfg.Relay.SettingsTTL)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cache := settings.NewCache(store, ttl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := stats.NewCollector(reg)

	bus := eventbus.New()

	popts := []pipeline.Option{pipeline.WithLogger(log)}
	xc, ok, err := mapTranslateConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if ok {
		tr, err := translate.New(context.Background(), xc, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		popts = append(popts, pipeline.WithTranslator(tr))
		log.Info("translation enabled", logx.Int("rate_per_min", xc.RatePerMin))
	}

	ecfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := engine.New(ecfg, engine.Deps{
		Tasks:    store,
		Settings: cache,
		Sender:   ad,
		Pipeline: pipeline.New(popts...),
		Stats:    collector,
		Bus:      bus,
		Log:      log,
	})
	stats.RegisterGauge(reg, "feedrelay_ingest_queue_length", "Posts waiting for distribution.",
		func() float64 { return float64(eng.Stats().QueueLen) })

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.Comp("app")),
		logs:    logSvc,
		bus:     bus,
		events:  eventbus.NewRecorder(100),
		store:   store,
		cache:   cache,
		reg:     reg,
		adapter: ad,
		engine:  eng,
	}

	if len(cfg.RSS) > 0 {
		feeds, err := mapRSSFeeds(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		var opts []rss.Option
		if !cfg.RSSAllowPrivate {
			opts = append(opts, rss.WithHTTPClient(rss.SafeClient(rss.DefaultTimeout)))
		}
		a.rss = rss.New(feeds, store, log, opts...)
	}

	if cfg.Ops.Enabled {
		oc, err := mapOpsConfig(cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.ops = opsapi.New(oc, opsapi.Deps{
			Relay:       eng,
			Events:      a.events,
			Gatherer:    reg,
			Supervisors: a.supervisors,
			Log:         log,
		})
	}
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
	a.cfgm.SetValidator(validateLogFile)

	// The recorder must subscribe before the engine publishes "started".
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("events.record", func(c context.Context) {
		done := make(chan struct{})
		go func() {
			a.events.Run(events)
			close(done)
		}()
		<-c.Done()
		unsub()
		<-done
	})

	if err := a.engine.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("relay engine: %w", err)
	}
	if err := a.adapter.Start(a.sup.Context(), a.engine.Submit); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if a.rss != nil {
		if err := a.rss.Start(a.sup.Context(), a.engine.Submit); err != nil {
			return fmt.Errorf("rss: %w", err)
		}
	}

	cfg := a.cfgm.Get()
	if w, ok := a.store.(storage.Watcher); ok && storeWatchEnabled(cfg) {
		a.sup.Go0("store.watch", func(c context.Context) {
			w.Watch(c, func() { a.reload(c, "store changed") })
		})
	}
	if spec := strings.TrimSpace(cfg.Relay.ReloadEvery); spec != "" {
		sched, err := config.ParseSchedule(spec)
		if err != nil {
			return fmt.Errorf("relay.reload_every: %w", err)
		}
		a.cron = cron.New()
		a.cron.Schedule(sched, cron.FuncJob(func() { a.reload(a.sup.Context(), "schedule") }))
		a.cron.Start()
	}

	if a.ops != nil {
		a.ops.Start(a.sup.Context())
	}

	a.sup.Go0("config.reload", a.configLoop)
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Int("tasks", len(a.engine.Stats().Tasks)),
		logx.Bool("rss", a.rss != nil),
		logx.Bool("ops", a.ops != nil))
	return nil
}

// reload re-reads tasks. Failures are logged; the previous task set stays
// active.
func (a *App) reload(ctx context.Context, why string) {
	rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := a.engine.Reload(rctx); err != nil {
		if errors.Is(err, engine.ErrNotRunning) || ctx.Err() != nil {
			return
		}
		a.log.Warn("relay reload failed", logx.String("why", why), logx.Err(err))
		return
	}
	a.log.Debug("relay reloaded", logx.String("why", why))
}

func (a *App) configLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-c.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = cfg
		}
		// Coalesce bursts: keep only the latest config.
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(c, lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	id := uuid.NewString()
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)", logx.String("reload_id", id))
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// Settings may have been edited alongside the config.
	a.reload(c, "config changed")

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ",")), logx.String("reload_id", id)}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// validateLogFile rejects a config whose log file cannot be opened, so a
// typo does not silently turn file logging off.
func validateLogFile(_ context.Context, cfg *config.Config) error {
	if !cfg.Logging.File.Enabled {
		return nil
	}
	path := strings.TrimSpace(cfg.Logging.File.Path)
	if path == "" {
		return errors.New("logging.file.path is required when file logging is enabled")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("logging.file.path: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logging.file.path: %w", err)
	}
	return f.Close()
}

func (a *App) supervisors() map[string]*rtsup.Supervisor {
	out := map[string]*rtsup.Supervisor{
		"app":          a.sup,
		"relay.engine": a.engine.Supervisor(),
		"telegram":     a.adapter.Supervisor(),
	}
	if a.ops != nil {
		out["ops"] = a.ops.Supervisor()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Run a shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Intake first so nothing new enters while pools drain.
	step("telegram.intake", 3*time.Second, a.adapter.Stop)
	step("rss", 2*time.Second, func(c context.Context) error {
		if a.rss == nil {
			return nil
		}
		return a.rss.Stop(c)
	})
	step("reload.cron", time.Second, func(c context.Context) error {
		if a.cron == nil {
			return nil
		}
		select {
		case <-a.cron.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// The engine drains queued posts, so the sender must still be usable.
	step("relay.engine", 15*time.Second, func(c context.Context) error {
		a.engine.Stop(c)
		return nil
	})
	step("ops", 2*time.Second, func(c context.Context) error {
		if a.ops != nil {
			a.ops.Stop(c)
		}
		return nil
	})

	a.sup.Cancel()
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("store", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
