package app

import (
	"strings"
	"time"

	"feedrelay/internal/config"
	"feedrelay/internal/opsapi"
	"feedrelay/internal/relay/album"
	"feedrelay/internal/relay/engine"
	"feedrelay/internal/relay/worker"
	"feedrelay/internal/source/rss"
	"feedrelay/internal/storage"
	"feedrelay/internal/translate"
	"feedrelay/internal/transport/telegram"
	logx "feedrelay/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		RatePerSec:     cfg.Telegram.RatePerSec,
		Sources:        cfg.Telegram.Sources,
		AlertChatID:    cfg.Logging.Alert.ChatID,
		AlertThreadID:  cfg.Logging.Alert.ThreadID,
		DisablePreview: cfg.Telegram.DisablePreview,
	}, nil
}

func mapStoreConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
		DSN:         strings.TrimSpace(sc.DSN),
	}, nil
}

// mapEngineConfig converts the relay section. Zero values are left for the
// engine to default.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	r := cfg.Relay
	var (
		ec  engine.Config
		err error
	)
	ec.QueueSize = r.QueueSize
	ec.Distributors = r.Distributors
	if ec.DrainGrace, err = config.ParseDurationField("relay.drain_grace", r.DrainGrace); err != nil {
		return ec, err
	}

	p := r.Pool
	pc := worker.Config{
		QueueSize:   p.QueueSize,
		Workers:     p.Workers,
		BatchSize:   p.BatchSize,
		RetryJitter: p.RetryJitter,
		CircuitTrip: p.CircuitTrip,
	}
	if p.MaxRetries != nil {
		pc.MaxRetries = *p.MaxRetries
		if pc.MaxRetries == 0 {
			// An explicit zero disables retries.
			pc.MaxRetries = -1
		}
	}
	for _, d := range []struct {
		dst  *time.Duration
		path string
		raw  string
	}{
		{&pc.BatchPause, "relay.pool.batch_pause", p.BatchPause},
		{&pc.BatchTimeout, "relay.pool.batch_timeout", p.BatchTimeout},
		{&pc.EnqueueTimeout, "relay.pool.enqueue_timeout", p.EnqueueTimeout},
		{&pc.RetryBase, "relay.pool.retry_base", p.RetryBase},
		{&pc.RetryMaxDelay, "relay.pool.retry_max_delay", p.RetryMaxDelay},
	} {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return ec, err
		}
	}

	a := r.Album
	ac := album.Config{MaxEntries: a.MaxEntries}
	for _, d := range []struct {
		dst  *time.Duration
		path string
		raw  string
	}{
		{&ac.Quiet, "relay.album.quiet", a.Quiet},
		{&ac.MaxIdle, "relay.album.max_idle", a.MaxIdle},
		{&ac.SweepEvery, "relay.album.sweep_every", a.SweepEvery},
	} {
		if *d.dst, err = config.ParseDurationField(d.path, d.raw); err != nil {
			return ec, err
		}
	}
	pc.Album = ac
	ec.Pool = pc
	return ec, nil
}

func mapRSSFeeds(cfg *config.Config) ([]rss.Feed, error) {
	out := make([]rss.Feed, 0, len(cfg.RSS))
	for _, f := range cfg.RSS {
		timeout, err := config.ParseDurationField("rss."+f.ID+".timeout", f.Timeout)
		if err != nil {
			return nil, err
		}
		seenFor, err := config.ParseDurationField("rss."+f.ID+".seen_for", f.SeenFor)
		if err != nil {
			return nil, err
		}
		out = append(out, rss.Feed{
			ID:       f.ID,
			URL:      f.URL,
			Schedule: f.Schedule,
			Timeout:  timeout,
			SeenFor:  seenFor,
		})
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (opsapi.Config, error) {
	o := cfg.Ops
	oc := opsapi.Config{
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
	}
	var err error
	if oc.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 10*time.Second); err != nil {
		return oc, err
	}
	// WriteTimeout stays 0 by default so pprof profiles (30s+) work.
	if oc.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return oc, err
	}
	if oc.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute); err != nil {
		return oc, err
	}
	return oc, nil
}

func storeWatchEnabled(cfg *config.Config) bool {
	return cfg.Store.Watch == nil || *cfg.Store.Watch
}

// mapTranslateConfig reports false when translation is disabled.
func mapTranslateConfig(cfg *config.Config) (translate.Config, bool, error) {
	t := cfg.Translate
	if !t.Enabled {
		return translate.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("translate.timeout", t.Timeout)
	if err != nil {
		return translate.Config{}, false, err
	}
	return translate.Config{
		APIKey:     strings.TrimSpace(t.APIKey),
		Model:      strings.TrimSpace(t.Model),
		RatePerMin: t.RatePerMin,
		Timeout:    timeout,
		CacheSize:  t.CacheSize,
	}, true, nil
}
