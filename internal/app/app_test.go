package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"feedrelay/internal/config"
)

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()
	zero, three := 0, 3
	tests := []struct {
		name        string
		retries     *int
		wantRetries int
	}{
		{"default", nil, 0},
		{"explicit zero disables", &zero, -1},
		{"explicit", &three, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{Relay: config.RelayConfig{
				QueueSize:  64,
				DrainGrace: "2s",
				Pool: config.PoolConfig{
					Workers:    2,
					MaxRetries: tt.retries,
					RetryBase:  "250ms",
				},
				Album: config.AlbumConfig{Quiet: "1s", MaxEntries: 10},
			}}
			ec, err := mapEngineConfig(cfg)
			if err != nil {
				t.Fatalf("map: %v", err)
			}
			if ec.Pool.MaxRetries != tt.wantRetries {
				t.Fatalf("max retries = %d, want %d", ec.Pool.MaxRetries, tt.wantRetries)
			}
			if ec.QueueSize != 64 || ec.DrainGrace != 2*time.Second {
				t.Fatalf("engine = %+v", ec)
			}
			if ec.Pool.Workers != 2 || ec.Pool.RetryBase != 250*time.Millisecond {
				t.Fatalf("pool = %+v", ec.Pool)
			}
			if ec.Pool.Album.Quiet != time.Second || ec.Pool.Album.MaxEntries != 10 {
				t.Fatalf("album = %+v", ec.Pool.Album)
			}
		})
	}
}

func TestMapEngineConfigRejectsBadDuration(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Relay: config.RelayConfig{Album: config.AlbumConfig{SweepEvery: "soon"}}}
	if _, err := mapEngineConfig(cfg); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestMapDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "t"},
		Logging:  config.LoggingConfig{Alert: config.LoggingAlert{ChatID: -100, ThreadID: 7}},
		Store:    config.StoreConfig{Driver: " SQLite ", Path: " relay.db "},
		Ops:      config.OpsConfig{Enabled: true},
		RSS:      []config.RSSFeed{{ID: "blog", URL: "https://example.com/feed", SeenFor: "24h"}},
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		t.Fatalf("telegram: %v", err)
	}
	if tc.PollTimeout != 10*time.Second || tc.AlertChatID != -100 || tc.AlertThreadID != 7 {
		t.Fatalf("telegram = %+v", tc)
	}

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if sc.Driver != "sqlite" || sc.Path != "relay.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("store = %+v", sc)
	}

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		t.Fatalf("ops: %v", err)
	}
	if oc.ReadTimeout != 10*time.Second || oc.WriteTimeout != 0 || oc.IdleTimeout != time.Minute {
		t.Fatalf("ops = %+v", oc)
	}

	feeds, err := mapRSSFeeds(cfg)
	if err != nil || len(feeds) != 1 || feeds[0].SeenFor != 24*time.Hour {
		t.Fatalf("feeds = %+v (%v)", feeds, err)
	}

	if !storeWatchEnabled(cfg) {
		t.Fatal("store watch should default on")
	}
	off := false
	cfg.Store.Watch = &off
	if storeWatchEnabled(cfg) {
		t.Fatal("store watch should be off")
	}
}

func TestValidateLogFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &config.Config{}
	if err := validateLogFile(context.Background(), cfg); err != nil {
		t.Fatalf("disabled: %v", err)
	}
	cfg.Logging.File.Enabled = true
	if err := validateLogFile(context.Background(), cfg); err == nil {
		t.Fatal("empty path accepted")
	}
	cfg.Logging.File.Path = filepath.Join(dir, "logs", "relay.log")
	if err := validateLogFile(context.Background(), cfg); err != nil {
		t.Fatalf("valid path: %v", err)
	}
	cfg.Logging.File.Path = dir
	if err := validateLogFile(context.Background(), cfg); err == nil {
		t.Fatal("directory accepted as log file")
	}
}

func TestMapTranslateConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	if _, ok, err := mapTranslateConfig(cfg); ok || err != nil {
		t.Fatalf("disabled: ok=%v err=%v", ok, err)
	}

	cfg.Translate = config.TranslateConfig{Enabled: true, APIKey: " k ", Timeout: "5s", RatePerMin: 30}
	tc, ok, err := mapTranslateConfig(cfg)
	if err != nil || !ok {
		t.Fatalf("enabled: ok=%v err=%v", ok, err)
	}
	if tc.APIKey != "k" || tc.Timeout != 5*time.Second || tc.RatePerMin != 30 {
		t.Fatalf("translate = %+v", tc)
	}

	cfg.Translate.Timeout = "later"
	if _, _, err := mapTranslateConfig(cfg); err == nil {
		t.Fatal("bad timeout accepted")
	}
}
