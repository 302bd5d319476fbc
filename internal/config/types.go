package config

// Config is the process configuration. It is read from JSON or YAML and
// re-read when the file changes.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Relay     RelayConfig     `json:"relay"`
	Store     StoreConfig     `json:"store"`
	Ops       OpsConfig       `json:"ops,omitempty"`
	RSS       []RSSFeed       `json:"rss,omitempty"`
	Translate TranslateConfig `json:"translate,omitempty"`

	// RSSAllowPrivate lets feeds resolve to private or loopback addresses
	// and non-standard ports. Off by default.
	RSSAllowPrivate bool `json:"rss_allow_private,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout. Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec caps outgoing API calls. Default 25.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Sources restricts which chats are relayed. Empty accepts all.
	Sources        []int64 `json:"sources,omitempty"`
	DisablePreview bool    `json:"disable_preview,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards warn+ records to an operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// RelayConfig tunes the ingestion engine and the per-task worker pools.
// Zero values fall back to the engine defaults.
type RelayConfig struct {
	QueueSize    int    `json:"queue_size,omitempty"`
	Distributors int    `json:"distributors,omitempty"`
	DrainGrace   string `json:"drain_grace,omitempty"`

	// ReloadEvery is a cron spec for a periodic safety reload
	// (e.g. "@every 5m"). Empty disables it.
	ReloadEvery string `json:"reload_every,omitempty"`

	// SettingsTTL bounds how long cached destination settings live.
	SettingsTTL string `json:"settings_ttl,omitempty"`

	Pool  PoolConfig  `json:"pool"`
	Album AlbumConfig `json:"album"`
}

type PoolConfig struct {
	QueueSize      int    `json:"queue_size,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	BatchSize      int    `json:"batch_size,omitempty"`
	BatchPause     string `json:"batch_pause,omitempty"`
	BatchTimeout   string `json:"batch_timeout,omitempty"`
	EnqueueTimeout string `json:"enqueue_timeout,omitempty"`

	MaxRetries    *int    `json:"max_retries,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	RetryJitter   float64 `json:"retry_jitter,omitempty"`
	CircuitTrip   int     `json:"circuit_trip,omitempty"`
}

type AlbumConfig struct {
	Quiet      string `json:"quiet,omitempty"`
	MaxIdle    string `json:"max_idle,omitempty"`
	MaxEntries int    `json:"max_entries,omitempty"`
	SweepEvery string `json:"sweep_every,omitempty"`
}

// StoreConfig selects where tasks and destination settings live. Driver is
// "file", "sqlite" or "postgres".
//
// Example:
//
//	"store": { "driver": "file", "path": "./relay.yaml" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres URL (do not log)
	// Watch reloads the engine when a file store is edited. Default true.
	Watch *bool `json:"watch,omitempty"`
}

// OpsConfig controls the operations HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token
// or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8090"
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// RSSFeed polls one RSS or Atom feed as a relay source. Tasks refer to it
// by "rss:<id>".
type RSSFeed struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 10m"
	Timeout  string `json:"timeout,omitempty"`
	// SeenFor is how long an item id is remembered. Default "720h".
	SeenFor string `json:"seen_for,omitempty"`
}

// TranslateConfig enables the Gemini backend for destinations that set a
// translation target. Without it the translation stage is skipped.
type TranslateConfig struct {
	Enabled    bool   `json:"enabled"`
	APIKey     string `json:"api_key,omitempty"` // falls back to $GEMINI_API_KEY
	Model      string `json:"model,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	CacheSize  int    `json:"cache_size,omitempty"`
}
