package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Validate checks fields that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add(errors.New("telegram.token (or $" + EnvTelegramToken + ") is required"))
	}
	_, err := ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout)
	add(err)
	if c.Logging.Alert.Enabled && c.Logging.Alert.ChatID == 0 {
		add(errors.New("logging.alert.chat_id is required when alerts are enabled"))
	}

	r := c.Relay
	for path, raw := range map[string]string{
		"relay.drain_grace":          r.DrainGrace,
		"relay.settings_ttl":         r.SettingsTTL,
		"relay.pool.batch_pause":     r.Pool.BatchPause,
		"relay.pool.batch_timeout":   r.Pool.BatchTimeout,
		"relay.pool.enqueue_timeout": r.Pool.EnqueueTimeout,
		"relay.pool.retry_base":      r.Pool.RetryBase,
		"relay.pool.retry_max_delay": r.Pool.RetryMaxDelay,
		"relay.album.quiet":          r.Album.Quiet,
		"relay.album.max_idle":       r.Album.MaxIdle,
		"relay.album.sweep_every":    r.Album.SweepEvery,
		"ops.read_timeout":           c.Ops.ReadTimeout,
		"ops.write_timeout":          c.Ops.WriteTimeout,
		"ops.idle_timeout":           c.Ops.IdleTimeout,
		"store.busy_timeout":         c.Store.BusyTimeout,
		"translate.timeout":          c.Translate.Timeout,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	if r.Pool.RetryJitter < 0 || r.Pool.RetryJitter > 1 {
		add(fmt.Errorf("relay.pool.retry_jitter must be within [0,1], got %v", r.Pool.RetryJitter))
	}
	if s := strings.TrimSpace(r.ReloadEvery); s != "" {
		if _, err := ParseSchedule(s); err != nil {
			add(fmt.Errorf("relay.reload_every: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Store.Path) == "" {
			add(errors.New("store.path is required"))
		}
	case "postgres", "postgresql":
		if u, err := url.Parse(strings.TrimSpace(c.Store.DSN)); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			add(errors.New("store.dsn must be a postgres:// URL"))
		}
	default:
		add(fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.Ops.Enabled {
		add(validateOpsAddr(c.Ops))
	}

	if c.Translate.Enabled {
		if strings.TrimSpace(c.Translate.APIKey) == "" {
			add(errors.New("translate.api_key (or $" + EnvGeminiKey + ") is required when translation is enabled"))
		}
		if c.Translate.RatePerMin < 0 {
			add(errors.New("translate.rate_per_min must not be negative"))
		}
	}

	ids := map[string]struct{}{}
	for i, f := range c.RSS {
		p := fmt.Sprintf("rss[%d]", i)
		if strings.TrimSpace(f.ID) == "" {
			add(fmt.Errorf("%s.id is required", p))
		} else if _, dup := ids[f.ID]; dup {
			add(fmt.Errorf("%s.id %q is duplicated", p, f.ID))
		}
		ids[f.ID] = struct{}{}
		if u, err := url.Parse(f.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			add(fmt.Errorf("%s.url must be an http(s) URL", p))
		}
		if s := strings.TrimSpace(f.Schedule); s != "" {
			if _, err := ParseSchedule(s); err != nil {
				add(fmt.Errorf("%s.schedule: %w", p, err))
			}
		}
		_, err := ParseDurationField(p+".timeout", f.Timeout)
		add(err)
		_, err = ParseDurationField(p+".seen_for", f.SeenFor)
		add(err)
	}
	return errors.Join(errs...)
}

func validateOpsAddr(o OpsConfig) error {
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		return nil
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("ops.addr: %w", err)
	}
	if isLoopback(host) || o.AllowInsecure || strings.TrimSpace(o.Token) != "" {
		return nil
	}
	return fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr)
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
