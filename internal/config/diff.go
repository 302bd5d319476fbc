package config

import (
	"reflect"
	"sort"
	"strings"

	logx "feedrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		ot.RatePerSec != nt.RatePerSec ||
		ot.DisablePreview != nt.DisablePreview ||
		!reflect.DeepEqual(ot.Sources, nt.Sources) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.rate_per_sec", nt.RatePerSec),
			logx.Int("telegram.source_count", len(nt.Sources)),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.queue_size", newCfg.Relay.QueueSize),
			logx.Int("relay.distributors", newCfg.Relay.Distributors),
			logx.Int("relay.pool.workers", newCfg.Relay.Pool.Workers),
			logx.String("relay.reload_every", strings.TrimSpace(newCfg.Relay.ReloadEvery)),
		)
	}

	ost, ns := oldCfg.Store, newCfg.Store
	if strings.TrimSpace(ost.Driver) != strings.TrimSpace(ns.Driver) ||
		strings.TrimSpace(ost.Path) != strings.TrimSpace(ns.Path) ||
		strings.TrimSpace(ost.BusyTimeout) != strings.TrimSpace(ns.BusyTimeout) ||
		ost.DSN != ns.DSN ||
		!reflect.DeepEqual(ost.Watch, ns.Watch) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("store.path_set", strings.TrimSpace(ns.Path) != ""),
			logx.Bool("store.dsn_changed", ost.DSN != ns.DSN),
		)
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	opsTokenChanged := oo.Token != no.Token
	oo.Token, no.Token = tokenMark(oo.Token), tokenMark(no.Token)
	if oo != no || opsTokenChanged {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", strings.TrimSpace(no.Addr)),
			logx.Bool("ops.token_set", no.Token != ""),
			logx.Bool("ops.token_changed", opsTokenChanged),
			logx.Bool("ops.pprof", no.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.RSS, newCfg.RSS) || oldCfg.RSSAllowPrivate != newCfg.RSSAllowPrivate {
		changed = append(changed, "rss")
		attrs = append(attrs, logx.Int("rss.feed_count", len(newCfg.RSS)))
	}

	ox, nx := oldCfg.Translate, newCfg.Translate
	translateKeyChanged := ox.APIKey != nx.APIKey
	ox.APIKey, nx.APIKey = tokenMark(ox.APIKey), tokenMark(nx.APIKey)
	if ox != nx || translateKeyChanged {
		changed = append(changed, "translate")
		attrs = append(attrs,
			logx.Bool("translate.enabled", nx.Enabled),
			logx.String("translate.model", nx.Model),
			logx.Bool("translate.key_changed", translateKeyChanged),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// tokenMark keeps only whether a token is set.
func tokenMark(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	return "set"
}

// RestartRequired lists changed sections that only take effect after a
// process restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "relay", "store", "ops", "rss", "translate":
			out = append(out, s)
		}
	}
	return out
}
