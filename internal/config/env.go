package config

import (
	"os"
	"strings"
)

// Environment variables that fill secrets left empty in the file. The
// process may load them from a .env file first.
const (
	EnvTelegramToken = "FEEDRELAY_TELEGRAM_TOKEN"
	EnvOpsToken      = "FEEDRELAY_OPS_TOKEN"
	EnvStoreDSN      = "FEEDRELAY_STORE_DSN"
	EnvGeminiKey     = "GEMINI_API_KEY"
)

// ApplyEnv copies secrets from the environment into empty fields. Values
// set in the file win.
func (c *Config) ApplyEnv() {
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) != "" {
			return
		}
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	fill(&c.Telegram.Token, EnvTelegramToken)
	fill(&c.Ops.Token, EnvOpsToken)
	fill(&c.Store.DSN, EnvStoreDSN)
	if c.Translate.Enabled {
		fill(&c.Translate.APIKey, EnvGeminiKey)
	}
}
