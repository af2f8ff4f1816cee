package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "BIRDLENS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.rate_rps", typ: kFloat, env: "BIRDLENS_SERVER_RATE_RPS",
		apply:   func(cfg *Config, v any) { cfg.Server.RateRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Server.RateRPS },
	},
	{
		key: "server.rate_burst", typ: kInt, env: "BIRDLENS_SERVER_RATE_BURST",
		apply:   func(cfg *Config, v any) { cfg.Server.RateBurst = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.RateBurst },
	},
	{
		key: "analytics.base_url", typ: kString, env: "BIRDLENS_ANALYTICS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Analytics.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Analytics.BaseURL },
	},
	{
		key: "analytics.api_key", typ: kString, env: "BIRDLENS_ANALYTICS_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Analytics.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Analytics.APIKey },
	},
	{
		key: "analytics.top_k", typ: kInt, env: "BIRDLENS_ANALYTICS_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Analytics.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Analytics.TopK },
	},
	{
		key: "analytics.max_retries", typ: kInt, env: "BIRDLENS_ANALYTICS_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Analytics.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Analytics.MaxRetries },
	},
	{
		key: "storage.data_dir", typ: kString, env: "BIRDLENS_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.result_ttl", typ: kString, env: "BIRDLENS_STORAGE_RESULT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Storage.ResultTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ResultTTL },
	},
	{
		key: "poll.interval", typ: kString, env: "BIRDLENS_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Poll.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Poll.Interval },
	},
	{
		key: "poll.max_attempts", typ: kInt, env: "BIRDLENS_POLL_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.MaxAttempts },
	},
	{
		key: "poll.max_polling_time", typ: kString, env: "BIRDLENS_POLL_MAX_POLLING_TIME",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxPollingTime = v.(string) },
		extract: func(cfg Config) any { return cfg.Poll.MaxPollingTime },
	},
	{
		key: "log.level", typ: kString, env: "BIRDLENS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
