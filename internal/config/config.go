package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Server    ServerConfig
	Analytics AnalyticsConfig
	Storage   StorageConfig
	Poll      PollConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port      int
	RateRPS   float64
	RateBurst int
}

type AnalyticsConfig struct {
	BaseURL    string
	APIKey     string
	TopK       int
	MaxRetries int
}

type StorageConfig struct {
	DataDir   string
	ResultTTL string
}

type PollConfig struct {
	Interval       string
	MaxAttempts    int
	MaxPollingTime string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4100,
			RateRPS:   20,
			RateBurst: 40,
		},
		Analytics: AnalyticsConfig{
			TopK:       5,
			MaxRetries: 3,
		},
		Storage: StorageConfig{
			DataDir:   defaultDataDir(),
			ResultTTL: "24h",
		},
		Poll: PollConfig{
			Interval:       "2s",
			MaxAttempts:    200,
			MaxPollingTime: "7m",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the config file, then applies environment
// overrides (BIRDLENS_*). The analytics API key is env-only and is never
// written to the file.
//
// Missing upstream credentials are not an error here: the server starts
// without them and the affected endpoints report a configuration error per
// request.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// AnalyticsConfigured reports whether the upstream service can be called.
func (c Config) AnalyticsConfigured() bool {
	return c.Analytics.BaseURL != "" && c.Analytics.APIKey != ""
}

// ResultTTL parses the configured retention window, falling back to 24h on
// a malformed value.
func (c Config) ResultTTL() time.Duration {
	d, err := time.ParseDuration(c.Storage.ResultTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// PollInterval parses the configured polling interval, falling back to 2s.
func (c Config) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Poll.Interval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// MaxPollingTime parses the configured polling wall-clock bound, falling
// back to 7m.
func (c Config) MaxPollingTime() time.Duration {
	d, err := time.ParseDuration(c.Poll.MaxPollingTime)
	if err != nil || d <= 0 {
		return 7 * time.Minute
	}
	return d
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "birdlens-data"
		}
	}
	return filepath.Join(dir, "birdlens")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "birdlens", "config.json")
}
