// Package config loads the host configuration file. Everything has a
// default; an absent file yields a runnable local setup. Durations are
// expressed as integer milliseconds.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the YAML file.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Exchanges []string        `yaml:"exchanges"`
	Cache     CacheConfig     `yaml:"cache"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Stream    StreamConfig    `yaml:"stream"`
	Manager   ManagerConfig   `yaml:"manager"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Bridge    BridgeConfig    `yaml:"bridge"`
}

// CacheConfig selects and parameterizes the candle cache backend.
type CacheConfig struct {
	Backend string `yaml:"backend"` // "file" or "postgres"
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn"`
}

// FetchConfig tunes the historical fetcher.
type FetchConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseMillis  int `yaml:"backoff_base_millis"`
	BackoffCapMillis   int `yaml:"backoff_cap_millis"`
	RateSleepCapMillis int `yaml:"rate_sleep_cap_millis"`
	PageLimit          int `yaml:"page_limit"`
	ExchangeSlots      int `yaml:"exchange_slots"`
}

// StreamConfig tunes the stream watcher tasks.
type StreamConfig struct {
	BackoffBaseMillis int `yaml:"backoff_base_millis"`
	BackoffCapMillis  int `yaml:"backoff_cap_millis"`
	BookCadenceMillis int `yaml:"book_cadence_millis"`
}

// ManagerConfig tunes subscription lifecycle behaviour.
type ManagerConfig struct {
	SeedBars            int `yaml:"seed_bars"`
	HighWaterMark       int `yaml:"high_water_mark"`
	ShutdownGraceMillis int `yaml:"shutdown_grace_millis"`
}

// TelemetryConfig controls the metrics/health HTTP listener.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// BridgeConfig controls the optional Redis republisher.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	DB      int    `yaml:"db"`
}

// Millis converts an integer millisecond setting to a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:  "info",
		Exchanges: []string{"coinbase", "kraken"},
		Cache: CacheConfig{
			Backend: "file",
			Dir:     "./cache",
		},
		Manager: ManagerConfig{
			SeedBars:            1000,
			HighWaterMark:       10_000,
			ShutdownGraceMillis: 2000,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
			Addr:    ":9105",
		},
		Bridge: BridgeConfig{
			Addr: "localhost:6379",
		},
	}
}

// Load reads path over the defaults. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot be acted on.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case "", "file":
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir required for the file backend")
		}
	case "postgres":
		if c.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	if c.Bridge.Enabled && c.Bridge.Addr == "" {
		return fmt.Errorf("bridge.addr required when the bridge is enabled")
	}
	if c.Telemetry.Enabled && c.Telemetry.Addr == "" {
		return fmt.Errorf("telemetry.addr required when telemetry is enabled")
	}
	return nil
}
