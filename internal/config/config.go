// SPDX-License-Identifier: MIT

// Package config loads daemon configuration from an optional YAML file
// merged with environment overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// DataDir is the daemon state directory.
	DataDir string `yaml:"dataDir"`

	// LibraryDB is the path of the sqlite library database.
	LibraryDB string `yaml:"libraryDb"`

	// FFmpegPath is the transcoder binary. Resolved via PATH when empty.
	FFmpegPath string `yaml:"ffmpegPath"`

	Cache   CacheConfig   `yaml:"cache"`
	Redis   RedisConfig   `yaml:"redis"`
	Session SessionConfig `yaml:"session"`

	LogLevel string `yaml:"logLevel"`
}

// CacheConfig bounds the on-disk DASH asset cache.
type CacheConfig struct {
	Dir          string        `yaml:"dir"`
	BudgetBytes  int64         `yaml:"budgetBytes"`
	TargetRatio  float64       `yaml:"targetRatio"`
	MinRetention time.Duration `yaml:"minRetention"`
}

// RedisConfig holds the shared store connection. An empty Addr disables
// the shared store; the core then runs with local-only guarantees.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SessionConfig holds playback session and token parameters.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	TokenSecret   string        `yaml:"tokenSecret"`
	TokenTTL      time.Duration `yaml:"tokenTTL"`
	ReadyDeadline time.Duration `yaml:"readyDeadline"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:    ":8089",
		DataDir:   "/var/lib/soundspan",
		LibraryDB: "/var/lib/soundspan/library.db",
		Cache: CacheConfig{
			Dir:          "/var/cache/soundspan/dash",
			BudgetBytes:  10 << 30, // 10 GiB
			TargetRatio:  0.8,
			MinRetention: 30 * time.Minute,
		},
		Session: SessionConfig{
			TTL:           10 * time.Minute,
			TokenTTL:      5 * time.Minute,
			ReadyDeadline: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load resolves the configuration from defaults, the optional YAML file
// at path, and environment overrides, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = ParseString("SOUNDSPAN_LISTEN", cfg.Listen)
	cfg.DataDir = ParseString("SOUNDSPAN_DATA_DIR", cfg.DataDir)
	cfg.LibraryDB = ParseString("SOUNDSPAN_LIBRARY_DB", cfg.LibraryDB)
	cfg.FFmpegPath = ParseString("SOUNDSPAN_FFMPEG", cfg.FFmpegPath)
	cfg.LogLevel = ParseString("SOUNDSPAN_LOG_LEVEL", cfg.LogLevel)

	cfg.Cache.Dir = ParseString("SOUNDSPAN_CACHE_DIR", cfg.Cache.Dir)
	cfg.Cache.BudgetBytes = ParseInt64("SOUNDSPAN_CACHE_BUDGET_BYTES", cfg.Cache.BudgetBytes)
	cfg.Cache.MinRetention = ParseDuration("SOUNDSPAN_CACHE_MIN_RETENTION", cfg.Cache.MinRetention)

	cfg.Redis.Addr = ParseString("SOUNDSPAN_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = ParseString("SOUNDSPAN_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("SOUNDSPAN_REDIS_DB", cfg.Redis.DB)

	cfg.Session.TTL = ParseDuration("SOUNDSPAN_SESSION_TTL", cfg.Session.TTL)
	cfg.Session.TokenSecret = ParseString("SOUNDSPAN_TOKEN_SECRET", cfg.Session.TokenSecret)
	cfg.Session.TokenTTL = ParseDuration("SOUNDSPAN_TOKEN_TTL", cfg.Session.TokenTTL)
	cfg.Session.ReadyDeadline = ParseDuration("SOUNDSPAN_READY_DEADLINE", cfg.Session.ReadyDeadline)
}

func (c Config) validate() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("config: cache.dir must not be empty")
	}
	if c.Cache.TargetRatio <= 0 || c.Cache.TargetRatio > 1 {
		return fmt.Errorf("config: cache.targetRatio must be in (0,1], got %v", c.Cache.TargetRatio)
	}
	if c.Session.TokenSecret == "" {
		return fmt.Errorf("config: session.tokenSecret is required")
	}
	if c.Session.TTL <= 0 || c.Session.TokenTTL <= 0 {
		return fmt.Errorf("config: session TTLs must be positive")
	}
	return nil
}
