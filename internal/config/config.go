// Package config loads CLI settings from fivesync.yaml, FIVESYNC_* environment
// variables and command-line flags.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. FIVESYNC_DATABASE
const EnvPrefix = "FIVESYNC"

// Source is a diff server the device syncs from
type Source struct {
	ID    int64  `mapstructure:"id"`
	Name  string `mapstructure:"name"`
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"` // pre-issued token; JWT secret is used when empty
}

// Log configures the process logger
type Log struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
	File   string `mapstructure:"file"`   // rotated log file; stderr when empty
	MaxMB  int    `mapstructure:"max_mb"`
}

// Cache configures the content cache volume
type Cache struct {
	Root string `mapstructure:"root"`
}

// Server configures the diff server
type Server struct {
	Addr            string        `mapstructure:"addr"`
	DatabaseURL     string        `mapstructure:"database_url"` // in-memory feed when empty
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the full CLI configuration
type Config struct {
	Database  string        `mapstructure:"database"` // local SQLite library
	JWTSecret string        `mapstructure:"jwt_secret"`
	UserID    string        `mapstructure:"user_id"`
	DeviceID  string        `mapstructure:"device_id"`
	PageSize  int           `mapstructure:"page_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Sources   []Source      `mapstructure:"sources"`
	Cache     Cache         `mapstructure:"cache"`
	Server    Server        `mapstructure:"server"`
	Log       Log           `mapstructure:"log"`
}

// New returns a viper instance with defaults and environment binding set up.
// Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("database", "fivesync.db")
	v.SetDefault("device_id", "cli")
	v.SetDefault("page_size", 500)
	v.SetDefault("timeout", 60*time.Second)
	v.SetDefault("cache.root", "cache")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_mb", 50)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or fivesync.yaml from the working directory when file is
// empty) into a Config. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("fivesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields every command relies on
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	seen := make(map[int64]bool, len(c.Sources))
	for _, s := range c.Sources {
		if s.ID <= 0 {
			return fmt.Errorf("source %q: id must be positive", s.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate source id %d", s.ID)
		}
		seen[s.ID] = true
		if s.URL == "" {
			return fmt.Errorf("source %d: url cannot be empty", s.ID)
		}
	}
	return nil
}

// Source returns the configured source with the given id
func (c *Config) Source(id int64) (Source, bool) {
	for _, s := range c.Sources {
		if s.ID == id {
			return s, true
		}
	}
	return Source{}, false
}
