// Package config loads runtime configuration from defaults, an optional YAML
// file and FOCUS_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Prefix of every environment variable. Keys follow the struct path:
// FOCUS_SERVER_ADDR, FOCUS_STORE_DRIVER, FOCUS_FETCH_SITES_DIR, ...
const Prefix = "focus"

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig `yaml:"server"`
	Store   StoreConfig  `yaml:"store"`
	Engine  EngineConfig `yaml:"engine"`
	Fetch   FetchConfig  `yaml:"fetch"`
	Logging LogConfig    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StoreConfig selects the settings backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	// Watch reloads every open tab when the file backend changes on disk.
	Watch bool `yaml:"watch"`
}

// EngineConfig tunes the suppression engine.
type EngineConfig struct {
	Window time.Duration `yaml:"window"`
}

// FetchConfig controls upstream page loading.
type FetchConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `split_words:"true" yaml:"userAgent"`
	SitesDir  string        `split_words:"true" yaml:"sitesDir"`
	CacheTTL  time.Duration `split_words:"true" yaml:"cacheTTL"`
	// JS allows the headless browser mode for sites whose profile asks for it.
	JS bool `yaml:"js"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8081"},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   "focusshield.db",
		},
		Engine: EngineConfig{Window: 250 * time.Millisecond},
		Fetch: FetchConfig{
			Timeout:   30 * time.Second,
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64) focusshield",
			SitesDir:  "config/sites",
			CacheTTL:  30 * time.Second,
			JS:        true,
		},
		Logging: LogConfig{Level: "info"},
	}
}

// Load reads the environment over the defaults.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile overlays the YAML file at path (skipped when empty) on the
// defaults, then the environment on top.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns the
// defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate normalizes the driver name and rejects values nothing can run with.
func (c *Config) Validate() error {
	var errs []error
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case DriverSQLite, DriverFile:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store %s needs a path", c.Store.Driver))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Engine.Window <= 0 {
		errs = append(errs, fmt.Errorf("engine window must be positive, got %s", c.Engine.Window))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must be positive, got %s", c.Fetch.Timeout))
	}
	if c.Fetch.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("fetch cache TTL must not be negative, got %s", c.Fetch.CacheTTL))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
