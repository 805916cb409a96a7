// Package config loads loreweave configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all loreweave configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Engine defaults for compilation and assembly
	Engine EngineConfig `yaml:"engine"`

	// Compiled-context cache
	Cache CacheConfig `yaml:"cache"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig holds engine-level defaults.
type EngineConfig struct {
	// DefaultScanDepth is the lorebook scan depth used when a book does not
	// set one. 0 scans the full working text.
	DefaultScanDepth int `yaml:"default_scan_depth"`

	// DefaultUserName substitutes {{user}} when the caller supplies none.
	DefaultUserName string `yaml:"default_user_name"`
}

// CacheConfig configures the compiled-context cache.
type CacheConfig struct {
	// Path is the SQLite database file for persistent caching.
	// Empty means in-memory only.
	Path string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "loreweave",
		Version: "0.3.0",

		Engine: EngineConfig{
			DefaultScanDepth: 0,
			DefaultUserName:  "User",
		},

		Cache: CacheConfig{
			Path: "",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("LOREWEAVE_CACHE_PATH"); path != "" {
		c.Cache.Path = path
	}
	if name := os.Getenv("LOREWEAVE_USER_NAME"); name != "" {
		c.Engine.DefaultUserName = name
	}
	if depth := os.Getenv("LOREWEAVE_SCAN_DEPTH"); depth != "" {
		if n, err := strconv.Atoi(depth); err == nil && n >= 0 {
			c.Engine.DefaultScanDepth = n
		}
	}
	if debug := os.Getenv("LOREWEAVE_DEBUG"); debug != "" {
		if v, err := strconv.ParseBool(debug); err == nil {
			c.Logging.DebugMode = v
		}
	}
	if level := os.Getenv("LOREWEAVE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}
