// Package config loads the client configuration from a yaml file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full client configuration.
type Config struct {
	Platform PlatformConfig `yaml:"platform"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Security SecurityConfig `yaml:"security"`
	Storage  StorageConfig  `yaml:"storage"`
}

// PlatformConfig locates the remote REST platform.
type PlatformConfig struct {
	BaseURL string `yaml:"base_url"`
}

// RealtimeConfig locates the realtime pub/sub backend.
type RealtimeConfig struct {
	URL        string `yaml:"url"`
	ClientName string `yaml:"client_name"`
}

// SecurityConfig tunes the access gate.
type SecurityConfig struct {
	IdleLock time.Duration `yaml:"idle_lock"`
	PageSize int           `yaml:"page_size"`
}

// StorageConfig locates the local state database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Platform: PlatformConfig{
			BaseURL: "http://localhost:8080",
		},
		Realtime: RealtimeConfig{
			URL:        "nats://localhost:4222",
			ClientName: "veilchat",
		},
		Security: SecurityConfig{
			IdleLock: 60 * time.Second,
			PageSize: 50,
		},
		Storage: StorageConfig{
			Path: "veilchat.db",
		},
	}
}

// Load reads the config file at path (missing file falls back to
// defaults), applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("VEILCHAT_PLATFORM_URL"); v != "" {
		c.Platform.BaseURL = v
	}
	if v := os.Getenv("VEILCHAT_REALTIME_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("VEILCHAT_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("VEILCHAT_IDLE_LOCK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Security.IdleLock = d
		}
	}
}

// Validate rejects configurations the client cannot run with.
func (c *Config) Validate() error {
	if c.Platform.BaseURL == "" {
		return fmt.Errorf("platform base_url is required")
	}
	if c.Realtime.URL == "" {
		return fmt.Errorf("realtime url is required")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Security.PageSize < 1 {
		return fmt.Errorf("page_size must be at least 1")
	}
	if c.Security.IdleLock < 0 {
		return fmt.Errorf("idle_lock must not be negative")
	}
	return nil
}
