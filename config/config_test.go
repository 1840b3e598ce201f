package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default config invalid: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Platform.BaseURL != Default().Platform.BaseURL {
		t.Errorf("BaseURL = %q", cfg.Platform.BaseURL)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
platform:
  base_url: https://api.example.com
realtime:
  url: nats://realtime.example.com:4222
security:
  idle_lock: 5m
  page_size: 25
storage:
  path: /tmp/state.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Platform.BaseURL)
	assert.Equal(t, "nats://realtime.example.com:4222", cfg.Realtime.URL)
	assert.Equal(t, 5*time.Minute, cfg.Security.IdleLock)
	assert.Equal(t, 25, cfg.Security.PageSize)
	assert.Equal(t, "/tmp/state.db", cfg.Storage.Path)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("platform:\n  base_url: https://file.example.com\n"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("VEILCHAT_PLATFORM_URL", "https://env.example.com")
	t.Setenv("VEILCHAT_IDLE_LOCK", "30s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Platform.BaseURL != "https://env.example.com" {
		t.Errorf("Env override lost: %q", cfg.Platform.BaseURL)
	}
	if cfg.Security.IdleLock != 30*time.Second {
		t.Errorf("IdleLock = %v", cfg.Security.IdleLock)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty platform url", func(c *Config) { c.Platform.BaseURL = "" }},
		{"empty realtime url", func(c *Config) { c.Realtime.URL = "" }},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero page size", func(c *Config) { c.Security.PageSize = 0 }},
		{"negative idle lock", func(c *Config) { c.Security.IdleLock = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}

func TestLoadRejectsMalformedYaml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("platform: [not a map"), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load accepted malformed yaml")
	}
}
