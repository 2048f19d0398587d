package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Backend.URL != "http://localhost:8000" {
		t.Errorf("expected default backend http://localhost:8000, got %s", cfg.Backend.URL)
	}
	if cfg.Backend.Timeout != 3*time.Minute {
		t.Errorf("expected default timeout 3m, got %v", cfg.Backend.Timeout)
	}
	if cfg.Backend.RetryAttempts != 1 {
		t.Errorf("expected a single attempt by default, got %d", cfg.Backend.RetryAttempts)
	}
	if cfg.Workflow.EmptyStream != "error" {
		t.Errorf("expected empty_stream error, got %s", cfg.Workflow.EmptyStream)
	}
	if cfg.Sources.FetchMode != FetchModeBackend {
		t.Errorf("expected fetch_mode backend, got %s", cfg.Sources.FetchMode)
	}
	if !cfg.Auth.Watch {
		t.Error("expected token watch on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "missing backend url", modify: func(c *Config) { c.Backend.URL = "" }, wantErr: true},
		{name: "backend url without scheme", modify: func(c *Config) { c.Backend.URL = "localhost:8000" }, wantErr: true},
		{name: "negative backend timeout", modify: func(c *Config) { c.Backend.Timeout = -time.Second }, wantErr: true},
		{name: "negative retry attempts", modify: func(c *Config) { c.Backend.RetryAttempts = -1 }, wantErr: true},
		{name: "missing token file", modify: func(c *Config) { c.Auth.TokenFile = "" }, wantErr: true},
		{name: "stay policy", modify: func(c *Config) { c.Workflow.EmptyStream = "stay" }},
		{name: "unknown policy", modify: func(c *Config) { c.Workflow.EmptyStream = "retry" }, wantErr: true},
		{name: "local fetch", modify: func(c *Config) { c.Sources.FetchMode = FetchModeLocal }},
		{name: "unknown fetch mode", modify: func(c *Config) { c.Sources.FetchMode = "proxy" }, wantErr: true},
		{name: "good exclude", modify: func(c *Config) { c.Sources.Exclude = []string{"*.pinterest.com"} }},
		{name: "bad exclude", modify: func(c *Config) { c.Sources.Exclude = []string{"a/[b"} }, wantErr: true},
		{name: "negative size", modify: func(c *Config) { c.Sources.MaxContentSize = -1 }, wantErr: true},
		{name: "negative concurrency", modify: func(c *Config) { c.Sources.Concurrency = -2 }, wantErr: true},
		{name: "unknown log level", modify: func(c *Config) { c.Log.Level = "verbose" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
backend:
  url: "https://research.example.com"
  timeout: 90s
auth:
  watch: false
workflow:
  empty_stream: stay
sources:
  fetch_mode: local
  exclude:
    - "*.pinterest.com"
    - "example.com/ads/**"
  allow_http: true
events:
  nats_url: "nats://localhost:4222"
metrics:
  addr: ":9090"
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	cfg, err := LoadFromFile(configPath)
	require.NoError(t, err)

	assert.Equal(t, "https://research.example.com", cfg.Backend.URL)
	assert.Equal(t, 90*time.Second, cfg.Backend.Timeout)
	assert.False(t, cfg.Auth.Watch, "explicit false overrides a true default")
	assert.Equal(t, "stay", cfg.Workflow.EmptyStream)
	assert.Equal(t, FetchModeLocal, cfg.Sources.FetchMode)
	assert.Equal(t, []string{"*.pinterest.com", "example.com/ads/**"}, cfg.Sources.Exclude)
	assert.True(t, cfg.Sources.AllowHTTP)
	assert.Equal(t, "nats://localhost:4222", cfg.Events.NATSURL)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	// Untouched keys keep defaults.
	assert.Equal(t, "semresearch.workflow", cfg.Events.SubjectPrefix)
	assert.Equal(t, 30*time.Second, cfg.Sources.Timeout)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("backend: [unclosed"), 0o644))
	_, err = LoadFromFile(bad)
	assert.Error(t, err)
}

func TestConfigSaveToFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Backend.URL = "https://saved.example.com"
	cfg.Backend.Timeout = 45 * time.Second

	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadFromFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "https://saved.example.com", loaded.Backend.URL)
	assert.Equal(t, 45*time.Second, loaded.Backend.Timeout)
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		path, home, want string
	}{
		{"~/.config/semresearch/token", "/home/ada", "/home/ada/.config/semresearch/token"},
		{"~", "/home/ada", "/home/ada"},
		{"/etc/token", "/home/ada", "/etc/token"},
		{"~other/token", "/home/ada", "~other/token"},
		{"~/token", "", "~/token"},
	}
	for _, tt := range tests {
		if got := ExpandHome(tt.path, tt.home); got != tt.want {
			t.Errorf("ExpandHome(%q, %q) = %q, want %q", tt.path, tt.home, got, tt.want)
		}
	}
}
