// Package config provides configuration loading and management for
// semresearch.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semresearch/source/weburl"
	"github.com/c360studio/semresearch/workflow/engine"
)

// Source fetch modes.
const (
	FetchModeBackend = "backend"
	FetchModeLocal   = "local"
)

// Config represents the complete semresearch configuration
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Auth     AuthConfig     `yaml:"auth"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Sources  SourcesConfig  `yaml:"sources"`
	Events   EventsConfig   `yaml:"events"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// BackendConfig configures the research service connection
type BackendConfig struct {
	// URL is the service base URL (default: http://localhost:8000)
	URL string `yaml:"url"`
	// Timeout bounds each single-shot request; streams run until the step
	// ends or is canceled
	Timeout time.Duration `yaml:"timeout"`
	// RetryAttempts bounds attempts to open a GET stream that fails before
	// the service answers (default 1: no retries)
	RetryAttempts int `yaml:"retry_attempts"`
}

// AuthConfig configures where the bearer token lives
type AuthConfig struct {
	// TokenFile stores the token between sessions ("~" expands to home)
	TokenFile string `yaml:"token_file"`
	// Watch reloads the token when another process logs in or out
	Watch bool `yaml:"watch"`
}

// WorkflowConfig configures step behavior
type WorkflowConfig struct {
	// EmptyStream is "error" or "stay"
	EmptyStream string `yaml:"empty_stream"`
	// AutoSelect selects every query and source when a stream completes
	AutoSelect bool `yaml:"auto_select"`
}

// SourcesConfig configures search result filtering and source fetching
type SourcesConfig struct {
	// FetchMode is "backend" or "local"
	FetchMode string `yaml:"fetch_mode"`
	// Exclude lists doublestar patterns matched against host or host/path
	Exclude        []string      `yaml:"exclude,omitempty"`
	Timeout        time.Duration `yaml:"timeout"`
	UserAgent      string        `yaml:"user_agent"`
	MaxContentSize int64         `yaml:"max_content_size"`
	AllowHTTP      bool          `yaml:"allow_http"`
	Concurrency    int           `yaml:"concurrency"`
}

// EventsConfig configures lifecycle event publishing
type EventsConfig struct {
	// NATSURL enables publishing when set
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	// Fragments also publishes one event per stream fragment
	Fragments bool `yaml:"fragments"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr enables /metrics on this address when set (e.g. ":9090")
	Addr string `yaml:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
	// File receives logs instead of stderr ("~" expands to home)
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:           "http://localhost:8000",
			Timeout:       3 * time.Minute,
			RetryAttempts: 1,
		},
		Auth: AuthConfig{
			TokenFile: "~/" + UserConfigDir + "/token",
			Watch:     true,
		},
		Workflow: WorkflowConfig{
			EmptyStream: string(engine.EmptyStreamError),
		},
		Sources: SourcesConfig{
			FetchMode:      FetchModeBackend,
			Timeout:        30 * time.Second,
			MaxContentSize: 5 << 20,
			Concurrency:    4,
		},
		Events: EventsConfig{
			SubjectPrefix: "semresearch.workflow",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.url must be an http(s) URL, got %q", c.Backend.URL)
	}
	if c.Backend.Timeout < 0 {
		return fmt.Errorf("backend.timeout must not be negative")
	}
	if c.Backend.RetryAttempts < 0 {
		return fmt.Errorf("backend.retry_attempts must not be negative")
	}
	if c.Auth.TokenFile == "" {
		return fmt.Errorf("auth.token_file is required")
	}
	if _, err := engine.ParseEmptyStreamPolicy(c.Workflow.EmptyStream); err != nil {
		return fmt.Errorf("workflow.empty_stream: %w", err)
	}
	switch c.Sources.FetchMode {
	case FetchModeBackend, FetchModeLocal:
	default:
		return fmt.Errorf("sources.fetch_mode must be %q or %q, got %q", FetchModeBackend, FetchModeLocal, c.Sources.FetchMode)
	}
	if _, err := weburl.NewFilter(c.Sources.Exclude); err != nil {
		return fmt.Errorf("sources.exclude: %w", err)
	}
	if c.Sources.Timeout < 0 {
		return fmt.Errorf("sources.timeout must not be negative")
	}
	if c.Sources.MaxContentSize < 0 {
		return fmt.Errorf("sources.max_content_size must not be negative")
	}
	if c.Sources.Concurrency < 0 {
		return fmt.Errorf("sources.concurrency must not be negative")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := config.apply(path); err != nil {
		return nil, err
	}
	return config, nil
}

// apply overlays the YAML file at path. Keys absent from the file keep their
// current values, so layers compose without a field-by-field merge.
func (c *Config) apply(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading "~" in path with home.
func ExpandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		return filepath.Join(home, rest)
	}
	return path
}
