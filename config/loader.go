package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semresearch.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semresearch"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger  *slog.Logger
	home    string
	workDir string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir overrides the home directory used for the user config and
// "~" expansion.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.home = dir
	}
}

// WithWorkDir overrides where the project config search starts.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.workDir = dir
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	if l.home == "" {
		l.home, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semresearch/config.yaml)
// 3. Project config (semresearch.yaml in current or parent directories)
// 4. overrides, typically from command-line flags
//
// A malformed user or project file is an error rather than silently ignored.
func (l *Loader) Load(overrides ...func(*Config)) (*Config, error) {
	config := DefaultConfig()

	if path := l.UserConfigPath(); path != "" {
		err := config.apply(path)
		switch {
		case err == nil:
			l.logger.Debug("Loaded user config", slog.String("path", path))
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}

	if path := l.findProjectConfig(); path != "" {
		if err := config.apply(path); err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded project config", slog.String("path", path))
	} else {
		l.logger.Debug("No project config found")
	}

	for _, override := range overrides {
		override(config)
	}

	config.Auth.TokenFile = ExpandHome(config.Auth.TokenFile, l.home)
	config.Log.File = ExpandHome(config.Log.File, l.home)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't
// exist and returns its path.
func (l *Loader) EnsureUserConfig() (string, error) {
	path := l.UserConfigPath()
	if path == "" {
		return "", errors.New("no home directory for user config")
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	if err := DefaultConfig().SaveToFile(path); err != nil {
		return "", err
	}
	l.logger.Info("Created default user config", slog.String("path", path))
	return path, nil
}

// UserConfigPath returns the path to the user config file
func (l *Loader) UserConfigPath() string {
	if l.home == "" {
		return ""
	}
	return filepath.Join(l.home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semresearch.yaml in the work directory and
// its parents
func (l *Loader) findProjectConfig() string {
	if l.workDir == "" {
		return ""
	}
	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
