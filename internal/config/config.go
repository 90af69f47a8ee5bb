// Package config holds panelplugd runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xfeldman/panelplug/internal/display"
)

// Config holds panelplugd runtime configuration. Every field can be set from
// a YAML file; unset fields keep their defaults.
type Config struct {
	// DataDir is the base directory for runtime data.
	DataDir string `yaml:"data_dir"`

	// PluginsDir holds plugin descriptors (*.yaml).
	PluginsDir string `yaml:"plugins_dir"`

	// DisplaySocket is the unix socket the display server listens on.
	// PANELPLUG_DISPLAY overrides it.
	DisplaySocket string `yaml:"display_socket"`

	// ControlSocket is the unix socket of the panelplugd control API.
	ControlSocket string `yaml:"control_socket"`

	// DBPath is the path to the SQLite item registry.
	DBPath string `yaml:"db_path"`

	// LogsDir is the directory for per-item plugin logs.
	LogsDir string `yaml:"logs_dir"`

	// AttachTimeout bounds the wait for a spawned plugin to attach.
	AttachTimeout time.Duration `yaml:"attach_timeout"`

	// ReapGrace is how long a plugin process may linger after its window
	// is gone before it is killed.
	ReapGrace time.Duration `yaml:"reap_grace"`

	// ShutdownTimeout bounds the wait for plugins to leave on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AutosaveInterval is how often every item is asked to save its
	// settings. Zero disables autosave.
	AutosaveInterval time.Duration `yaml:"autosave_interval"`

	// PanelSize is the initial size passed to plugins.
	PanelSize int `yaml:"panel_size"`

	// ScreenPosition is the initial screen position name or ordinal.
	ScreenPosition string `yaml:"screen_position"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".panelplug")

	return &Config{
		DataDir:          filepath.Join(baseDir, "data"),
		PluginsDir:       filepath.Join(baseDir, "plugins"),
		DisplaySocket:    filepath.Join(runtimeDir(baseDir), "display.sock"),
		ControlSocket:    filepath.Join(runtimeDir(baseDir), "panelplugd.sock"),
		DBPath:           filepath.Join(baseDir, "data", "panel.db"),
		LogsDir:          filepath.Join(baseDir, "data", "logs"),
		AttachTimeout:    10 * time.Second,
		ReapGrace:        2 * time.Second,
		ShutdownTimeout:  5 * time.Second,
		AutosaveInterval: 5 * time.Minute,
		PanelSize:        48,
		ScreenPosition:   "s",
		LogLevel:         "info",
	}
}

// Load returns the defaults overridden by the YAML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.AttachTimeout <= 0 {
		return nil, fmt.Errorf("config %s: attach_timeout must be positive", path)
	}
	return cfg, nil
}

// DisplayAddr returns the display socket, honouring PANELPLUG_DISPLAY.
func (c *Config) DisplayAddr() string {
	if addr := os.Getenv(display.EnvDisplay); addr != "" {
		return addr
	}
	return c.DisplaySocket
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		c.PluginsDir,
		filepath.Dir(c.DisplaySocket),
		filepath.Dir(c.ControlSocket),
		filepath.Dir(c.DBPath),
		c.LogsDir,
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
