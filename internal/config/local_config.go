// Package config reads the fieldvault data directory's config.yaml.
//
// The file is read directly rather than through the viper singleton so that
// callers can inspect configuration before viper is initialized, or read a
// different data directory than the one the CLI was started in.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalConfig represents config.yaml inside a fieldvault data directory
// (the directory holding the embedded database).
type LocalConfig struct {
	// Application is the default application namespace for CLI calls.
	Application string `yaml:"application"`

	// Actor is the default actor attributed to writes when no --actor flag
	// or FV_ACTOR variable is set.
	Actor string `yaml:"actor"`

	// Database is the database name within dolt (default "fieldvault").
	Database string `yaml:"database"`

	// Server-mode settings. When server is true, the CLI connects to a
	// MySQL-compatible sql-server instead of the embedded engine.
	Server     bool   `yaml:"server"`
	ServerHost string `yaml:"server-host"`
	ServerPort int    `yaml:"server-port"`
	ServerUser string `yaml:"server-user"`
	ServerTLS  bool   `yaml:"server-tls"`

	// LogLevel sets the logrus level: debug, info, warn, error.
	LogLevel string `yaml:"log-level"`
}

// LoadLocalConfig reads and parses config.yaml from the given data directory.
// Returns an empty LocalConfig (not nil) if the file doesn't exist or can't
// be parsed; missing configuration is never fatal.
func LoadLocalConfig(dataDir string) *LocalConfig {
	configPath := filepath.Join(dataDir, "config.yaml")
	data, err := os.ReadFile(configPath) // #nosec G304 - config file path from dataDir
	if err != nil {
		return &LocalConfig{}
	}

	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &LocalConfig{}
	}

	return &cfg
}

// LoadLocalConfigWithEnv reads config.yaml and applies environment variable
// overrides. Environment variables take precedence over file values.
//
// Supported variables:
//   - FV_APP: overrides application
//   - FV_ACTOR: overrides actor
//   - FV_DATABASE: overrides database
//   - FV_SERVER_HOST: overrides server-host
func LoadLocalConfigWithEnv(dataDir string) *LocalConfig {
	cfg := LoadLocalConfig(dataDir)

	if app := os.Getenv("FV_APP"); app != "" {
		cfg.Application = app
	}
	if actor := os.Getenv("FV_ACTOR"); actor != "" {
		cfg.Actor = actor
	}
	if db := os.Getenv("FV_DATABASE"); db != "" {
		cfg.Database = db
	}
	if host := os.Getenv("FV_SERVER_HOST"); host != "" {
		cfg.ServerHost = host
	}

	return cfg
}

// Save writes the config back to config.yaml in the data directory.
// Used by `fv init` to persist the initial settings.
func (c *LocalConfig) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, "config.yaml"), data, 0o600)
}

// ResolveActor returns the effective actor for a write: the explicit value
// if non-empty, else the configured default, else the OS username.
func (c *LocalConfig) ResolveActor(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if c.Actor != "" {
		return c.Actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
