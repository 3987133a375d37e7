// Package config holds the yaml-tagged configuration types for an
// embedding process: logging and the loader's own tunables (spec §7).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Log level constants, as accepted by LogConfig.Level and the per-output
// Level overrides.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log format constants.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// Config is the top-level configuration an embedder loads for a classrepo
// deployment.
type Config struct {
	Log    LogConfig    `yaml:"log"`
	Loader LoaderConfig `yaml:"loader"`
}

// LogConfig configures the DynamicLogger.
type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

// ConsoleLogConfig configures the stdout output.
type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

// FileLogConfig configures the rotating file output.
type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

// RotationConfig mirrors lumberjack.Logger's tunables.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size_mb"`
	MaxAge     int  `yaml:"max_age_days"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

// LoaderConfig configures a DynamicLoader instance (spec §3, §7).
type LoaderConfig struct {
	// Paths is the loader's initial pattern path (spec §4.1).
	Paths []string `yaml:"paths"`
	// RedisAddr, RedisPassword, RedisDB, RedisPrefix hold connection
	// settings for a redisstore.Store backing this loader.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
	// MetricsNamespace prefixes every Prometheus metric this loader
	// registers.
	MetricsNamespace string `yaml:"metrics_namespace"`
}

// Validate checks the subset of fields that must hold for the logger and
// loader to start successfully.
func (c *Config) Validate() error {
	validLevels := map[string]bool{LogLevelDebug: true, LogLevelInfo: true, LogLevelWarn: true, LogLevelError: true}
	if c.Log.Level != "" && !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.File.Enabled && c.Log.File.Path == "" {
		return fmt.Errorf("log.file.path must be specified when log.file.enabled is true")
	}
	if len(c.Loader.Paths) == 0 {
		return fmt.Errorf("loader.paths must contain at least one pattern")
	}
	return nil
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
