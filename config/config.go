// Package config defines the testplatform configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	PluginDir string       `yaml:"plugin_dir"`
	Builtin   bool         `yaml:"builtin"` // register the sample plugin without a module file
	Log       LogConfig    `yaml:"log"`
	Script    ScriptConfig `yaml:"script"`
	Trust     TrustConfig  `yaml:"trust"`
	// MetricsFile receives Prometheus metrics in text format on exit when set.
	MetricsFile string `yaml:"metrics_file"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// ScriptConfig holds defaults for script execution.
type ScriptConfig struct {
	Language       string        `yaml:"language"`
	Namespaces     []string      `yaml:"namespaces"`
	References     []string      `yaml:"references"`
	CheckCacheSize int           `yaml:"check_cache_size"`
	CheckCacheTTL  time.Duration `yaml:"check_cache_ttl"`
}

// TrustConfig controls module signature verification.
type TrustConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"` // keyring service name
	// TrustedKeys restricts accepted signers. Empty trusts every key in the keyring.
	TrustedKeys []string `yaml:"trusted_keys"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PluginDir: "plugins",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Script: ScriptConfig{
			Language:       "go",
			CheckCacheSize: 256,
			CheckCacheTTL:  10 * time.Minute,
		},
		Trust: TrustConfig{
			Service: "testplatform",
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings that cannot be used.
func (c *Config) Validate() error {
	var errs []error
	if c.PluginDir == "" {
		errs = append(errs, errors.New("plugin_dir cannot be empty"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Script.CheckCacheSize < 0 {
		errs = append(errs, errors.New("script.check_cache_size cannot be negative"))
	}
	return errors.Join(errs...)
}

// Logger builds a logrus logger from the log settings.
func (c *Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetLevel(level)
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}
