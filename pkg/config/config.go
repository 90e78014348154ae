// Package config holds application configuration for the blecentral tool.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	LogLevel        string        `yaml:"log_level" default:"info"`
	ScanTimeout     time.Duration `yaml:"scan_timeout" default:"10s"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" default:"30s"`
	CaptureTimeout  time.Duration `yaml:"capture_timeout" default:"5s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
	ServiceFilter   []string      `yaml:"service_filter"`
}

// Default returns a configuration populated from struct defaults.
func Default() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// UnmarshalYAML decodes the config, accepting durations in time.ParseDuration
// form ("10s", "1m30s"). Fields absent from the document keep their current
// values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		LogLevel        *string  `yaml:"log_level"`
		ScanTimeout     *string  `yaml:"scan_timeout"`
		ConnectTimeout  *string  `yaml:"connect_timeout"`
		CaptureTimeout  *string  `yaml:"capture_timeout"`
		AllowDuplicates *bool    `yaml:"allow_duplicates"`
		ServiceFilter   []string `yaml:"service_filter"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.LogLevel != nil {
		c.LogLevel = *raw.LogLevel
	}
	if raw.AllowDuplicates != nil {
		c.AllowDuplicates = *raw.AllowDuplicates
	}
	if raw.ServiceFilter != nil {
		c.ServiceFilter = raw.ServiceFilter
	}

	for _, d := range []struct {
		src *string
		dst *time.Duration
	}{
		{raw.ScanTimeout, &c.ScanTimeout},
		{raw.ConnectTimeout, &c.ConnectTimeout},
		{raw.CaptureTimeout, &c.CaptureTimeout},
	} {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", *d.src, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a logger configured from the config's log level.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}
