package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	// GOAL: Verify struct defaults are applied

	cfg := config.Default()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 5*time.Second, cfg.CaptureTimeout)
	assert.True(t, cfg.AllowDuplicates)
	assert.Empty(t, cfg.ServiceFilter)
}

func TestLoadOverridesDefaults(t *testing.T) {
	// GOAL: Verify YAML values override defaults while untouched fields keep them

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("log_level: debug\nconnect_timeout: 5s\nservice_filter:\n  - \"180d\"\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, []string{"180d"}, cfg.ServiceFilter)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout, "unset fields MUST keep defaults")
}

func TestLoadMissingFile(t *testing.T) {
	// GOAL: Verify a missing config file is reported as an error

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	// GOAL: Verify logger construction honors the configured level and
	// rejects invalid levels

	cfg := config.Default()
	cfg.LogLevel = "warn"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	cfg.LogLevel = "nonsense"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
