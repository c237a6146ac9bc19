package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, -80.0, cfg.Policy.RSSITamperThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Policy.HeartbeatTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Policy.AuditCollectionWindow.Std())
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tagstream.yaml")
	content := `
nats:
  url: nats://broker.internal:4222
  client_name: tagstream-warehouse
policy:
  rssi_tamper_threshold: -75
  heartbeat_timeout: 3m
  audit_collection_window: 10s
metrics:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker.internal:4222", cfg.NATS.URL)
	assert.Equal(t, -75.0, cfg.Policy.RSSITamperThreshold)
	assert.Equal(t, 3*time.Minute, cfg.Policy.HeartbeatTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Policy.AuditCollectionWindow.Std())
	// Unset fields keep defaults
	assert.Equal(t, 5*time.Minute, cfg.Policy.LivenessSweepInterval.Std())
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/tagstream.yaml")
	require.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().NATS.URL, cfg.NATS.URL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TAGSTREAM_NATS_URL", "nats://env-broker:4222")
	t.Setenv("TAGSTREAM_NATS_TOKEN", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://env-broker:4222", cfg.NATS.URL)
	assert.Equal(t, "s3cret", cfg.NATS.Token)
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty url", func(c *Config) { c.NATS.URL = "" }},
		{"positive rssi threshold", func(c *Config) { c.Policy.RSSITamperThreshold = 10 }},
		{"zero heartbeat timeout", func(c *Config) { c.Policy.HeartbeatTimeout = 0 }},
		{"zero collection window", func(c *Config) { c.Policy.AuditCollectionWindow = 0 }},
		{"negative debounce", func(c *Config) { c.Policy.LowStockDebounce = Duration(-time.Second) }},
		{"metrics without addr", func(c *Config) { c.Metrics.ListenAddr = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDuration_BadValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  heartbeat_timeout: soon\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}
