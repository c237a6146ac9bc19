// Package config loads and validates engine configuration from YAML with
// environment overrides for transport credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/tagstream/errors"
)

// Duration wraps time.Duration so YAML values can be written in the usual
// "5m" / "30s" form.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete engine configuration
type Config struct {
	NATS    NATSConfig    `yaml:"nats"`
	Policy  PolicyConfig  `yaml:"policy"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// NATSConfig defines transport connection settings
type NATSConfig struct {
	URL            string   `yaml:"url"`
	Username       string   `yaml:"username,omitempty"`
	Password       string   `yaml:"password,omitempty"`
	Token          string   `yaml:"token,omitempty"`
	ClientName     string   `yaml:"client_name,omitempty"`
	MaxReconnects  int      `yaml:"max_reconnects,omitempty"`
	ReconnectWait  Duration `yaml:"reconnect_wait,omitempty"`
	ConnectTimeout Duration `yaml:"connect_timeout,omitempty"`
	PublishTimeout Duration `yaml:"publish_timeout,omitempty"`
}

// PolicyConfig carries the tunable policy constants of the engine. These
// are deployment policy, not domain invariants.
type PolicyConfig struct {
	// RSSITamperThreshold is the dBm floor below which a tag read is
	// treated as a tampering indicator.
	RSSITamperThreshold float64 `yaml:"rssi_tamper_threshold"`

	// HeartbeatTimeout marks a reader offline when its last heartbeat is
	// older than this.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`

	// LivenessSweepInterval is how often the offline sweep runs
	LivenessSweepInterval Duration `yaml:"liveness_sweep_interval"`

	// InventorySweepInterval is how often stock status is re-derived
	InventorySweepInterval Duration `yaml:"inventory_sweep_interval"`

	// AuditInterval schedules periodic full-facility audits; zero disables
	// the periodic schedule (on-demand audits remain available).
	AuditInterval Duration `yaml:"audit_interval"`

	// AuditCollectionWindow bounds how long an audit waits for reader
	// responses after broadcasting scan commands.
	AuditCollectionWindow Duration `yaml:"audit_collection_window"`

	// LowStockDebounce suppresses repeated identical low-stock alerts for
	// the same product within this window.
	LowStockDebounce Duration `yaml:"low_stock_debounce"`

	// SecurityRetention bounds how far back anti-theft queries look
	SecurityRetention Duration `yaml:"security_retention"`
}

// MetricsConfig defines the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr,omitempty"`
}

// LogConfig defines logging behavior
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// Default returns the reference configuration
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ClientName:     "tagstream",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
			ConnectTimeout: Duration(5 * time.Second),
			PublishTimeout: Duration(2 * time.Second),
		},
		Policy: PolicyConfig{
			RSSITamperThreshold:    -80,
			HeartbeatTimeout:       Duration(5 * time.Minute),
			LivenessSweepInterval:  Duration(5 * time.Minute),
			InventorySweepInterval: Duration(time.Minute),
			AuditInterval:          Duration(0),
			AuditCollectionWindow:  Duration(5 * time.Second),
			LowStockDebounce:       Duration(5 * time.Minute),
			SecurityRetention:      Duration(time.Hour),
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9154",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, applies defaults for unset fields, applies
// environment overrides, and validates the result. An empty path returns
// the default configuration with environment overrides applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "parse config file")
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides lets deployments inject transport settings without
// writing credentials into the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TAGSTREAM_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("TAGSTREAM_NATS_USERNAME"); v != "" {
		c.NATS.Username = v
	}
	if v := os.Getenv("TAGSTREAM_NATS_PASSWORD"); v != "" {
		c.NATS.Password = v
	}
	if v := os.Getenv("TAGSTREAM_NATS_TOKEN"); v != "" {
		c.NATS.Token = v
	}
}

// Validate checks the configuration for internally inconsistent values
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "nats.url")
	}
	if c.Policy.RSSITamperThreshold >= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("rssi_tamper_threshold must be negative dBm, got %v", c.Policy.RSSITamperThreshold),
			"config", "Validate", "policy")
	}
	if c.Policy.HeartbeatTimeout.Std() <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("heartbeat_timeout must be positive"),
			"config", "Validate", "policy")
	}
	if c.Policy.LivenessSweepInterval.Std() <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("liveness_sweep_interval must be positive"),
			"config", "Validate", "policy")
	}
	if c.Policy.InventorySweepInterval.Std() <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("inventory_sweep_interval must be positive"),
			"config", "Validate", "policy")
	}
	if c.Policy.AuditCollectionWindow.Std() <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("audit_collection_window must be positive"),
			"config", "Validate", "policy")
	}
	if c.Policy.LowStockDebounce.Std() < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("low_stock_debounce must not be negative"),
			"config", "Validate", "policy")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "config", "Validate", "metrics.listen_addr")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("unknown log level %q", c.Log.Level),
			"config", "Validate", "log")
	}
	return nil
}
