// Package config loads deskmail settings from YAML and DESKMAIL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DESKMAIL"

// BackendConfig locates the backend and, optionally, launches it.
type BackendConfig struct {
	// URL pins the backend endpoint and skips port discovery when set.
	URL string `mapstructure:"url" yaml:"url"`

	// DefaultPort is the well-known port used when nothing else is known.
	DefaultPort int `mapstructure:"default_port" yaml:"default_port"`

	// PortFile is where the launcher records the dynamically assigned port.
	PortFile string `mapstructure:"port_file" yaml:"port_file"`

	// FallbackURL is probed once the grace period has elapsed.
	FallbackURL string `mapstructure:"fallback_url" yaml:"fallback_url"`

	// Command starts the backend as a companion process. Empty means the
	// backend is managed externally.
	Command string   `mapstructure:"command" yaml:"command"`
	Args    []string `mapstructure:"args" yaml:"args"`
}

// DiscoveryConfig holds the discovery loop timings.
type DiscoveryConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	GracePeriod   time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SessionConfig holds the reauthorization polling policy.
type SessionConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// APIConfig tunes the backend API client.
type APIConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RetryMax       int           `mapstructure:"retry_max" yaml:"retry_max"`
	RetryWaitMin   time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax   time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
}

// Config is the top-level application configuration.
type Config struct {
	LogLevel       string          `mapstructure:"log_level" yaml:"log_level"`
	StorePath      string          `mapstructure:"store_path" yaml:"store_path"`
	StatusAddr     string          `mapstructure:"status_addr" yaml:"status_addr"`
	KeyringService string          `mapstructure:"keyring_service" yaml:"keyring_service"`
	Backend        BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Discovery      DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Session        SessionConfig   `mapstructure:"session" yaml:"session"`
	API            APIConfig       `mapstructure:"api" yaml:"api"`
}

// DefaultDir returns ~/.config/deskmail, or the working directory when the
// home directory cannot be determined.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "deskmail")
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()

	v.SetDefault("log_level", "info")
	v.SetDefault("store_path", filepath.Join(dir, "sessions.db"))
	v.SetDefault("status_addr", "127.0.0.1:8765")
	v.SetDefault("keyring_service", "deskmail")

	v.SetDefault("backend.url", "")
	v.SetDefault("backend.default_port", 8000)
	v.SetDefault("backend.port_file", filepath.Join(dir, "backend.port"))
	v.SetDefault("backend.fallback_url", "http://127.0.0.1:8000")
	v.SetDefault("backend.command", "")
	v.SetDefault("backend.args", []string{})

	v.SetDefault("discovery.probe_interval", 500*time.Millisecond)
	v.SetDefault("discovery.probe_timeout", 2*time.Second)
	v.SetDefault("discovery.grace_period", 5*time.Second)
	v.SetDefault("discovery.timeout", 60*time.Second)

	v.SetDefault("session.poll_interval", 3*time.Second)
	v.SetDefault("session.max_attempts", 100)

	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.retry_max", 3)
	v.SetDefault("api.retry_wait_min", 200*time.Millisecond)
	v.SetDefault("api.retry_wait_max", 2*time.Second)
}

// Load reads the configuration at path. A missing file yields the defaults,
// still subject to environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values that would otherwise make a loop spin or never end.
func (c *Config) Validate() error {
	if c.Backend.DefaultPort <= 0 || c.Backend.DefaultPort > 65535 {
		return fmt.Errorf("%w: backend.default_port %d out of range", ErrInvalidConfig, c.Backend.DefaultPort)
	}
	if c.Discovery.ProbeInterval <= 0 {
		return fmt.Errorf("%w: discovery.probe_interval must be positive", ErrInvalidConfig)
	}
	if c.Discovery.ProbeTimeout <= 0 || c.Discovery.ProbeTimeout > MaxProbeTimeout {
		return fmt.Errorf("%w: discovery.probe_timeout must be in (0, %s]", ErrInvalidConfig, MaxProbeTimeout)
	}
	if c.Discovery.Timeout <= c.Discovery.GracePeriod {
		return fmt.Errorf("%w: discovery.timeout must exceed discovery.grace_period", ErrInvalidConfig)
	}
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("%w: session.poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Session.MaxAttempts <= 0 {
		return fmt.Errorf("%w: session.max_attempts must be positive", ErrInvalidConfig)
	}
	return nil
}

// Save writes cfg as YAML to path, creating parent directories if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("log_level", cfg.LogLevel)
	v.Set("store_path", cfg.StorePath)
	v.Set("status_addr", cfg.StatusAddr)
	v.Set("keyring_service", cfg.KeyringService)
	v.Set("backend", map[string]any{
		"url":          cfg.Backend.URL,
		"default_port": cfg.Backend.DefaultPort,
		"port_file":    cfg.Backend.PortFile,
		"fallback_url": cfg.Backend.FallbackURL,
		"command":      cfg.Backend.Command,
		"args":         cfg.Backend.Args,
	})
	v.Set("discovery", map[string]any{
		"probe_interval": cfg.Discovery.ProbeInterval.String(),
		"probe_timeout":  cfg.Discovery.ProbeTimeout.String(),
		"grace_period":   cfg.Discovery.GracePeriod.String(),
		"timeout":        cfg.Discovery.Timeout.String(),
	})
	v.Set("session", map[string]any{
		"poll_interval": cfg.Session.PollInterval.String(),
		"max_attempts":  cfg.Session.MaxAttempts,
	})
	v.Set("api", map[string]any{
		"request_timeout": cfg.API.RequestTimeout.String(),
		"retry_max":       cfg.API.RetryMax,
		"retry_wait_min":  cfg.API.RetryWaitMin.String(),
		"retry_wait_max":  cfg.API.RetryWaitMax.String(),
	})

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
