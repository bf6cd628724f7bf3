// Package config loads broker configuration from defaults, an optional TOML
// file, environment variables, and CLI flags, in that increasing order of
// priority (spec.md §6 "Configuration").
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds every option the kernel and its ambient stack consult.
type Config struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	MaxQueueSize       int    `koanf:"max_queue_size"`
	RingBufferSize     int    `koanf:"ring_buffer_size"`
	BackpressurePolicy string `koanf:"backpressure_policy"`

	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	ShutdownDrain     time.Duration `koanf:"shutdown_drain"`

	LogLevel  string `koanf:"log_level"`
	LogJSON   bool   `koanf:"log_json"`
	DevErrors bool   `koanf:"dev_errors"`

	MetricsEnabled bool `koanf:"metrics_enabled"`
}

// ConfigFile is the default config file path consulted if present.
const ConfigFile = "relaykit.toml"

// EnvPrefix is the environment-variable namespace (e.g. RELAYKIT_PORT=9090).
const EnvPrefix = "RELAYKIT_"

// Load resolves configuration with priority Flags > Env > File > Defaults.
func Load(flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"host":                "0.0.0.0",
		"port":                8080,
		"max_queue_size":      1000,
		"ring_buffer_size":    100,
		"backpressure_policy": "DROP_OLDEST",
		"heartbeat_interval":  "30s",
		"write_timeout":       "10s",
		"shutdown_drain":      "5s",
		"log_level":           "info",
		"log_json":            false,
		"dev_errors":          false,
		"metrics_enabled":     true,
	}
	if err := k.Load(mapProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	_ = k.Load(file.Provider(ConfigFile), toml.Parser())

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("config: load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("config: max_queue_size must be positive, got %d", c.MaxQueueSize)
	}
	if c.RingBufferSize < 0 {
		return fmt.Errorf("config: ring_buffer_size must be >= 0, got %d", c.RingBufferSize)
	}
	switch c.BackpressurePolicy {
	case "DROP_OLDEST", "DISCONNECT":
	default:
		return fmt.Errorf("config: unknown backpressure_policy %q", c.BackpressurePolicy)
	}
	return nil
}

// provider adapts a plain map to koanf's Provider interface, following the
// defaults-loading pattern used across the retrieved pack's config packages.
type provider struct {
	m map[string]interface{}
}

func mapProvider(m map[string]interface{}) *provider {
	return &provider{m: m}
}

func (p *provider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *provider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("config: ReadBytes not supported on map provider")
}
