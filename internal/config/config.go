// Package config loads the server configuration from a YAML file, applying
// defaults for anything not set.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backend names.
const (
	BackendMemory = "memory"
	BackendValkey = "valkey"
)

// Config is the top-level server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	OAuth     OAuthConfig     `yaml:"oauth"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionConfig   `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string   `yaml:"host,omitempty"`
	Port            int      `yaml:"port,omitempty"`
	WebsiteURL      string   `yaml:"websiteUrl,omitempty"`
	TrustProxy      bool     `yaml:"trustProxy,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout,omitempty"`
}

// OAuthConfig configures the authorization server.
type OAuthConfig struct {
	Issuer               string   `yaml:"issuer,omitempty"`
	AccessTokenTTL       Duration `yaml:"accessTokenTtl,omitempty"`
	RefreshTokenTTL      Duration `yaml:"refreshTokenTtl,omitempty"`
	AuthorizationCodeTTL Duration `yaml:"authorizationCodeTtl,omitempty"`
	EnableURLClientIDs   *bool    `yaml:"enableUrlClientIds,omitempty"`
	AllowInsecureHTTP    bool     `yaml:"allowInsecureHttp,omitempty"`
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend string       `yaml:"backend,omitempty"`
	Valkey  ValkeyConfig `yaml:"valkey,omitempty"`
}

// ValkeyConfig configures the Valkey backend.
type ValkeyConfig struct {
	Address  string `yaml:"address,omitempty"`
	Password string `yaml:"password,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// SessionConfig configures MCP session durability.
type SessionConfig struct {
	TTL Duration `yaml:"ttl,omitempty"`
}

// RateLimitConfig configures the per-IP request limiter on the MCP
// endpoints.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requestsPerMinute,omitempty"`
	MaxLimiters       int `yaml:"maxLimiters,omitempty"`
}

// TelemetryConfig configures OpenTelemetry instrumentation.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// Duration wraps time.Duration so YAML values like "5m" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
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

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		OAuth: OAuthConfig{
			AccessTokenTTL:       Duration(7 * 24 * time.Hour),
			RefreshTokenTTL:      Duration(30 * 24 * time.Hour),
			AuthorizationCodeTTL: Duration(10 * time.Minute),
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Valkey: ValkeyConfig{
				Address: "localhost:6379",
				Prefix:  "chipgpt",
			},
		},
		Sessions: SessionConfig{
			TTL: Duration(5 * time.Minute),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 10,
			MaxLimiters:       10000,
		},
	}
}

// Load reads the configuration file at path. A missing file is not an
// error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the server cannot start
// with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.OAuth.Issuer != "" {
		u, err := url.Parse(c.OAuth.Issuer)
		if err != nil || u.Host == "" {
			return fmt.Errorf("oauth.issuer must be an absolute URL, got %q", c.OAuth.Issuer)
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendValkey:
		if c.Storage.Valkey.Address == "" {
			return fmt.Errorf("storage.valkey.address is required for the valkey backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", BackendMemory, BackendValkey, c.Storage.Backend)
	}

	if c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rateLimit.requestsPerMinute must not be negative")
	}

	return nil
}

// URLClientIDsEnabled reports whether URL-based client identifiers are
// enabled. They default to on.
func (c *OAuthConfig) URLClientIDsEnabled() bool {
	if c.EnableURLClientIDs == nil {
		return true
	}
	return *c.EnableURLClientIDs
}
