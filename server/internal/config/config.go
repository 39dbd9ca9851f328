package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the collector configuration.
const (
	DefaultHost         = "127.0.0.1"
	DefaultPort         = 5044
	DefaultHTTPPort     = 0
	DefaultRetentionTTL = 5 * time.Minute
	DefaultMaxEvents    = 10000
)

// Config holds the collector configuration parsed from the `collector:`
// section of the config file. Other top-level keys are ignored.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
}

// CollectorConfig holds every collector setting.
type CollectorConfig struct {
	// Host and Port are the lumberjack listen address.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// SSLCertificate and SSLKey are the PEM files presented to shippers.
	SSLCertificate string `yaml:"ssl_certificate"`
	SSLKey         string `yaml:"ssl_key"`

	// SSLClientCA, when set, requires shippers to present a certificate
	// signed by one of the CAs in this PEM file.
	SSLClientCA string `yaml:"ssl_client_ca"`

	// IdleTimeout closes connections that send nothing for this long.
	// Zero keeps idle connections open.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// AckDelay holds back every ack; useful to exercise shipper timeouts.
	AckDelay time.Duration `yaml:"ack_delay"`

	// HTTPPort serves the JSON API on the same host. Zero disables it.
	HTTPPort int `yaml:"http_port"`

	// Retention controls the in-memory event store.
	Retention RetentionConfig `yaml:"retention"`

	// Auth protects the HTTP API and the event stream.
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig controls client authentication on the HTTP API.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	// Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "x-api-key"
}

// RetentionConfig bounds the in-memory event store.
type RetentionConfig struct {
	// TTL is how long a received event stays in the store. Default: 5m.
	TTL time.Duration `yaml:"ttl"`

	// MaxEvents caps the store; the oldest events are evicted first.
	MaxEvents int `yaml:"max_events"`
}

// Addr returns the lumberjack listen address.
func (c CollectorConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HTTPAddr returns the API listen address, or "" when disabled.
func (c CollectorConfig) HTTPAddr() string {
	if c.HTTPPort == 0 {
		return ""
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

// Load reads and parses the config file at path, returning the collector configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("collector config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("collector config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Collector: CollectorConfig{
			Host:     DefaultHost,
			Port:     DefaultPort,
			HTTPPort: DefaultHTTPPort,
			Retention: RetentionConfig{
				TTL:       DefaultRetentionTTL,
				MaxEvents: DefaultMaxEvents,
			},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	c := cfg.Collector
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("collector.port %d is out of range [0, 65535]", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("collector.http_port %d is out of range [0, 65535]", c.HTTPPort)
	}
	if c.SSLCertificate == "" || c.SSLKey == "" {
		return fmt.Errorf("collector.ssl_certificate and collector.ssl_key are required")
	}
	if c.IdleTimeout < 0 || c.AckDelay < 0 {
		return fmt.Errorf("collector.idle_timeout and collector.ack_delay must not be negative")
	}
	if c.Retention.TTL <= 0 {
		return fmt.Errorf("collector.retention.ttl must be positive")
	}
	if c.Retention.MaxEvents <= 0 {
		return fmt.Errorf("collector.retention.max_events must be positive")
	}
	switch c.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("collector.auth.mode %q unknown: want apikey|none", c.Auth.Mode)
	}
	return nil
}
