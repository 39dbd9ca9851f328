package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultFlushSize         = 1024
	DefaultIdleFlushInterval = 1 * time.Second
	DefaultAckTimeout        = 30 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultProtocolVersion   = 1
	DefaultBackoffInitial    = 1 * time.Second
	DefaultBackoffMax        = 60 * time.Second

	// DefaultBufferFactor sizes max_buffered_events as a multiple of flush_size.
	DefaultBufferFactor = 4
)

// Config is the top-level configuration of the shipper.
// Fields map 1:1 to config.example.yaml.
type Config struct {
	Output  OutputConfig  `yaml:"output"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// OutputConfig holds everything the delivery engine needs.
type OutputConfig struct {
	// Hosts are tried round-robin on every connect and reconnect.
	Hosts []string `yaml:"hosts"`

	// Port is the collector port shared by every host.
	Port int `yaml:"port"`

	// SSLCertificate is the PEM file used to verify the collector.
	SSLCertificate string `yaml:"ssl_certificate"`

	// SSLServerName overrides the name checked against the collector
	// certificate. Defaults to the host being dialled.
	SSLServerName string `yaml:"ssl_server_name"`

	// Client certificate, only needed when the collector requires mTLS.
	SSLClientCertificate string `yaml:"ssl_client_certificate"`
	SSLClientKey         string `yaml:"ssl_client_key"`

	// FlushSize is the event count that triggers a batch.
	FlushSize int `yaml:"flush_size"`

	// MaxBufferedEvents bounds the buffer; Receive waits when it is full.
	// Zero means DefaultBufferFactor * FlushSize.
	MaxBufferedEvents int `yaml:"max_buffered_events"`

	// IdleFlushInterval is the longest a partial batch may wait.
	IdleFlushInterval time.Duration `yaml:"idle_flush_interval"`

	// ShutdownTimeout bounds Close. Zero waits until everything is acknowledged.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	AckTimeout   time.Duration `yaml:"ack_timeout"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ProtocolVersion selects key/value data frames (1) or JSON data frames (2).
	ProtocolVersion int `yaml:"protocol_version"`

	// CompressionLevel 0 disables compression, 1-9 are zlib levels.
	CompressionLevel int `yaml:"compression_level"`

	Backoff BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes the reconnect delay: min(initial * 2^attempts, max).
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`

	// Jitter spreads each delay by ±Jitter (0 to 1). Zero disables it.
	Jitter float64 `yaml:"jitter"`
}

// LogConfig controls the process logger. Level may be changed by hot reload.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the host:port for /metrics. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// ConfigurationError is returned for settings the shipper cannot start with.
// It is never retried.
type ConfigurationError struct {
	Path string
	Err  error
}

func (e *ConfigurationError) Error() string {
	if e.Path == "" {
		return "config: " + e.Err.Error()
	}
	return fmt.Sprintf("config %s: %v", e.Path, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Path: path, Err: fmt.Errorf("read file: %w", err)}
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &ConfigurationError{Path: path, Err: fmt.Errorf("parse yaml: %w", err)}
	}
	cfg.Output = cfg.Output.WithDefaults()

	if err := validate(cfg); err != nil {
		return nil, &ConfigurationError{Path: path, Err: err}
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Output: OutputConfig{
			FlushSize:         DefaultFlushSize,
			IdleFlushInterval: DefaultIdleFlushInterval,
			AckTimeout:        DefaultAckTimeout,
			DialTimeout:       DefaultDialTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			ProtocolVersion:   DefaultProtocolVersion,
			Backoff: BackoffConfig{
				Initial: DefaultBackoffInitial,
				Max:     DefaultBackoffMax,
			},
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// WithDefaults returns a copy of o with zero-valued settings replaced by the
// package defaults. ShutdownTimeout and CompressionLevel keep their zero value.
func (o OutputConfig) WithDefaults() OutputConfig {
	d := defaults().Output
	if o.FlushSize == 0 {
		o.FlushSize = d.FlushSize
	}
	if o.MaxBufferedEvents == 0 {
		o.MaxBufferedEvents = DefaultBufferFactor * o.FlushSize
	}
	if o.IdleFlushInterval == 0 {
		o.IdleFlushInterval = d.IdleFlushInterval
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.ProtocolVersion == 0 {
		o.ProtocolVersion = d.ProtocolVersion
	}
	if o.Backoff.Initial == 0 {
		o.Backoff.Initial = d.Backoff.Initial
	}
	if o.Backoff.Max == 0 {
		o.Backoff.Max = d.Backoff.Max
	}
	return o
}

// Addresses returns host:port for every configured host, in order.
func (o OutputConfig) Addresses() []string {
	out := make([]string, len(o.Hosts))
	for i, h := range o.Hosts {
		out[i] = net.JoinHostPort(strings.Trim(h, "[]"), fmt.Sprint(o.Port))
	}
	return out
}

// Validate checks the output settings and reports every problem found.
func (o OutputConfig) Validate() error {
	var errs error
	if len(o.Hosts) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("output.hosts: at least one host is required"))
	}
	for i, h := range o.Hosts {
		if err := validateHost(h); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("output.hosts[%d]: %w", i, err))
		}
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("output.port %d is out of range [1, 65535]", o.Port))
	}
	if o.SSLCertificate == "" {
		errs = multierr.Append(errs, fmt.Errorf("output.ssl_certificate is required"))
	}
	if (o.SSLClientCertificate == "") != (o.SSLClientKey == "") {
		errs = multierr.Append(errs, fmt.Errorf("output.ssl_client_certificate and output.ssl_client_key must be set together"))
	}
	if o.FlushSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("output.flush_size must be positive"))
	}
	if o.MaxBufferedEvents < o.FlushSize {
		errs = multierr.Append(errs, fmt.Errorf("output.max_buffered_events %d must be >= flush_size %d", o.MaxBufferedEvents, o.FlushSize))
	}
	if o.IdleFlushInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("output.idle_flush_interval must not be negative"))
	}
	if o.ShutdownTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("output.shutdown_timeout must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"ack_timeout":   o.AckTimeout,
		"dial_timeout":  o.DialTimeout,
		"write_timeout": o.WriteTimeout,
	} {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("output.%s must be positive", name))
		}
	}
	if o.ProtocolVersion != 1 && o.ProtocolVersion != 2 {
		errs = multierr.Append(errs, fmt.Errorf("output.protocol_version %d unknown: want 1|2", o.ProtocolVersion))
	}
	if o.CompressionLevel < 0 || o.CompressionLevel > 9 {
		errs = multierr.Append(errs, fmt.Errorf("output.compression_level %d is out of range [0, 9]", o.CompressionLevel))
	}
	if o.Backoff.Initial <= 0 || o.Backoff.Max < o.Backoff.Initial {
		errs = multierr.Append(errs, fmt.Errorf("output.backoff: need 0 < initial (%v) <= max (%v)", o.Backoff.Initial, o.Backoff.Max))
	}
	if o.Backoff.Jitter < 0 || o.Backoff.Jitter > 1 {
		errs = multierr.Append(errs, fmt.Errorf("output.backoff.jitter %v is out of range [0, 1]", o.Backoff.Jitter))
	}
	return errs
}

func validateHost(h string) error {
	switch {
	case strings.TrimSpace(h) == "":
		return fmt.Errorf("empty host")
	case strings.ContainsAny(h, " /\t"):
		return fmt.Errorf("%q is not a host name or address", h)
	case net.ParseIP(strings.Trim(h, "[]")) != nil:
		return nil
	}
	if _, _, err := net.SplitHostPort(h); err == nil {
		return fmt.Errorf("%q must not include a port; use output.port", h)
	}
	return nil
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	errs := cfg.Output.Validate()
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.level %q unknown: want debug|info|warn|error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "json", "text", "":
	default:
		errs = multierr.Append(errs, fmt.Errorf("log.format %q unknown: want json|text", cfg.Log.Format))
	}
	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("metrics.listen: %w", err))
		}
	}
	return errs
}
