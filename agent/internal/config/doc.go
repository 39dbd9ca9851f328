// Package config loads and watches the shipper configuration file (config.yaml).
//
// Top-level types:
//   - Config{Output, Log, Metrics}: full config tree parsed from YAML
//   - OutputConfig: hosts, port, ssl_certificate (+ optional server name and
//     client certificate), flush_size, max_buffered_events, idle_flush_interval,
//     shutdown_timeout, ack/dial/write timeouts, protocol_version,
//     compression_level, backoff{initial, max, jitter}
//   - LogConfig: level and format of the process logger
//   - MetricsConfig: listen address of the /metrics endpoint
//
// Load(path) reads the YAML file, applies defaults (flush_size 1024, 1s idle
// flush, 30s ack timeout, 1s→60s backoff, protocol 1), then validates every
// field and reports all problems at once as a *ConfigurationError.
// OutputConfig.WithDefaults and Validate serve callers that build the
// configuration in code.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. It handles the rename→create pattern
// used by atomic-save editors (vim, VS Code) by re-adding the watch after
// a rename event.
package config
