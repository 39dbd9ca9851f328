// Package config loads the development collector's configuration from the
// `collector:` section of a YAML file.
//
// Config fields:
//   - Host, Port             lumberjack listen address (default 127.0.0.1:5044)
//   - SSLCertificate, SSLKey certificate presented to shippers (required)
//   - SSLClientCA            optional CA bundle; when set, client certs are required
//   - IdleTimeout, AckDelay  connection idle limit and artificial ack delay
//   - HTTPPort               JSON API port on the same host (0 disables it)
//   - Retention.TTL          how long received events stay in memory (default 5m)
//   - Retention.MaxEvents    cap on stored events (default 10000)
//   - Auth.Mode              apikey | none; apikey reads the key from Auth.KeyEnv
//     and checks it in Auth.Header (default x-api-key)
//
// Load(path) applies defaults before unmarshalling, then validates.
package config
