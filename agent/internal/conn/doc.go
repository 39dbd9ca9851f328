// Package conn owns the TLS connection to the collector.
//
// Manager rotates through the configured hosts, dials with truncated
// exponential backoff, opens a session per connection and numbers events
// within it starting at 1. Send and ReadAck do raw frame I/O under
// deadlines; any failure closes the connection and is reported as a
// *ConnectionError or *TimeoutError. The backoff only resets when the caller
// reports a fully acknowledged send, so a collector that accepts and then
// drops connections sees growing delays.
package conn
