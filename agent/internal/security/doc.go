// Package security loads the certificate that verifies the collector, reports
// how close it is to expiry and builds the client TLS configuration.
package security
