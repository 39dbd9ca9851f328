package security

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/obsidianstack/lumberjack/agent/internal/config"
)

// ExpiringWindow is how close to NotAfter a certificate is reported as expiring.
const ExpiringWindow = 30 * 24 * time.Hour

// ErrExpired is returned when the trust certificate is no longer valid.
var ErrExpired = errors.New("certificate has expired")

// CertStatus describes the certificate that verifies the collector.
type CertStatus struct {
	Path     string
	Subject  string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Status   string // valid | expiring | expired
}

// LoadCertificates parses every CERTIFICATE block in the PEM file at path.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}

	var certs []*x509.Certificate
	for rest := data; len(rest) > 0; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate %q: %w", path, err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in %q", path)
	}
	return certs, nil
}

// Inspect reports on the certificate in certs that expires first.
func Inspect(path string, certs []*x509.Certificate, now time.Time) CertStatus {
	leaf := certs[0]
	for _, c := range certs[1:] {
		if c.NotAfter.Before(leaf.NotAfter) {
			leaf = c
		}
	}

	left := leaf.NotAfter.Sub(now)
	cs := CertStatus{
		Path:     path,
		Subject:  leaf.Subject.CommonName,
		Issuer:   leaf.Issuer.CommonName,
		NotAfter: leaf.NotAfter.UTC(),
		DaysLeft: int(math.Floor(left.Hours() / 24)),
	}
	switch {
	case left <= 0:
		cs.Status = "expired"
	case left <= ExpiringWindow:
		cs.Status = "expiring"
	default:
		cs.Status = "valid"
	}
	return cs
}

// ClientTLS builds the client TLS configuration for the collector connection.
// The configured certificate becomes the only trust root; an expired one is
// rejected so the problem surfaces at startup instead of on every handshake.
func ClientTLS(out config.OutputConfig, now time.Time) (*tls.Config, CertStatus, error) {
	certs, err := LoadCertificates(out.SSLCertificate)
	if err != nil {
		return nil, CertStatus{}, err
	}
	status := Inspect(out.SSLCertificate, certs, now)
	if status.Status == "expired" {
		return nil, status, fmt.Errorf("%s: %w (not after %s)", out.SSLCertificate, ErrExpired, status.NotAfter.Format(time.RFC3339))
	}

	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}

	tlsCfg := &tls.Config{
		RootCAs:    pool,
		ServerName: out.SSLServerName,
		MinVersion: tls.VersionTLS12,
	}

	if out.SSLClientCertificate != "" {
		cert, err := tls.LoadX509KeyPair(out.SSLClientCertificate, out.SSLClientKey)
		if err != nil {
			return nil, status, fmt.Errorf("load client cert: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, status, nil
}
