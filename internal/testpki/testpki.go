package testpki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Pair is a self-signed certificate valid for 127.0.0.1, ::1 and localhost,
// written to CertFile and KeyFile in a test temp dir.
type Pair struct {
	CertFile string
	KeyFile  string
	CertPEM  []byte
	KeyPEM   []byte
	TLS      tls.Certificate
}

// Generate creates a certificate valid from now for the given lifetime.
func Generate(tb testing.TB, lifetime time.Duration) *Pair {
	tb.Helper()
	return generate(tb, time.Now().Add(-time.Minute), time.Now().Add(lifetime))
}

// Expired creates a certificate whose validity ended an hour ago.
func Expired(tb testing.TB) *Pair {
	tb.Helper()
	return generate(tb, time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour))
}

func generate(tb testing.TB, notBefore, notAfter time.Time) *Pair {
	tb.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		tb.Fatalf("testpki: generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		tb.Fatalf("testpki: serial: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "lumberjack-test", Organization: []string{"lumberjack"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		tb.Fatalf("testpki: create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		tb.Fatalf("testpki: marshal key: %v", err)
	}

	p := &Pair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}
	p.TLS, err = tls.X509KeyPair(p.CertPEM, p.KeyPEM)
	if err != nil {
		tb.Fatalf("testpki: key pair: %v", err)
	}

	dir := tb.TempDir()
	p.CertFile = filepath.Join(dir, "cert.pem")
	p.KeyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(p.CertFile, p.CertPEM, 0o600); err != nil {
		tb.Fatalf("testpki: write cert: %v", err)
	}
	if err := os.WriteFile(p.KeyFile, p.KeyPEM, 0o600); err != nil {
		tb.Fatalf("testpki: write key: %v", err)
	}
	return p
}

// ServerConfig returns a TLS config presenting the certificate.
func (p *Pair) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{p.TLS},
		MinVersion:   tls.VersionTLS12,
	}
}
