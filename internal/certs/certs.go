// Package certs issues the self-signed certificate used when the API is served over HTTPS.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	validity = 365 * 24 * time.Hour
	// renewBefore regenerates certificates this close to expiry.
	renewBefore = 7 * 24 * time.Hour
)

// Store keeps one certificate and key pair in a directory.
type Store struct {
	now      func() time.Time
	certFile string
	keyFile  string
	dir      string
}

// NewStore creates a store writing server.crt and server.key under dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:      dir,
		certFile: filepath.Join(dir, "server.crt"),
		keyFile:  filepath.Join(dir, "server.key"),
		now:      time.Now,
	}
}

// Paths returns the certificate and key file locations.
func (s *Store) Paths() (certFile, keyFile string) {
	return s.certFile, s.keyFile
}

// LoadOrCreate returns the stored certificate when it is valid for every host
// and not about to expire; otherwise it issues a new one. Hosts may be DNS
// names or IP addresses; localhost and the loopback addresses are always included.
func (s *Store) LoadOrCreate(hosts ...string) (tls.Certificate, error) {
	hosts = append([]string{"localhost", "127.0.0.1", "::1"}, hosts...)

	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	switch {
	case err == nil:
		if reason := s.unusable(cert, hosts); reason != "" {
			slog.Info("regenerating server certificate", "reason", reason)
			return s.issue(hosts)
		}
		return cert, nil
	case errors.Is(err, os.ErrNotExist):
		return s.issue(hosts)
	default:
		slog.Warn("stored server certificate is unreadable, regenerating", "error", err)
		return s.issue(hosts)
	}
}

// unusable explains why cert cannot serve hosts, or returns "".
func (s *Store) unusable(cert tls.Certificate, hosts []string) string {
	if len(cert.Certificate) == 0 {
		return "no certificate in file"
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return "unparseable certificate"
	}
	now := s.now()
	if now.Before(leaf.NotBefore) {
		return "not yet valid"
	}
	if now.Add(renewBefore).After(leaf.NotAfter) {
		return "expiring"
	}
	for _, h := range hosts {
		if err := leaf.VerifyHostname(h); err != nil {
			return "missing host " + h
		}
	}
	return ""
}

func (s *Store) issue(hosts []string) (tls.Certificate, error) {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate directory: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := s.now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"taxflow"}, CommonName: "taxflow local API"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := writePEM(s.certFile, "CERTIFICATE", der); err != nil {
		return tls.Certificate{}, err
	}
	if err := writePEM(s.keyFile, "EC PRIVATE KEY", keyDER); err != nil {
		return tls.Certificate{}, err
	}
	return tls.LoadX509KeyPair(s.certFile, s.keyFile)
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
