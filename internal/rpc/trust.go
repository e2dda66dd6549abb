package rpc

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
)

// TLSConfig selects how server certificates are verified.
type TLSConfig struct {
	CAFile   string
	Insecure bool
}

// TrustStore holds certificates the user explicitly agreed to trust, keyed
// by SHA-256 fingerprint. Grants last for the lifetime of the store.
type TrustStore struct {
	mu      sync.RWMutex
	granted map[string]bool
	roots   *x509.CertPool
}

// NewTrustStore creates a store verifying against roots. A nil pool means
// the system roots.
func NewTrustStore(roots *x509.CertPool) *TrustStore {
	return &TrustStore{granted: make(map[string]bool), roots: roots}
}

// LoadTrustStore builds a store from cfg.
func LoadTrustStore(cfg TLSConfig) (*TrustStore, error) {
	caPath := strings.TrimSpace(cfg.CAFile)
	if caPath == "" {
		return NewTrustStore(nil), nil
	}
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("reading tls ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("rpc: parse tls ca bundle: %s", caPath)
	}
	return NewTrustStore(pool), nil
}

// Grant trusts the certificate with the given fingerprint.
func (s *TrustStore) Grant(fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted[strings.ToLower(fingerprint)] = true
}

// Trusted reports whether cert was granted.
func (s *TrustStore) Trusted(cert *x509.Certificate) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.granted[Fingerprint(cert)]
}

// ClientConfig returns a tls.Config that verifies the server chain against
// the store's roots and otherwise accepts only granted leaf certificates.
// Rejections surface as *TrustChallengeError.
func (s *TrustStore) ClientConfig(insecure bool) *tls.Config {
	if insecure {
		return &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: true}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// chain verification is done by verifyConnection
		InsecureSkipVerify: true,
		VerifyConnection:   s.verifyConnection,
	}
}

func (s *TrustStore) verifyConnection(cs tls.ConnectionState) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("rpc: server %s presented no certificate", cs.ServerName)
	}
	leaf := cs.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, c := range cs.PeerCertificates[1:] {
		intermediates.AddCert(c)
	}
	_, err := leaf.Verify(x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Roots:         s.roots,
		Intermediates: intermediates,
	})
	if err == nil || s.Trusted(leaf) {
		return nil
	}
	host := cs.ServerName
	if host == "" {
		// no SNI is sent for IP addresses
		host = hostOf(leaf)
	}
	return &TrustChallengeError{Host: host, Certificate: leaf, Err: err}
}

// Fingerprint returns the lowercase hex SHA-256 of the DER certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}
