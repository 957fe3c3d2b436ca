// Package tls builds the optional TLS configuration for the admin HTTP
// surface: either a pair of operator-supplied cert/key files, or an
// auto-generated self-signed certificate for development use.
package tls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Config selects how the admin HTTP surface terminates TLS.
type Config struct {
	CertFile     string
	KeyFile      string
	AutoGenerate bool
	AutoGenDir   string
	CommonName   string
	DNSNames     []string
}

// Load returns a *tls.Config ready to pass to http.Server.TLSConfig, or
// nil, nil if cfg is the zero value (TLS disabled).
func Load(cfg Config) (*tls.Config, error) {
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: load cert pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	case cfg.AutoGenerate:
		certPath := filepath.Join(cfg.AutoGenDir, "admin.crt")
		keyPath := filepath.Join(cfg.AutoGenDir, "admin.key")
		if err := ensureSelfSigned(certPath, keyPath, cfg.CommonName, cfg.DNSNames); err != nil {
			return nil, err
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("tls: load generated cert pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	default:
		return nil, nil
	}
}

// ensureSelfSigned writes a fresh self-signed cert/key pair to certPath
// and keyPath unless both already exist.
func ensureSelfSigned(certPath, keyPath, commonName string, dnsNames []string) error {
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(certPath), 0o755); err != nil {
		return fmt.Errorf("tls: mkdir %s: %w", filepath.Dir(certPath), err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("tls: generate key: %w", err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
	}
	for _, name := range dnsNames {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("tls: create certificate: %w", err)
	}

	if err := writePEM(certPath, "CERTIFICATE", der); err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("tls: marshal private key: %w", err)
	}
	return writePEM(keyPath, "PRIVATE KEY", keyDER)
}
