// Package tls provides the self-signed certificate used when the content server runs
// with TLS and no certificate was supplied.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// CertificateValidity is the lifetime of a generated certificate
const CertificateValidity = 365 * 24 * time.Hour

// EnsureCertificate generates a self-signed certificate for hosts unless both files
// already exist. Hosts may be DNS names or IP addresses; localhost is always included.
func EnsureCertificate(certFile, keyFile string, hosts []string, logger *zap.SugaredLogger) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr == nil && keyErr == nil {
		logger.Infof("Using existing certificate %s", certFile)
		return nil
	}
	return generateSelfSignedCert(certFile, keyFile, hosts, logger)
}

func generateSelfSignedCert(certFile, keyFile string, hosts []string, logger *zap.SugaredLogger) error {
	logger.Infof("Generating self-signed certificate...")

	for _, f := range []string{certFile, keyFile} {
		if err := os.MkdirAll(filepath.Dir(f), 0755); err != nil {
			return fmt.Errorf("failed to create certificate directory: %w", err)
		}
	}

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Hot Update Content Server"},
			CommonName:   "localhost",
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(CertificateValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		DNSNames:              []string{"localhost"},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" && h != "localhost" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := writePEM(certFile, "CERTIFICATE", derBytes, 0644); err != nil {
		return err
	}
	if err := writePEM(keyFile, "PRIVATE KEY", keyBytes, 0600); err != nil {
		return err
	}

	logger.Infof("Generated self-signed certificate at %s (key %s) for %v", certFile, keyFile, template.DNSNames)
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	if err := pem.Encode(out, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return out.Close()
}
