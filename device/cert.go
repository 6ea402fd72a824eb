/* SPDX-License-Identifier: MIT
 *
 * Certificate authority (C3): a single self-signed X.509 identity
 * this host presents on every TLS upgrade, with its CN pinned to the
 * device id, grounded on original_source/konnect/certificate.py.
 */

package device

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName = "certificate.pem"
	keyFileName  = "privateKey.pem"

	certValidityPast   = 365 * 24 * time.Hour
	certValidityFuture = 3650 * 24 * time.Hour
)

// Credentials bundles the long-lived TLS identity of this host: its
// device id (the certificate's CN) and the certificate/key pair
// presented on every TLS upgrade.
type Credentials struct {
	DeviceID string
	TLSCert  tls.Certificate
}

// LoadOrGenerateCredentials loads certificate.pem/privateKey.pem from
// dir, generating a fresh self-signed identity on first run. The
// device id is read back from the certificate's CN so it survives
// restarts without a separate config file.
func LoadOrGenerateCredentials(dir string) (*Credentials, error) {
	certPath := filepath.Join(dir, certFileName)
	keyPath := filepath.Join(dir, keyFileName)

	if _, err := os.Stat(certPath); err == nil {
		return loadCredentials(certPath, keyPath)
	}

	deviceID, err := newDeviceID()
	if err != nil {
		return nil, fmt.Errorf("generating device id: %w", err)
	}
	return generateCredentials(dir, certPath, keyPath, deviceID)
}

func newDeviceID() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func generateCredentials(dir, certPath, keyPath, deviceID string) (*Credentials, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         deviceID,
			OrganizationalUnit: []string{"KDE Connect"},
			Organization:       []string{"KDE"},
		},
		NotBefore:             time.Now().Add(-certValidityPast),
		NotAfter:              time.Now().Add(certValidityFuture),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating config dir: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building tls credentials: %w", err)
	}

	return &Credentials{DeviceID: deviceID, TLSCert: tlsCert}, nil
}

func loadCredentials(certPath, keyPath string) (*Credentials, error) {
	tlsCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading tls credentials: %w", err)
	}

	leaf, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	return &Credentials{DeviceID: leaf.Subject.CommonName, TLSCert: tlsCert}, nil
}

// CertificatePEM returns cert, PEM-encoded, for
// persisting alongside a newly trusted peer.
func CertificatePEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// ParseCertificatePEM parses a PEM-encoded certificate, as stored by
// the trust store for a previously paired peer.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
