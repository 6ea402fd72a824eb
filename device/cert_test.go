/* SPDX-License-Identifier: MIT */

package device

import (
	"crypto/x509"
	"testing"
)

func TestLoadOrGenerateCredentialsGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrGenerateCredentials(dir)
	if err != nil {
		t.Fatalf("generating credentials: %v", err)
	}
	if first.DeviceID == "" {
		t.Fatal("expected a non-empty generated device id")
	}

	second, err := LoadOrGenerateCredentials(dir)
	if err != nil {
		t.Fatalf("reloading credentials: %v", err)
	}
	if second.DeviceID != first.DeviceID {
		t.Fatalf("device id changed across reload: %q vs %q", first.DeviceID, second.DeviceID)
	}
}

func TestCertificatePEMRoundTrip(t *testing.T) {
	dir := t.TempDir()
	creds, err := LoadOrGenerateCredentials(dir)
	if err != nil {
		t.Fatalf("generating credentials: %v", err)
	}

	leaf, err := x509.ParseCertificate(creds.TLSCert.Certificate[0])
	if err != nil {
		t.Fatalf("parsing generated leaf: %v", err)
	}

	cert, err := ParseCertificatePEM(CertificatePEM(leaf))
	if err != nil {
		t.Fatalf("parsing round-tripped PEM: %v", err)
	}
	if cert.Subject.CommonName != creds.DeviceID {
		t.Fatalf("CN = %q, want %q", cert.Subject.CommonName, creds.DeviceID)
	}
}
