package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// selfSignedCert gera um certificado auto-assinado e grava cert/key em PEM.
func selfSignedCert(t *testing.T) (certPath, keyPath string, der []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mysqlbak-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err = x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}

	dir := t.TempDir()
	certPath = filepath.Join(dir, "server.crt")
	keyPath = filepath.Join(dir, "server.key")

	certOut, _ := os.Create(certPath)
	pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	certOut.Close()

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	keyOut, _ := os.Create(keyPath)
	pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	keyOut.Close()

	return certPath, keyPath, der
}

func TestNewServerTLSConfig(t *testing.T) {
	certPath, keyPath, _ := selfSignedCert(t)

	cfg, err := NewServerTLSConfig(certPath, keyPath, "")
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("minVersion = %x", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d", len(cfg.Certificates))
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("clientAuth = %v without CA", cfg.ClientAuth)
	}
}

func TestNewServerTLSConfigWithClientCA(t *testing.T) {
	certPath, keyPath, _ := selfSignedCert(t)

	cfg, err := NewServerTLSConfig(certPath, keyPath, certPath)
	if err != nil {
		t.Fatalf("NewServerTLSConfig: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("clientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Error("clientCAs not set")
	}
}

func TestNewServerTLSConfigMissingFiles(t *testing.T) {
	if _, err := NewServerTLSConfig("/nonexistent.crt", "/nonexistent.key", ""); err == nil {
		t.Error("expected error for missing key pair")
	}

	certPath, keyPath, _ := selfSignedCert(t)
	if _, err := NewServerTLSConfig(certPath, keyPath, "/nonexistent-ca.crt"); err == nil {
		t.Error("expected error for missing CA")
	}
}

func TestClientThumbprintPin(t *testing.T) {
	_, _, der := selfSignedCert(t)
	thumb := Thumbprint(der)

	cfg, err := NewClientTLSConfig(VerifyThumbprint, "", thumb)
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if cfg.VerifyPeerCertificate == nil {
		t.Fatal("pin callback not installed")
	}

	if err := cfg.VerifyPeerCertificate([][]byte{der}, nil); err != nil {
		t.Errorf("matching thumbprint rejected: %v", err)
	}
	if err := cfg.VerifyPeerCertificate([][]byte{{0xde, 0xad}}, nil); err == nil {
		t.Error("mismatched certificate accepted")
	}
	if err := cfg.VerifyPeerCertificate(nil, nil); err == nil {
		t.Error("empty chain accepted")
	}
}

func TestClientThumbprintNormalization(t *testing.T) {
	_, _, der := selfSignedCert(t)
	thumb := Thumbprint(der)

	// Forma "AA:BB:..." maiúscula, como ferramentas de PKI costumam exibir
	var parts []string
	for i := 0; i < len(thumb); i += 2 {
		parts = append(parts, strings.ToUpper(thumb[i:i+2]))
	}

	cfg, err := NewClientTLSConfig(VerifyThumbprint, "", strings.Join(parts, ":"))
	if err != nil {
		t.Fatalf("NewClientTLSConfig: %v", err)
	}
	if err := cfg.VerifyPeerCertificate([][]byte{der}, nil); err != nil {
		t.Errorf("normalized thumbprint rejected: %v", err)
	}
}

func TestClientThumbprintInvalid(t *testing.T) {
	if _, err := NewClientTLSConfig(VerifyThumbprint, "", "not-a-thumbprint"); err == nil {
		t.Error("expected error for malformed thumbprint")
	}
	if _, err := NewClientTLSConfig(VerifyThumbprint, "", ""); err == nil {
		t.Error("expected error for empty thumbprint")
	}
}

func TestClientModes(t *testing.T) {
	certPath, _, _ := selfSignedCert(t)

	full, err := NewClientTLSConfig(VerifyFull, certPath, "")
	if err != nil {
		t.Fatalf("full: %v", err)
	}
	if full.InsecureSkipVerify || full.RootCAs == nil {
		t.Errorf("full mode config = %+v", full)
	}

	// Full sem CA usa as roots do sistema
	sysRoots, err := NewClientTLSConfig(VerifyFull, "", "")
	if err != nil {
		t.Fatalf("full without CA: %v", err)
	}
	if sysRoots.RootCAs != nil {
		t.Error("explicit roots set without a CA path")
	}

	insecure, err := NewClientTLSConfig(VerifyInsecure, "", "")
	if err != nil {
		t.Fatalf("insecure: %v", err)
	}
	if !insecure.InsecureSkipVerify {
		t.Error("insecure mode must skip verification")
	}

	if _, err := NewClientTLSConfig("bogus", "", ""); err == nil {
		t.Error("expected error for unknown mode")
	}
}
