// Package pki fornece as configurações TLS do protocolo MySQLBak:
// server com certificado próprio e três modos de verificação no client
// (PKI completa, pin por thumbprint SHA-256 e inseguro para desenvolvimento).
package pki

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// VerifyMode define como o client valida o certificado do server.
type VerifyMode string

const (
	// VerifyFull valida a cadeia completa contra a CA (ou as roots do sistema).
	VerifyFull VerifyMode = "full"
	// VerifyThumbprint aceita apenas o certificado com o SHA-256 pinado.
	VerifyThumbprint VerifyMode = "thumbprint"
	// VerifyInsecure desabilita a verificação. Apenas para desenvolvimento.
	VerifyInsecure VerifyMode = "insecure"
)

// NewServerTLSConfig cria uma configuração TLS 1.3 para o server.
// caCertPath opcional habilita mTLS com verificação obrigatória do client.
func NewServerTLSConfig(serverCertPath, serverKeyPath, caCertPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
	}

	if caCertPath != "" {
		caPool, err := loadCACertPool(caCertPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = caPool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// NewClientTLSConfig cria a configuração TLS do client segundo o modo de
// verificação. Em VerifyFull, caCertPath vazio usa as roots do sistema.
// Em VerifyThumbprint, thumbprint é o SHA-256 hex do certificado do server.
func NewClientTLSConfig(mode VerifyMode, caCertPath, thumbprint string) (*tls.Config, error) {
	switch mode {
	case VerifyFull:
		cfg := &tls.Config{MinVersion: tls.VersionTLS13}
		if caCertPath != "" {
			caPool, err := loadCACertPool(caCertPath)
			if err != nil {
				return nil, err
			}
			cfg.RootCAs = caPool
		}
		return cfg, nil

	case VerifyThumbprint:
		want := normalizeThumbprint(thumbprint)
		if len(want) != sha256.Size*2 {
			return nil, fmt.Errorf("invalid thumbprint %q: want %d hex chars", thumbprint, sha256.Size*2)
		}
		return &tls.Config{
			MinVersion: tls.VersionTLS13,
			// A verificação de cadeia padrão é substituída pelo pin
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return fmt.Errorf("server presented no certificate")
				}
				sum := sha256.Sum256(rawCerts[0])
				got := hex.EncodeToString(sum[:])
				if got != want {
					return fmt.Errorf("certificate thumbprint mismatch: got %s", got)
				}
				return nil
			},
		}, nil

	case VerifyInsecure:
		return &tls.Config{
			MinVersion:         tls.VersionTLS13,
			InsecureSkipVerify: true,
		}, nil

	default:
		return nil, fmt.Errorf("unknown TLS verify mode %q", mode)
	}
}

// Thumbprint computa o SHA-256 hex de um certificado DER.
func Thumbprint(rawCert []byte) string {
	sum := sha256.Sum256(rawCert)
	return hex.EncodeToString(sum[:])
}

// normalizeThumbprint remove separadores comuns e normaliza para lowercase.
func normalizeThumbprint(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, ":", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

func loadCACertPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return pool, nil
}
