// Package certs issues the self-signed certificate that anchors the
// persistent guest channel. The PEM cert bytes double as the pinning
// material delivered to the guest during bootstrap.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	keyBits  = 2048
	validity = 365 * 24 * time.Hour
)

// Material holds a generated certificate and its key, both PEM encoded.
// CertPEM is the exact byte sequence the guest pins.
type Material struct {
	CertPEM []byte
	KeyPEM  []byte
}

// GenerateSelfSigned issues an RSA-2048 certificate with CN=name, valid for
// one year, whose SubjectAlternativeName carries the given IP literal. The
// key is returned in PKCS#8 form.
func GenerateSelfSigned(name, ip string) (*Material, error) {
	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("generate cert: %q is not an IP literal", ip)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate cert: rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate cert: serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now,
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{addr},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("generate cert: create: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("generate cert: pkcs8: %w", err)
	}

	return &Material{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// ServerTLSConfig builds the TLS config the host's persistent-channel server
// presents.
func (m *Material) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("load generated keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// PinnedClientTLSConfig builds a client TLS config that trusts exactly the
// certificate whose PEM bytes are given, and nothing else. Beyond the root
// pool the raw presented certificate is compared byte for byte, so even a
// CA-signed certificate for the right host is rejected.
func PinnedClientTLSConfig(certPEM []byte) (*tls.Config, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("pin cert: not a PEM certificate")
	}
	pinned, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pin cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(pinned)

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				if string(raw) == string(pinned.Raw) {
					return nil
				}
			}
			return fmt.Errorf("peer certificate does not match pinned material")
		},
	}, nil
}
