// Package transport brings up the QUIC endpoint and its TLS material.
package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"dezap/config"
)

// ALPN is the application protocol negotiated over QUIC.
const ALPN = "dezap/1"

// selfSignedValidity bounds ephemeral certificates; a fresh one is generated
// each run.
const selfSignedValidity = 365 * 24 * time.Hour

// LoadCertificate returns the PEM-configured certificate or generates an
// ephemeral self-signed one with the handle as common name.
func LoadCertificate(settings config.TLSSettings, handle string) (tls.Certificate, error) {
	if settings.UsesPEMFiles() {
		cert, err := tls.LoadX509KeyPair(settings.CertPath, settings.KeyPath)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("load tls key pair: %w", err)
		}
		return cert, nil
	}
	return generateSelfSigned(handle, settings.ServerName)
}

// ServerTLSConfig builds the listener-side TLS configuration.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig builds the dialer-side TLS configuration. With
// insecure_local set any certificate is accepted; otherwise verification uses
// the system roots plus the pinned peer certificates.
func ClientTLSConfig(settings config.TLSSettings) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: settings.ServerName,
		NextProtos: []string{ALPN},
		MinVersion: tls.VersionTLS13,
	}
	if settings.InsecureLocal {
		conf.InsecureSkipVerify = true
		return conf, nil
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}
	for _, path := range settings.PinnedCerts {
		pem, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pinned certificate %q: %w", path, err)
		}
		if !roots.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("pinned certificate %q holds no certificates", path)
		}
	}
	conf.RootCAs = roots
	return conf, nil
}

func generateSelfSigned(handle, serverName string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate tls key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate certificate serial: %w", err)
	}

	names := []string{"localhost"}
	if serverName != "" {
		names = append(names, serverName)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: handle},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              names,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create self-signed certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
