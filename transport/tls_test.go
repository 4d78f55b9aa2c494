package transport

import (
	"crypto/x509"
	"testing"

	"dezap/config"
)

func TestGenerateSelfSignedCertificate(t *testing.T) {
	cert, err := LoadCertificate(config.TLSSettings{ServerName: "dezap.local"}, "alice")
	if err != nil {
		t.Fatalf("LoadCertificate failed: %v", err)
	}
	if len(cert.Certificate) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cert.Certificate))
	}

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	if parsed.Subject.CommonName != "alice" {
		t.Fatalf("unexpected common name %q", parsed.Subject.CommonName)
	}

	names := make(map[string]bool)
	for _, name := range parsed.DNSNames {
		names[name] = true
	}
	if !names["localhost"] || !names["dezap.local"] {
		t.Fatalf("expected localhost and server name SANs, got %v", parsed.DNSNames)
	}
}

func TestServerTLSConfigCarriesALPN(t *testing.T) {
	cert, err := LoadCertificate(config.TLSSettings{}, "bob")
	if err != nil {
		t.Fatalf("LoadCertificate failed: %v", err)
	}
	conf := ServerTLSConfig(cert)
	if len(conf.NextProtos) != 1 || conf.NextProtos[0] != ALPN {
		t.Fatalf("unexpected ALPN list %v", conf.NextProtos)
	}
}

func TestClientTLSConfigInsecureLocal(t *testing.T) {
	conf, err := ClientTLSConfig(config.TLSSettings{ServerName: "dezap.local", InsecureLocal: true})
	if err != nil {
		t.Fatalf("ClientTLSConfig failed: %v", err)
	}
	if !conf.InsecureSkipVerify {
		t.Fatalf("expected InsecureSkipVerify with insecure_local")
	}
	if conf.ServerName != "dezap.local" {
		t.Fatalf("unexpected server name %q", conf.ServerName)
	}
}

func TestClientTLSConfigRejectsMissingPinnedCert(t *testing.T) {
	_, err := ClientTLSConfig(config.TLSSettings{
		ServerName:  "dezap.local",
		PinnedCerts: []string{"/nonexistent/peer.pem"},
	})
	if err == nil {
		t.Fatalf("expected error for unreadable pinned certificate")
	}
}
