package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[listen]
bind_addr = "127.0.0.1:5000"
password = "s3cret"

[identity]
handle = "alice"

[paths]
download_dir = "` + filepath.ToSlash(filepath.Join(dir, "dl")) + `"
history_dir = "` + filepath.ToSlash(filepath.Join(dir, "hist")) + `"
peers_file = "` + filepath.ToSlash(filepath.Join(dir, "peers.json")) + `"

[limits]
max_message_bytes = 1024

[discovery]
enabled = false
port = 54095
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	settings, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if settings.Listen.BindAddr != "127.0.0.1:5000" {
		t.Fatalf("unexpected bind addr %q", settings.Listen.BindAddr)
	}
	if settings.Listen.Password != "s3cret" {
		t.Fatalf("unexpected password %q", settings.Listen.Password)
	}
	if settings.Identity.Handle != "alice" {
		t.Fatalf("unexpected handle %q", settings.Identity.Handle)
	}
	if settings.Limits.MaxMessageBytes != 1024 {
		t.Fatalf("unexpected max_message_bytes %d", settings.Limits.MaxMessageBytes)
	}
	// Unset limits keep defaults.
	if settings.Limits.ChunkSizeBytes != DefaultChunkBytes {
		t.Fatalf("unexpected chunk size %d", settings.Limits.ChunkSizeBytes)
	}
	if settings.Discovery.Enabled {
		t.Fatalf("expected discovery disabled")
	}

	for _, dir := range []string{settings.Paths.DownloadDir, settings.Paths.HistoryDir} {
		if _, err := os.Stat(dir); err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	settings := Default()
	environ := []string{
		"DEZAP__LISTEN__BIND_ADDR=0.0.0.0:6000",
		"DEZAP__IDENTITY__HANDLE=bob",
		"DEZAP__LIMITS__MAX_FILE_BYTES=2048",
		"DEZAP__DISCOVERY__ENABLED=false",
		"DEZAP__TLS__INSECURE_LOCAL=false",
		"UNRELATED=1",
	}

	if err := applyEnvOverrides(&settings, environ); err != nil {
		t.Fatalf("applyEnvOverrides failed: %v", err)
	}

	if settings.Listen.BindAddr != "0.0.0.0:6000" {
		t.Fatalf("unexpected bind addr %q", settings.Listen.BindAddr)
	}
	if settings.Identity.Handle != "bob" {
		t.Fatalf("unexpected handle %q", settings.Identity.Handle)
	}
	if settings.Limits.MaxFileBytes != 2048 {
		t.Fatalf("unexpected max_file_bytes %d", settings.Limits.MaxFileBytes)
	}
	if settings.Discovery.Enabled {
		t.Fatalf("expected discovery disabled")
	}
	if settings.TLS.InsecureLocal {
		t.Fatalf("expected insecure_local disabled")
	}
}

func TestEnvOverrideRejectsUnknownKey(t *testing.T) {
	settings := Default()
	err := applyEnvOverrides(&settings, []string{"DEZAP__LISTEN__NOPE=1"})
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestEnvOverrideRejectsBadValue(t *testing.T) {
	settings := Default()
	err := applyEnvOverrides(&settings, []string{"DEZAP__LIMITS__MAX_MESSAGE_BYTES=notanumber"})
	if err == nil {
		t.Fatalf("expected error for non-numeric value")
	}
}

func TestValidateRejectsHalfConfiguredTLS(t *testing.T) {
	settings := Default()
	settings.TLS.CertPath = "/tmp/cert.pem"
	if err := settings.validate(); err == nil {
		t.Fatalf("expected error for cert without key")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
