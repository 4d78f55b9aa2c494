// Package config loads the immutable per-run settings record from a TOML file
// with DEZAP__SECTION__KEY environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	// EnvPrefix is the environment override prefix.
	EnvPrefix = "DEZAP__"
	// DefaultListenAddr is the listener bind address when none is configured.
	DefaultListenAddr = "0.0.0.0:5000"
	// DefaultDiscoveryPort is the UDP discovery port.
	DefaultDiscoveryPort = 54095
	// DefaultResponseTTLMillis is the discovery response collection window.
	DefaultResponseTTLMillis = 2000
	// DefaultMaxMessageBytes caps one chat message before encryption (16 KiB).
	DefaultMaxMessageBytes = 16 * 1024
	// DefaultMaxFileBytes caps one file transfer (1 GiB).
	DefaultMaxFileBytes = 1 * 1024 * 1024 * 1024
	// DefaultChunkBytes is the file chunk size (64 KiB).
	DefaultChunkBytes = 64 * 1024
	// DefaultServerName is the TLS server name for self-signed material.
	DefaultServerName = "dezap.local"
	// configFileName is the default configuration file.
	configFileName = "config.toml"
)

// ErrUnknownKey indicates an unrecognized DEZAP__ environment override.
var ErrUnknownKey = errors.New("config: unknown configuration key")

// Settings is the immutable per-run configuration record.
type Settings struct {
	Listen    ListenSettings    `toml:"listen"`
	Peer      PeerSettings      `toml:"peer"`
	Identity  IdentitySettings  `toml:"identity"`
	Paths     PathsSettings     `toml:"paths"`
	Limits    LimitsSettings    `toml:"limits"`
	TLS       TLSSettings       `toml:"tls"`
	UI        UISettings        `toml:"ui"`
	Logging   LoggingSettings   `toml:"logging"`
	Discovery DiscoverySettings `toml:"discovery"`
}

// ListenSettings configures the QUIC listener.
type ListenSettings struct {
	BindAddr string `toml:"bind_addr"`
	Password string `toml:"password"`
}

// PeerSettings holds the optional default peer for one-shot commands.
type PeerSettings struct {
	DefaultPeer string `toml:"default_peer"`
}

// IdentitySettings names the local instance.
type IdentitySettings struct {
	Handle string `toml:"handle"`
}

// PathsSettings locates persisted files.
type PathsSettings struct {
	DownloadDir string `toml:"download_dir"`
	HistoryDir  string `toml:"history_dir"`
	PeersFile   string `toml:"peers_file"`
}

// LimitsSettings protects resources.
type LimitsSettings struct {
	MaxMessageBytes int   `toml:"max_message_bytes"`
	MaxFileBytes    int64 `toml:"max_file_bytes"`
	ChunkSizeBytes  int   `toml:"chunk_size_bytes"`
}

// TLSSettings selects PEM files or ephemeral self-signed material.
type TLSSettings struct {
	CertPath      string   `toml:"cert_path"`
	KeyPath       string   `toml:"key_path"`
	ServerName    string   `toml:"server_name"`
	InsecureLocal bool     `toml:"insecure_local"`
	PinnedCerts   []string `toml:"pinned_certs"`
}

// UsesPEMFiles reports whether both PEM paths are configured.
func (t TLSSettings) UsesPEMFiles() bool {
	return t.CertPath != "" && t.KeyPath != ""
}

// UISettings carries front-end hints the core ignores.
type UISettings struct {
	ShowTimestamps bool   `toml:"show_timestamps"`
	Accent         string `toml:"accent"`
}

// LoggingSettings configures log verbosity.
type LoggingSettings struct {
	Level string `toml:"level"`
}

// DiscoverySettings configures UDP broadcast discovery.
type DiscoverySettings struct {
	Enabled       bool   `toml:"enabled"`
	Port          int    `toml:"port"`
	ResponseTTLMs int    `toml:"response_ttl_ms"`
	BroadcastAddr string `toml:"broadcast_addr"`
}

// Default returns the settings used when no file or override is present.
func Default() Settings {
	handle := "dezapster"
	if host, err := os.Hostname(); err == nil && host != "" {
		handle = host
	}

	dataDir := defaultDataDir()
	return Settings{
		Listen: ListenSettings{BindAddr: DefaultListenAddr},
		Identity: IdentitySettings{
			Handle: handle,
		},
		Paths: PathsSettings{
			DownloadDir: filepath.Join(dataDir, "downloads"),
			HistoryDir:  filepath.Join(dataDir, "history"),
			PeersFile:   filepath.Join(dataDir, "peers.json"),
		},
		Limits: LimitsSettings{
			MaxMessageBytes: DefaultMaxMessageBytes,
			MaxFileBytes:    DefaultMaxFileBytes,
			ChunkSizeBytes:  DefaultChunkBytes,
		},
		TLS: TLSSettings{
			ServerName:    DefaultServerName,
			InsecureLocal: true,
		},
		UI: UISettings{ShowTimestamps: true, Accent: "crimson"},
		Logging: LoggingSettings{
			Level: "info",
		},
		Discovery: DiscoverySettings{
			Enabled:       true,
			Port:          DefaultDiscoveryPort,
			ResponseTTLMs: DefaultResponseTTLMillis,
		},
	}
}

// Load builds the settings: defaults, then the default or explicit TOML file,
// then environment overrides. Target directories are created on load.
func Load(explicitPath string) (Settings, error) {
	settings := Default()

	path := explicitPath
	required := explicitPath != ""
	if path == "" {
		path = filepath.Join(defaultConfigDir(), configFileName)
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(raw, &settings); err != nil {
			return Settings{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
		// Defaults apply.
	default:
		return Settings{}, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := applyEnvOverrides(&settings, os.Environ()); err != nil {
		return Settings{}, err
	}
	if err := settings.validate(); err != nil {
		return Settings{}, err
	}
	if err := settings.ensureDirectories(); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

func (s Settings) validate() error {
	if s.Identity.Handle == "" {
		return errors.New("config: identity handle is required")
	}
	if s.Limits.MaxMessageBytes <= 0 {
		return errors.New("config: max_message_bytes must be positive")
	}
	if s.Limits.MaxFileBytes <= 0 {
		return errors.New("config: max_file_bytes must be positive")
	}
	if s.Limits.ChunkSizeBytes <= 0 {
		return errors.New("config: chunk_size_bytes must be positive")
	}
	if s.Discovery.Port <= 0 || s.Discovery.Port > 65535 {
		return fmt.Errorf("config: invalid discovery port %d", s.Discovery.Port)
	}
	if (s.TLS.CertPath == "") != (s.TLS.KeyPath == "") {
		return errors.New("config: tls cert_path and key_path must be set together")
	}
	return nil
}

func (s Settings) ensureDirectories() error {
	dirs := []string{
		s.Paths.DownloadDir,
		s.Paths.HistoryDir,
		filepath.Dir(s.Paths.PeersFile),
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func applyEnvOverrides(settings *Settings, environ []string) error {
	for _, entry := range environ {
		if !strings.HasPrefix(entry, EnvPrefix) {
			continue
		}

		pair := strings.SplitN(entry[len(EnvPrefix):], "=", 2)
		if len(pair) != 2 {
			continue
		}
		parts := strings.SplitN(pair[0], "__", 2)
		if len(parts) != 2 {
			return fmt.Errorf("%w: %q", ErrUnknownKey, pair[0])
		}

		section := strings.ToLower(parts[0])
		key := strings.ToLower(parts[1])
		if err := settings.applyOverride(section, key, pair[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settings) applyOverride(section, key, value string) error {
	switch section + "." + key {
	case "listen.bind_addr":
		s.Listen.BindAddr = value
	case "listen.password":
		s.Listen.Password = value
	case "peer.default_peer":
		s.Peer.DefaultPeer = value
	case "identity.handle":
		s.Identity.Handle = value
	case "paths.download_dir":
		s.Paths.DownloadDir = value
	case "paths.history_dir":
		s.Paths.HistoryDir = value
	case "paths.peers_file":
		s.Paths.PeersFile = value
	case "limits.max_message_bytes":
		return setInt(&s.Limits.MaxMessageBytes, section, key, value)
	case "limits.max_file_bytes":
		return setInt64(&s.Limits.MaxFileBytes, section, key, value)
	case "limits.chunk_size_bytes":
		return setInt(&s.Limits.ChunkSizeBytes, section, key, value)
	case "tls.cert_path":
		s.TLS.CertPath = value
	case "tls.key_path":
		s.TLS.KeyPath = value
	case "tls.server_name":
		s.TLS.ServerName = value
	case "tls.insecure_local":
		return setBool(&s.TLS.InsecureLocal, section, key, value)
	case "ui.show_timestamps":
		return setBool(&s.UI.ShowTimestamps, section, key, value)
	case "ui.accent":
		s.UI.Accent = value
	case "logging.level":
		s.Logging.Level = value
	case "discovery.enabled":
		return setBool(&s.Discovery.Enabled, section, key, value)
	case "discovery.port":
		return setInt(&s.Discovery.Port, section, key, value)
	case "discovery.response_ttl_ms":
		return setInt(&s.Discovery.ResponseTTLMs, section, key, value)
	case "discovery.broadcast_addr":
		s.Discovery.BroadcastAddr = value
	default:
		return fmt.Errorf("%w: %s.%s", ErrUnknownKey, section, key)
	}
	return nil
}

func setInt(dst *int, section, key, value string) error {
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("config: invalid %s.%s value %q: %w", section, key, value, err)
	}
	*dst = parsed
	return nil
}

func setInt64(dst *int64, section, key, value string) error {
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("config: invalid %s.%s value %q: %w", section, key, value, err)
	}
	*dst = parsed
	return nil
}

func setBool(dst *bool, section, key, value string) error {
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("config: invalid %s.%s value %q: %w", section, key, value, err)
	}
	*dst = parsed
	return nil
}

func defaultConfigDir() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "dezap")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dezap")
}

func defaultDataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, "dezap")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "dezap")
}
