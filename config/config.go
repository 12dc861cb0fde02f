package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pixshare"
	// DataDirEnv overrides the data directory, mainly for tests and portable installs.
	DataDirEnv = "PIXSHARE_DATA_DIR"
	// DefaultListeningPort is the TCP port used in fixed mode when none is set.
	DefaultListeningPort = 47374
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"

	DefaultDiscoveryGroup     = "239.255.73.73"
	DefaultDiscoveryPort      = 47373
	DefaultAnnounceIntervalMS = 3_000
	DefaultLivenessTimeoutMS  = 15_000
	DefaultJPEGQuality        = 90
	DefaultChunkSize          = 256 * 1024
	DefaultNegotiationMS      = 60_000
	DefaultStallMS            = 15_000

	// AutoAccept policies for inbound offers.
	AutoAcceptAsk    = "ask"
	AutoAcceptAlways = "always"
	AutoAcceptNever  = "never"

	configFileName = "config.json"
	defaultName    = "pixshare device"
	maxChunkSize   = 4 * 1024 * 1024
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceID              string   `json:"device_id"`
	DeviceName            string   `json:"device_name"`
	PortMode              string   `json:"port_mode"`
	ListeningPort         int      `json:"listening_port"`
	DiscoveryGroup        string   `json:"discovery_group"`
	DiscoveryPort         int      `json:"discovery_port"`
	DiscoveryTargets      []string `json:"discovery_targets,omitempty"`
	AnnounceIntervalMS    int      `json:"announce_interval_ms"`
	LivenessTimeoutMS     int      `json:"liveness_timeout_ms"`
	MDNSEnabled           *bool    `json:"mdns_enabled,omitempty"`
	JPEGQuality           int      `json:"jpeg_quality"`
	ChunkSize             int      `json:"chunk_size"`
	NegotiationTimeoutMS  int      `json:"negotiation_timeout_ms"`
	StallTimeoutMS        int      `json:"stall_timeout_ms"`
	AutoAccept            string   `json:"auto_accept"`
	DownloadDir           string   `json:"download_dir"`
	Ed25519PrivateKeyPath string   `json:"ed25519_private_key_path"`
	Ed25519PublicKeyPath  string   `json:"ed25519_public_key_path"`
	KeyFingerprint        string   `json:"key_fingerprint"`
}

// AnnounceInterval returns the discovery announce period.
func (c *DeviceConfig) AnnounceInterval() time.Duration {
	return time.Duration(c.AnnounceIntervalMS) * time.Millisecond
}

// LivenessTimeout returns how long a silent peer stays listed.
func (c *DeviceConfig) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutMS) * time.Millisecond
}

// NegotiationTimeout returns how long an offer may wait for a decision.
func (c *DeviceConfig) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutMS) * time.Millisecond
}

// StallTimeout returns the longest allowed gap between transfer chunks.
func (c *DeviceConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMS) * time.Millisecond
}

// MDNS reports whether the mDNS discovery source is enabled.
func (c *DeviceConfig) MDNS() bool {
	return c.MDNSEnabled == nil || *c.MDNSEnabled
}

// Validate rejects values the rest of the application cannot run with.
func (c *DeviceConfig) Validate() error {
	var errs []error
	if _, err := uuid.Parse(c.DeviceID); err != nil {
		errs = append(errs, fmt.Errorf("device_id: %w", err))
	}
	if c.ListeningPort < 0 || c.ListeningPort > 65535 {
		errs = append(errs, fmt.Errorf("listening_port %d out of range", c.ListeningPort))
	}
	if ip := net.ParseIP(c.DiscoveryGroup); ip == nil || !ip.IsMulticast() || ip.To4() == nil {
		errs = append(errs, fmt.Errorf("discovery_group %q is not an IPv4 multicast address", c.DiscoveryGroup))
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		errs = append(errs, fmt.Errorf("discovery_port %d out of range", c.DiscoveryPort))
	}
	if c.AnnounceIntervalMS <= 0 {
		errs = append(errs, fmt.Errorf("announce_interval_ms must be positive"))
	}
	if c.LivenessTimeoutMS <= c.AnnounceIntervalMS {
		errs = append(errs, fmt.Errorf("liveness_timeout_ms %d must exceed announce_interval_ms %d", c.LivenessTimeoutMS, c.AnnounceIntervalMS))
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("jpeg_quality %d outside 1..100", c.JPEGQuality))
	}
	if c.ChunkSize <= 0 || c.ChunkSize > maxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size %d outside 1..%d", c.ChunkSize, maxChunkSize))
	}
	if c.NegotiationTimeoutMS <= 0 || c.StallTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("transfer timeouts must be positive"))
	}
	if normalizeAutoAccept(c.AutoAccept) == "" {
		errs = append(errs, fmt.Errorf("auto_accept %q must be one of ask, always, never", c.AutoAccept))
	}
	return errors.Join(errs...)
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PIXSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// DatabasePath returns the transfer history database path.
func DatabasePath(dataDir string) string {
	return filepath.Join(dataDir, "pixshare.db")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
		filepath.Join(dataDir, "received"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// The returned config has passed Validate.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}
		cfg = &DeviceConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	} else if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func hostName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultName
}

// normalizeDefaults fills zero-valued fields and reports whether anything changed.
func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}
	setInt := func(field *int, value int) {
		if *field == 0 {
			*field = value
			updated = true
		}
	}

	setString(&cfg.DeviceID, uuid.NewString())
	setString(&cfg.DeviceName, hostName())

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}
	if cfg.PortMode == PortModeFixed {
		setInt(&cfg.ListeningPort, DefaultListeningPort)
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	setString(&cfg.DiscoveryGroup, DefaultDiscoveryGroup)
	setInt(&cfg.DiscoveryPort, DefaultDiscoveryPort)
	setInt(&cfg.AnnounceIntervalMS, DefaultAnnounceIntervalMS)
	setInt(&cfg.LivenessTimeoutMS, DefaultLivenessTimeoutMS)
	setInt(&cfg.JPEGQuality, DefaultJPEGQuality)
	setInt(&cfg.ChunkSize, DefaultChunkSize)
	setInt(&cfg.NegotiationTimeoutMS, DefaultNegotiationMS)
	setInt(&cfg.StallTimeoutMS, DefaultStallMS)
	setString(&cfg.AutoAccept, AutoAcceptAsk)
	setString(&cfg.DownloadDir, filepath.Join(dataDir, "received"))
	setString(&cfg.Ed25519PrivateKeyPath, filepath.Join(keysDir, "ed25519_private.pem"))
	setString(&cfg.Ed25519PublicKeyPath, filepath.Join(keysDir, "ed25519_public.pem"))

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic, PortModeFixed:
		return mode
	default:
		return ""
	}
}

func normalizeAutoAccept(policy string) string {
	switch policy {
	case AutoAcceptAsk, AutoAcceptAlways, AutoAcceptNever:
		return policy
	default:
		return ""
	}
}
