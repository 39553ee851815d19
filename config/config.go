// Package config handles application configuration.
//
// Configuration is split into two categories:
//   - Network parameters: fixed per network, compiled in (see Params)
//   - Node settings: runtime configuration loaded from klingnet-spv.toml
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies the network a client syncs against.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// ParseNetwork converts a user supplied network name.
func ParseNetwork(s string) (NetworkType, error) {
	switch NetworkType(s) {
	case Mainnet, Testnet, Regtest:
		return NetworkType(s), nil
	case "":
		return Mainnet, nil
	}
	return "", fmt.Errorf("unknown network %q (want mainnet, testnet or regtest)", s)
}

// Memory modes for SyncConfig.Memory.
const (
	MemoryAuto   = "auto"
	MemoryLow    = "low"
	MemoryNormal = "normal"
)

// =============================================================================
// Node Configuration (runtime, per-node settings)
// =============================================================================

// Config holds the runtime configuration of an SPV client.
type Config struct {
	Network NetworkType `toml:"network"`
	DataDir string      `toml:"datadir"`

	P2P     P2PConfig     `toml:"p2p"`
	Sync    SyncConfig    `toml:"sync"`
	Wallet  WalletConfig  `toml:"wallet"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// P2PConfig holds peer-to-peer connection settings.
type P2PConfig struct {
	// TrustedHost pins the client to a single operator-chosen peer.
	// Accepts host, host:port, [v6]:port or a multiaddr. Only a multiaddr
	// with /p2p/<id> can be dialed; anything else falls back to the
	// curated peers of the network.
	TrustedHost string `toml:"trusted_host"`
	// TrustedPort is used when TrustedHost carries no port. 0 = network default.
	TrustedPort int `toml:"trusted_port"`

	ConnectTimeout   Duration `toml:"connect_timeout"`
	DiscoveryTimeout Duration `toml:"discovery_timeout"`
	UserAgent        string   `toml:"user_agent"`

	// DHT enables generic seed discovery when no curated host resolves.
	DHT       bool     `toml:"dht"`
	Bootstrap []string `toml:"bootstrap"` // DHT bootstrap multiaddrs

	ResolverTTL Duration `toml:"resolver_ttl"`
}

// SyncConfig holds header sync settings.
type SyncConfig struct {
	// CheckpointFile overrides the bundle location (default <datadir>/<network>/checkpoints-<network>.txt).
	CheckpointFile string `toml:"checkpoint_file"`
	// Memory is auto, low or normal. Low caps the peer count.
	Memory string `toml:"memory"`
	// MinFreeDisk is the free space (bytes) below which sync is impeded.
	MinFreeDisk uint64 `toml:"min_free_disk"`
	// PollInterval is the impediment monitor cadence.
	PollInterval Duration `toml:"poll_interval"`
}

// WalletConfig holds wallet bookkeeping settings.
type WalletConfig struct {
	File string `toml:"file"`
	// Birthday is the earliest key creation time (unix seconds) recorded on reset.
	Birthday int64 `toml:"birthday"`
}

// MetricsConfig holds prometheus exporter settings.
type MetricsConfig struct {
	Enabled   bool   `toml:"enabled"`
	Addr      string `toml:"addr"`
	Namespace string `toml:"namespace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
	JSON  bool   `toml:"json"`
}

// Duration is a time.Duration that reads and writes as "5s" in TOML.
type Duration struct {
	time.Duration
}

// Dur wraps d.
func Dur(d time.Duration) Duration { return Duration{d} }

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingnet-spv
//	macOS:   ~/Library/Application Support/KlingnetSPV
//	Windows: %APPDATA%\KlingnetSPV
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingnet-spv"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "KlingnetSPV")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "KlingnetSPV")
		}
		return filepath.Join(home, "AppData", "Roaming", "KlingnetSPV")
	default:
		return filepath.Join(home, ".klingnet-spv")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// HeaderStoreDir returns the header store directory.
func (c *Config) HeaderStoreDir() string {
	return filepath.Join(c.ChainDataDir(), "headers")
}

// CheckpointPath returns the checkpoint bundle location.
func (c *Config) CheckpointPath() string {
	if c.Sync.CheckpointFile != "" {
		return c.Sync.CheckpointFile
	}
	return filepath.Join(c.ChainDataDir(), ParamsFor(c.Network).CheckpointBundle)
}

// WalletFile returns the wallet bookkeeping file.
func (c *Config) WalletFile() string {
	if c.Wallet.File != "" {
		if filepath.IsAbs(c.Wallet.File) {
			return c.Wallet.File
		}
		return filepath.Join(c.ChainDataDir(), c.Wallet.File)
	}
	return filepath.Join(c.ChainDataDir(), "wallet.json")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingnet-spv.toml")
}
