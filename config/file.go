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

// LoadFile decodes the TOML config at path over cfg.
// A missing file leaves cfg untouched. Unknown keys are rejected.
func LoadFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%s: unknown config keys: %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// Load builds the config for network: defaults, then the file in dataDir.
// An empty dataDir selects DefaultDataDir.
func Load(network NetworkType, dataDir string) (*Config, error) {
	cfg := Default(network)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if err := LoadFile(cfg.ConfigFile(), cfg); err != nil {
		return nil, err
	}
	// The file may not move the client to a different network or data dir
	// than the one whose config file was read.
	cfg.Network = network
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// Save encodes cfg as TOML at path.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}

// WriteDefaultConfig writes a commented default config file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingnet SPV Client Configuration
#
# Network parameters (genesis, curated peers, checkpoints) are compiled in
# and cannot be changed here.

# Network: mainnet, testnet or regtest
network = "` + string(network) + `"

# Data directory (default: ~/.klingnet-spv)
# datadir = "~/.klingnet-spv"

# ============================================================================
# P2P Network
# ============================================================================

[p2p]
# Pin the client to a single peer. Accepts host, host:port or a multiaddr
# with /p2p/<peer-id>. Leave empty to use the curated list.
# trusted_host = "/ip4/203.0.113.7/tcp/` + strconv.Itoa(ParamsFor(network).DefaultPort) + `/p2p/Qm..."
# trusted_port = 0

connect_timeout = "` + d.P2P.ConnectTimeout.String() + `"
discovery_timeout = "` + d.P2P.DiscoveryTimeout.String() + `"
user_agent = "` + d.P2P.UserAgent + `"

# Generic DHT seed discovery, used when no curated host resolves.
dht = ` + strconv.FormatBool(d.P2P.DHT) + `
# bootstrap = ["/dns4/seed1.example.com/tcp/30303/p2p/Qm..."]

resolver_ttl = "` + d.P2P.ResolverTTL.String() + `"

# ============================================================================
# Sync
# ============================================================================

[sync]
# checkpoint_file = ""
# auto, low or normal. Low memory limits the client to 4 peers.
memory = "` + d.Sync.Memory + `"
# Pause sync when free disk space (bytes) drops below this.
min_free_disk = ` + strconv.FormatUint(d.Sync.MinFreeDisk, 10) + `
poll_interval = "` + d.Sync.PollInterval.String() + `"

# ============================================================================
# Wallet
# ============================================================================

[wallet]
# file = "wallet.json"
# Earliest key creation time (unix seconds). Enables checkpoint fast-forward.
# birthday = 0

# ============================================================================
# Metrics
# ============================================================================

[metrics]
enabled = false
addr = "` + d.Metrics.Addr + `"
namespace = "` + d.Metrics.Namespace + `"

# ============================================================================
# Logging
# ============================================================================

[log]
level = "` + d.Log.Level + `"
# file = ""
json = false
`
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
