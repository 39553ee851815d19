package config

import (
	"fmt"
	"strings"
)

// Validate checks runtime config for obvious operator mistakes.
// Empty optional fields are normalized in place.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := ParseNetwork(string(cfg.Network)); err != nil {
		return err
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir is empty")
	}
	if cfg.P2P.TrustedPort < 0 || cfg.P2P.TrustedPort > 65535 {
		return fmt.Errorf("p2p.trusted_port must be in range [0, 65535]")
	}
	cfg.P2P.TrustedHost = strings.TrimSpace(cfg.P2P.TrustedHost)
	if cfg.P2P.TrustedPort != 0 && cfg.P2P.TrustedHost == "" {
		return fmt.Errorf("p2p.trusted_port set without p2p.trusted_host")
	}
	if cfg.P2P.ConnectTimeout.Duration <= 0 {
		return fmt.Errorf("p2p.connect_timeout must be positive")
	}
	if cfg.P2P.DiscoveryTimeout.Duration <= 0 {
		return fmt.Errorf("p2p.discovery_timeout must be positive")
	}
	if cfg.P2P.ResolverTTL.Duration < 0 {
		return fmt.Errorf("p2p.resolver_ttl must not be negative")
	}
	if cfg.P2P.UserAgent == "" {
		cfg.P2P.UserAgent = DefaultUserAgent
	}

	switch cfg.Sync.Memory {
	case "":
		cfg.Sync.Memory = MemoryAuto
	case MemoryAuto, MemoryLow, MemoryNormal:
	default:
		return fmt.Errorf("sync.memory must be auto, low or normal")
	}
	if cfg.Sync.PollInterval.Duration <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}

	if cfg.Wallet.Birthday < 0 {
		return fmt.Errorf("wallet.birthday must not be negative")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
	}
	return nil
}
