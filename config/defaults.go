package config

import "time"

// DefaultMainnet returns the default client configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			ConnectTimeout:   Dur(10 * time.Second),
			DiscoveryTimeout: Dur(10 * time.Second),
			UserAgent:        DefaultUserAgent,
			DHT:              true,
			ResolverTTL:      Dur(5 * time.Minute),
		},
		Sync: SyncConfig{
			Memory:       MemoryAuto,
			MinFreeDisk:  64 << 20,
			PollInterval: Dur(15 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:9464",
			Namespace: "klingnet_spv",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultTestnet returns the default client configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	return cfg
}

// DefaultRegtest returns the default client configuration for regtest.
// Regtest has no public seed infrastructure, so the DHT is off.
func DefaultRegtest() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Regtest
	cfg.P2P.DHT = false
	cfg.Log.Level = "debug"
	return cfg
}

// Default returns the default client configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	case Regtest:
		return DefaultRegtest()
	default:
		return DefaultMainnet()
	}
}
