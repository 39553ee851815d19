// Klingnet SPV client.
//
// Usage:
//
//	klingnet-spv start [--trusted-host=...]   Sync headers and relay transactions
//	klingnet-spv reset                        Delete the header store
//	klingnet-spv init                         Write a default config file
//	klingnet-spv version                      Print version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/node"
)

var (
	network string
	dataDir string

	trustedHost string
	trustedPort int
	logLevel    string
	metrics     bool
	metricsAddr string
	memory      string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&network, "network", string(config.Mainnet), "Network (mainnet, testnet, regtest)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "datadir", "", "Data directory (default "+config.DefaultDataDir()+")")

	startCmd.Flags().StringVar(&trustedHost, "trusted-host", "", "Connect only to this peer, as a multiaddr ending in /p2p/<id>")
	startCmd.Flags().IntVar(&trustedPort, "trusted-port", 0, "Port of the trusted host when its address carries none")
	startCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	startCmd.Flags().BoolVar(&metrics, "metrics", false, "Serve prometheus metrics")
	startCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address")
	startCmd.Flags().StringVar(&memory, "memory", "", "Memory mode (auto, low, normal)")

	rootCmd.AddCommand(startCmd, resetCmd, initCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "klingnet-spv",
	Short: "Header-only Klingnet client",
	Long: `klingnet-spv keeps a header chain in sync with the Klingnet network and
relays wallet transactions to peers. The peer network runs only while the
device has connectivity and enough free storage.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Sync headers until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the header store; the next start resyncs from checkpoints",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file to the data directory",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "klingnet-spv %s (protocol %d)\n", config.Version, config.ProtocolVersion)
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	nt, err := config.ParseNetwork(network)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(nt, dataDir)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("trusted-host") {
		cfg.P2P.TrustedHost = trustedHost
	}
	if flags.Changed("trusted-port") {
		cfg.P2P.TrustedPort = trustedPort
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Enabled = metrics
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Addr = metricsAddr
	}
	if flags.Changed("memory") {
		cfg.Sync.Memory = memory
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := n.Run(ctx)
	if err := n.Close(false); err != nil {
		return err
	}
	return runErr
}

func runReset(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if err := n.Close(true); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Header store removed: %s\n", cfg.HeaderStoreDir())
	return nil
}

func runInit(cmd *cobra.Command, _ []string) error {
	nt, err := config.ParseNetwork(network)
	if err != nil {
		return err
	}
	cfg := config.Default(nt)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	path := cfg.ConfigFile()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := config.WriteDefaultConfig(path, nt); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}
