// Command loom is the reference CLI for a Loom node: it loads a YAML
// config, generates or reuses a local identity, and exposes node
// lifecycle and document management as subcommands.
package main

import (
	cryptorand "crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomtext/loom/pkg/config"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - peer-to-peer collaborative text-CRDT replication engine",
	Long: `Loom replicates a plain-text document across devices without a
central server: identity, signed operation logs, a text CRDT, and the
subscription machinery that keeps them converging while online.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"loom version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("data-dir", "", "Node data directory (overrides config file)")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("connection-mode", "", "Connection mode: none, bluetooth, network (overrides config file)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(documentCmd)
	rootCmd.AddCommand(demoCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// loadConfig reads --config (defaulting to loom.yaml in the working directory)
// and applies the --data-dir/--connection-mode flag overrides, matching
// the "CLI flags override file values" convention.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = "loom.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if mode, _ := cmd.Flags().GetString("connection-mode"); mode != "" {
		cfg.ConnectionMode = mode
	}
	return cfg, nil
}

// loadOrCreateIdentity reads a device's signing seed from
// <dataDir>/identity.seed, generating and persisting a fresh one if
// absent. Protecting that file (OS keychain, secret store) is left to
// the deployment environment.
func loadOrCreateIdentity(dataDir string) (identity.KeyPair, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return identity.KeyPair{}, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "identity.seed")

	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		var seed [32]byte
		copy(seed[:], data)
		return identity.FromSeed(seed), nil
	}

	var seed [32]byte
	if _, err := cryptorand.Read(seed[:]); err != nil {
		return identity.KeyPair{}, fmt.Errorf("generate identity seed: %w", err)
	}
	if err := os.WriteFile(path, seed[:], 0600); err != nil {
		return identity.KeyPair{}, fmt.Errorf("persist identity seed: %w", err)
	}
	return identity.FromSeed(seed), nil
}
