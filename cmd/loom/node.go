package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomtext/loom/pkg/config"
	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/log"
	"github.com/loomtext/loom/pkg/metrics"
	"github.com/loomtext/loom/pkg/node"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/transport"
	"github.com/loomtext/loom/pkg/transport/loopback"
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Node lifecycle commands",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		mode, err := cfg.Mode()
		if err != nil {
			return err
		}

		self, err := loadOrCreateIdentity(cfg.DataDir)
		if err != nil {
			return err
		}

		ops, err := opstore.Open(filepath.Join(cfg.DataDir, "ops.db"))
		if err != nil {
			return fmt.Errorf("open operation store: %w", err)
		}
		docs, err := docstore.Open(filepath.Join(cfg.DataDir, "docs.db"))
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		broker := events.NewBroker()
		broker.Start()

		// cmd/loom has no production wide-area transport to dial; its
		// "network" mode is backed by the same in-process loopback mesh
		// used for tests, making this a single-binary demo rather than
		// a real multi-host deployment.
		networks := map[config.ConnectionMode]transport.Network{
			config.ConnectionNetwork:   loopback.New(),
			config.ConnectionBluetooth: loopback.New(),
		}

		n := node.New(self, ops, docs, broker, networks, nil)
		if err := n.SetConnectionMode(cmd.Context(), mode); err != nil {
			return fmt.Errorf("set connection mode: %w", err)
		}

		log.WithComponent("node").Info().
			Str("public_key", self.PublicKey().String()).
			Str("connection_mode", mode.String()).
			Msg("node started")

		metrics.RegisterComponent("opstore", true, "")
		metrics.RegisterComponent("docstore", true, "")
		metrics.RegisterComponent("broker", true, "")

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithComponent("node").Error().Err(err).Msg("metrics server failed")
				}
			}()
			defer srv.Close()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.WithComponent("node").Info().Msg("shutting down")
		return n.Shutdown()
	},
}

func init() {
	nodeRunCmd.Flags().String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	nodeCmd.AddCommand(nodeRunCmd)
}
