package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/opstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print data directory schema versions and document count",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ops, err := opstore.Open(filepath.Join(cfg.DataDir, "ops.db"))
		if err != nil {
			return fmt.Errorf("open operation store: %w", err)
		}
		defer ops.Close()
		opsVersion, err := ops.SchemaVersion()
		if err != nil {
			return fmt.Errorf("read operation store schema version: %w", err)
		}

		docs, err := docstore.Open(filepath.Join(cfg.DataDir, "docs.db"))
		if err != nil {
			return fmt.Errorf("open document store: %w", err)
		}
		defer docs.Close()
		docsVersion, err := docs.SchemaVersion()
		if err != nil {
			return fmt.Errorf("read document store schema version: %w", err)
		}
		records, err := docs.Documents()
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}

		fmt.Printf("data_dir: %s\n", cfg.DataDir)
		fmt.Printf("connection_mode: %s\n", cfg.ConnectionMode)
		fmt.Printf("operation store schema: %d (current %d)\n", opsVersion, opstore.CurrentSchemaVersion)
		fmt.Printf("document store schema: %d (current %d)\n", docsVersion, docstore.CurrentSchemaVersion)
		fmt.Printf("documents: %d\n", len(records))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
