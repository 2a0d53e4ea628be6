package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loomtext/loom/pkg/config"
	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/node"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/transport"
	"github.com/loomtext/loom/pkg/transport/loopback"
)

var documentCmd = &cobra.Command{
	Use:   "document",
	Short: "Document management commands",
}

// openNode is the shared setup for the one-shot document subcommands:
// open the stores under the configured data directory and wrap them in
// a Node backed by a fresh loopback mesh (there is nothing to join yet
// in a one-shot CLI invocation).
func openNode(cmd *cobra.Command) (*node.Node, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	self, err := loadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	ops, err := opstore.Open(filepath.Join(cfg.DataDir, "ops.db"))
	if err != nil {
		return nil, fmt.Errorf("open operation store: %w", err)
	}
	docs, err := docstore.Open(filepath.Join(cfg.DataDir, "docs.db"))
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	broker := events.NewBroker()
	broker.Start()

	networks := map[config.ConnectionMode]transport.Network{
		config.ConnectionNetwork: loopback.New(),
	}
	n := node.New(self, ops, docs, broker, networks, nil)
	if err := n.SetConnectionMode(cmd.Context(), config.ConnectionNetwork); err != nil {
		return nil, err
	}
	return n, nil
}

var documentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new, empty document and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Shutdown()

		d, err := n.CreateDocument(nil, nil)
		if err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		fmt.Println(d.DocumentID().String())
		return nil
	},
}

var documentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Shutdown()

		records, err := n.Documents()
		if err != nil {
			return fmt.Errorf("list documents: %w", err)
		}
		for _, r := range records {
			fmt.Printf("%s\t%s\t%s\n", r.ID, r.Name, r.LastAccessed.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil
	},
}

var documentJoinCmd = &cobra.Command{
	Use:   "join DOCUMENT_ID",
	Short: "Subscribe to an existing document by id and print its current text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := openNode(cmd)
		if err != nil {
			return err
		}
		defer n.Shutdown()

		idBytes, err := parseDocumentID(args[0])
		if err != nil {
			return err
		}

		d, err := n.Subscribe(cmd.Context(), idBytes, nil, nil)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
		fmt.Println(d.Value())
		return nil
	},
}

func parseDocumentID(s string) (identity.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return identity.PublicKey{}, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	return identity.PublicKeyFromBytes(b)
}

func init() {
	documentCmd.AddCommand(documentCreateCmd)
	documentCmd.AddCommand(documentListCmd)
	documentCmd.AddCommand(documentJoinCmd)
}
