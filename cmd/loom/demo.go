package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loomtext/loom/pkg/config"
	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/document"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/node"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/transport"
	"github.com/loomtext/loom/pkg/transport/loopback"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run an in-process multi-device demo over the loopback transport",
	Long: `demo spins up several devices in this one process, all sharing an
in-process loopback mesh instead of a real network. One device creates
a document, the others join it, each device makes an edit, and the
demo waits for every device's text to converge before printing it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		peers, _ := cmd.Flags().GetInt("peers")
		if peers < 2 {
			peers = 2
		}

		net := loopback.New()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		dir, err := os.MkdirTemp("", "loom-demo-*")
		if err != nil {
			return fmt.Errorf("create demo data dir: %w", err)
		}
		defer os.RemoveAll(dir)

		devices := make([]*node.Node, peers)
		for i := range devices {
			n, err := newDemoNode(filepath.Join(dir, fmt.Sprintf("peer-%d", i)), net)
			if err != nil {
				return err
			}
			devices[i] = n
		}
		defer func() {
			for _, n := range devices {
				_ = n.Shutdown()
			}
		}()

		owner := devices[0]
		author, err := owner.CreateDocument(nil, nil)
		if err != nil {
			return fmt.Errorf("create document: %w", err)
		}
		if err := author.Subscribe(ctx); err != nil {
			return fmt.Errorf("owner subscribe: %w", err)
		}
		if err := author.InsertText(0, "hello from peer 0\n"); err != nil {
			return fmt.Errorf("owner insert: %w", err)
		}

		docID := author.DocumentID()
		handles := []*document.Document{author}
		for i := 1; i < peers; i++ {
			h, err := devices[i].Subscribe(ctx, docID, nil, nil)
			if err != nil {
				return fmt.Errorf("peer %d subscribe: %w", i, err)
			}
			if err := h.InsertText(len(h.Value()), fmt.Sprintf("hello from peer %d\n", i)); err != nil {
				return fmt.Errorf("peer %d insert: %w", i, err)
			}
			handles = append(handles, h)
		}

		for {
			converged := true
			for _, h := range handles[1:] {
				if h.Value() != handles[0].Value() {
					converged = false
				}
			}
			if converged {
				break
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("devices did not converge: %w", ctx.Err())
			case <-time.After(50 * time.Millisecond):
			}
		}

		fmt.Printf("document %s converged to:\n", docID)
		for i, h := range handles {
			fmt.Printf("--- peer %d sees ---\n%s\n", i, h.Value())
		}
		return nil
	},
}

func newDemoNode(dataDir string, net *loopback.Network) (*node.Node, error) {
	self, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create demo peer data dir: %w", err)
	}
	ops, err := opstore.Open(filepath.Join(dataDir, "ops.db"))
	if err != nil {
		return nil, fmt.Errorf("open operation store: %w", err)
	}
	docs, err := docstore.Open(filepath.Join(dataDir, "docs.db"))
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	broker := events.NewBroker()
	broker.Start()

	networks := map[config.ConnectionMode]transport.Network{config.ConnectionNetwork: net}
	n := node.New(self, ops, docs, broker, networks, nil)
	if err := n.SetConnectionMode(context.Background(), config.ConnectionNetwork); err != nil {
		return nil, err
	}
	return n, nil
}

func init() {
	demoCmd.Flags().Int("peers", 3, "Number of in-process devices to simulate")
}
