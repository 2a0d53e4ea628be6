package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomtext/loom/pkg/config"
	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/transport"
	"github.com/loomtext/loom/pkg/transport/loopback"
)

func openTestStores(t *testing.T) (*opstore.Store, *docstore.Store) {
	t.Helper()
	dir := t.TempDir()
	ops, err := opstore.Open(filepath.Join(dir, "ops.db"))
	if err != nil {
		t.Fatalf("opstore.Open: %v", err)
	}
	docs, err := docstore.Open(filepath.Join(dir, "docs.db"))
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	return ops, docs
}

func newTestNode(t *testing.T, net *loopback.Network) *Node {
	t.Helper()
	self, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	ops, docs := openTestStores(t)
	broker := events.NewBroker()
	broker.Start()

	n := New(self, ops, docs, broker, map[config.ConnectionMode]transport.Network{config.ConnectionNetwork: net}, nil)
	return n
}

func TestCreateDocumentRegistersRecordAndMakesItSubscribable(t *testing.T) {
	net := loopback.New()
	n := newTestNode(t, net)
	defer n.Shutdown()

	if err := n.SetConnectionMode(context.Background(), config.ConnectionNetwork); err != nil {
		t.Fatalf("SetConnectionMode: %v", err)
	}

	d, err := n.CreateDocument(nil, nil)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	recs, err := n.Documents()
	if err != nil {
		t.Fatalf("Documents: %v", err)
	}
	found := false
	for _, r := range recs {
		if r.ID == d.DocumentID() {
			found = true
		}
	}
	if !found {
		t.Fatal("created document not present in Documents()")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
}

func TestSubscribeReusesAlreadyOpenDocument(t *testing.T) {
	net := loopback.New()
	n := newTestNode(t, net)
	defer n.Shutdown()
	_ = n.SetConnectionMode(context.Background(), config.ConnectionNetwork)

	d, err := n.CreateDocument(nil, nil)
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	same, err := n.Subscribe(ctx, d.DocumentID(), nil, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if same != d {
		t.Fatal("Subscribe should return the already-open Document instance")
	}
}

func TestSetConnectionModeNetworkDowngradesToNoneWhileOffline(t *testing.T) {
	net := loopback.New()
	self, _ := identity.Generate()
	ops, docs := openTestStores(t)
	broker := events.NewBroker()
	broker.Start()

	availability := make(chan bool, 1)
	availability <- false
	n := New(self, ops, docs, broker, map[config.ConnectionMode]transport.Network{config.ConnectionNetwork: net}, Availability(availability))
	defer n.Shutdown()

	if err := n.SetConnectionMode(context.Background(), config.ConnectionNetwork); err != nil {
		t.Fatalf("SetConnectionMode: %v", err)
	}
	n.mu.RLock()
	active := n.activeMode
	n.mu.RUnlock()
	if active != config.ConnectionNone {
		t.Fatalf("activeMode = %v, want ConnectionNone while offline", active)
	}

	availability <- true
	deadline := time.After(time.Second)
	for {
		n.mu.RLock()
		active = n.activeMode
		n.mu.RUnlock()
		if active == config.ConnectionNetwork {
			break
		}
		select {
		case <-time.After(5 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for mode to re-apply after availability returned")
		}
	}
}
