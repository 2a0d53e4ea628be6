// Package node ties together the stores, the network, and the local
// identity into the single long-lived object a CLI or application
// embeds: it owns document lifecycle, connection-mode switching, and
// orderly shutdown.
package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/loomtext/loom/pkg/config"
	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/document"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/log"
	"github.com/loomtext/loom/pkg/metrics"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/transport"
)

// Availability is a level-triggered signal of whether the requested
// Network connection mode currently has a usable link. A nil channel
// means availability is never in question (e.g. in tests).
type Availability <-chan bool

// Node owns a device's runtime: its identity, its operation and
// document stores, the set of materialised documents, and a
// hot-swappable transport per connection mode.
type Node struct {
	self   identity.KeyPair
	ops    *opstore.Store
	docs   *docstore.Store
	broker *events.Broker

	networks map[config.ConnectionMode]transport.Network

	mu            sync.RWMutex
	requestedMode config.ConnectionMode
	activeMode    config.ConnectionMode
	available     bool

	docMu     sync.Mutex
	documents map[identity.PublicKey]*document.Document

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Node. networks maps each ConnectionMode a caller might
// request to the transport.Network backing it; a mode with no entry
// behaves as ConnectionNone, and so does ConnectionNetwork while the
// availability signal reports the link down. availability may be nil if the caller has no offline
// detection to offer.
func New(
	self identity.KeyPair,
	ops *opstore.Store,
	docs *docstore.Store,
	broker *events.Broker,
	networks map[config.ConnectionMode]transport.Network,
	availability Availability,
) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		self:      self,
		ops:       ops,
		docs:      docs,
		broker:    broker,
		networks:  networks,
		available: true,
		documents: make(map[identity.PublicKey]*document.Document),
		cancel:    cancel,
	}
	if availability != nil {
		// Drain any value already queued (e.g. a caller that knows the
		// link is down before the first SetConnectionMode call) so it
		// takes effect before New returns, rather than racing it.
		select {
		case up, ok := <-availability:
			if ok {
				n.available = up
			}
		default:
		}
		n.wg.Add(1)
		go n.watchAvailability(ctx, availability)
	}
	return n
}

func (n *Node) watchAvailability(ctx context.Context, availability Availability) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-availability:
			if !ok {
				return
			}
			n.mu.Lock()
			n.available = up
			requested := n.requestedMode
			n.mu.Unlock()
			if requested == config.ConnectionNetwork {
				if err := n.applyMode(ctx, requested); err != nil {
					log.WithComponent("node").Warn().Err(err).Msg("reapply connection mode after availability change failed")
				}
			}
		}
	}
}

// currentNetwork returns the transport currently backing new
// subscriptions, which may be nil (ConnectionNone).
func (n *Node) currentNetwork() transport.Network {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.networks[n.activeMode]
}

// SetConnectionMode requests mode. Network while the availability
// signal reports the link down is downgraded to None until
// availability returns, at which point the originally requested mode
// is re-applied automatically.
func (n *Node) SetConnectionMode(ctx context.Context, mode config.ConnectionMode) error {
	n.mu.Lock()
	n.requestedMode = mode
	n.mu.Unlock()
	return n.applyMode(ctx, mode)
}

func (n *Node) applyMode(ctx context.Context, requested config.ConnectionMode) error {
	n.mu.Lock()
	effective := requested
	if requested == config.ConnectionNetwork && !n.available {
		effective = config.ConnectionNone
	}
	prev := n.activeMode
	n.activeMode = effective
	active := n.networks[effective]
	n.mu.Unlock()

	if effective == prev {
		return nil
	}
	metrics.ConnectionModeTransitionsTotal.WithLabelValues(prev.String(), effective.String()).Inc()

	if active == nil {
		// Downgrading to a mode with no backing transport: existing
		// subscriptions keep whatever transport they already hold
		// until the node reconnects them to a live one.
		return nil
	}

	n.docMu.Lock()
	docs := make([]*document.Document, 0, len(n.documents))
	for _, d := range n.documents {
		docs = append(docs, d)
	}
	n.docMu.Unlock()

	for _, d := range docs {
		if err := d.Reconnect(ctx, active); err != nil {
			log.WithComponent("node").Warn().Err(err).Str("document_id", d.DocumentID().String()).Msg("reconnect after connection mode change failed")
		}
	}
	return nil
}

// CreateDocument creates and registers a brand-new document, signing
// its genesis operation under the node's identity.
func (n *Node) CreateDocument(onTextChange document.TextHandler, onCursor func(document.CursorEvent)) (*document.Document, error) {
	d, err := document.CreateDocument(n.self, n.currentNetwork(), n.ops, n.docs, n.broker, onTextChange, onCursor)
	if err != nil {
		return nil, err
	}
	n.docMu.Lock()
	n.documents[d.DocumentID()] = d
	n.docMu.Unlock()
	metrics.DocumentsTotal.Inc()
	return d, nil
}

// Documents returns every document record known to this node, whether
// currently materialised or not.
func (n *Node) Documents() ([]docstore.Record, error) {
	return n.docs.Documents()
}

// Subscribe materialises (if not already open) and subscribes the
// document identified by id, returning the live handle.
func (n *Node) Subscribe(ctx context.Context, id identity.PublicKey, onTextChange document.TextHandler, onCursor func(document.CursorEvent)) (*document.Document, error) {
	n.docMu.Lock()
	d, ok := n.documents[id]
	if !ok {
		d = document.Open(n.self, id, n.currentNetwork(), n.ops, n.docs, n.broker, onTextChange, onCursor)
		n.documents[id] = d
	}
	n.docMu.Unlock()

	if err := d.Subscribe(ctx); err != nil {
		return nil, fmt.Errorf("node: subscribe %s: %w", id, err)
	}
	return d, nil
}

// Shutdown unsubscribes and closes every open document, then releases
// the node's stores. Safe to call once; a second call is a no-op on
// the documents (already empty) but still closes the stores again,
// which bbolt tolerates.
func (n *Node) Shutdown() error {
	n.docMu.Lock()
	docs := n.documents
	n.documents = make(map[identity.PublicKey]*document.Document)
	n.docMu.Unlock()

	for _, d := range docs {
		d.Unsubscribe()
		d.Close()
	}

	n.cancel()
	n.wg.Wait()

	if n.broker != nil {
		n.broker.Stop()
		n.broker = nil
	}

	var errs []error
	if err := n.ops.Close(); err != nil {
		errs = append(errs, fmt.Errorf("node: close operation store: %w", err))
	}
	if err := n.docs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("node: close document store: %w", err))
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
