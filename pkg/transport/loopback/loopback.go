// Package loopback implements transport.Network entirely in-process: a
// topic registry of channels, useful for tests and single-process
// demos where every peer lives in the same node binary. It is not a
// production wide-area transport.
package loopback

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/transport"
)

// topic retains, alongside its live members, every persistent-operation
// envelope ever broadcast on it. A newly joining member is caught up by
// replaying that history as SyncMessage events before it sees any live
// gossip, so a late joiner converges to the existing members' state
// instead of only observing gossip from the moment it joins.
type topic struct {
	mu      sync.Mutex
	members []chan transport.InboundEvent
	history [][]byte
}

// record appends b to the topic's catch-up history if it carries a
// persistent operation. Ephemeral payloads (cursor presence, author
// Hello/Ping/Bye) are never replayed to late joiners.
func (t *topic) record(b []byte) {
	var env transport.Envelope
	if err := cbor.Unmarshal(b, &env); err != nil {
		return
	}
	if env.Kind != transport.KindPersistent {
		return
	}
	t.mu.Lock()
	t.history = append(t.history, b)
	t.mu.Unlock()
}

// Network is a shared in-process gossip mesh: every Subscribe call
// against the same Network instance and topic joins the same fan-out
// group.
type Network struct {
	mu     sync.Mutex
	topics map[identity.PublicKey]*topic
}

// New creates an empty in-process network.
func New() *Network {
	return &Network{topics: make(map[identity.PublicKey]*topic)}
}

func (n *Network) topicFor(id identity.PublicKey) *topic {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.topics[id]
	if !ok {
		t = &topic{}
		n.topics[id] = t
	}
	return t
}

// Subscribe joins topic, returning immediately-ready channels wired to
// every other current and future member of the same topic.
func (n *Network) Subscribe(ctx context.Context, topicID identity.PublicKey) (transport.Subscription, error) {
	t := n.topicFor(topicID)

	// Buffer the catch-up replay and join the member list under the same
	// lock: joining first (or releasing the lock between the two steps)
	// would let a concurrent broadcast land in inbound ahead of, or
	// interleaved with, the history it's supposed to precede.
	t.mu.Lock()
	history := append([][]byte(nil), t.history...)
	inbound := make(chan transport.InboundEvent, 64+len(history))
	for _, h := range history {
		inbound <- transport.InboundEvent{Kind: transport.SyncMessage, HeaderBytes: h}
	}
	t.members = append(t.members, inbound)
	t.mu.Unlock()

	outbound := make(chan []byte, 64)
	ready := make(chan struct{})
	close(ready)

	stop := make(chan struct{})
	var closeOnce sync.Once

	go func() {
		for {
			select {
			case b, ok := <-outbound:
				if !ok {
					return
				}
				t.record(b)
				t.broadcast(inbound, transport.InboundEvent{Kind: transport.GossipMessage, Bytes: b})
			case <-stop:
				return
			}
		}
	}()

	closeFn := func() {
		closeOnce.Do(func() {
			close(stop)
			t.remove(inbound)
			close(inbound)
		})
	}

	return transport.Subscription{
		Outbound: outbound,
		Inbound:  inbound,
		Ready:    ready,
		Close:    closeFn,
	}, nil
}

func (t *topic) broadcast(from chan transport.InboundEvent, ev transport.InboundEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.members {
		if m == from {
			continue
		}
		select {
		case m <- ev:
		default:
			// member not keeping up; gossip is best-effort.
		}
	}
}

func (t *topic) remove(target chan transport.InboundEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, m := range t.members {
		if m == target {
			t.members = append(t.members[:i], t.members[i+1:]...)
			return
		}
	}
}
