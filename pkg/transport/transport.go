// Package transport defines the network primitive a node relies on to
// exchange bytes with other devices: a topic-scoped gossip broadcast
// plus pairwise log-sync channel. The concrete wide-area implementation
// (e.g. a LAN/WAN gossip+sync daemon) is provided externally; this
// package only defines the contract and a loopback implementation used
// for local demos and tests.
package transport

import (
	"context"
	"errors"

	"github.com/loomtext/loom/pkg/identity"
)

// ErrClosed is returned by operations on a subscription after Close.
var ErrClosed = errors.New("transport: subscription closed")

// InboundKind distinguishes the two shapes an InboundEvent can carry.
type InboundKind int

const (
	// GossipMessage is an unsolicited broadcast: opaque bytes only.
	GossipMessage InboundKind = iota
	// SyncMessage is a catch-up item. Its HeaderBytes carry the same
	// CBOR Envelope a GossipMessage carries in Bytes (this is what the
	// loopback transport sends and what the subscription decodes);
	// BodyBytes is not read.
	SyncMessage
)

// InboundEvent is one item arriving on a subscription's Inbound channel.
type InboundEvent struct {
	Kind       InboundKind
	Bytes      []byte // set for GossipMessage
	HeaderBytes []byte // set for SyncMessage
	BodyBytes   []byte // set for SyncMessage, may be nil
}

// Subscription is a live handle on one topic.
type Subscription struct {
	// Outbound is where the node writes bytes to gossip-broadcast.
	Outbound chan<- []byte
	// Inbound delivers events received on the topic.
	Inbound <-chan InboundEvent
	// Ready closes once the subscription has joined the topic's mesh
	// (or synchronously, if the implementation has no join latency).
	Ready <-chan struct{}
	// Close tears down the subscription. Calling it more than once is
	// safe.
	Close func()
}

// Network is the external network primitive a node depends on: a
// gossip-broadcast-plus-log-sync mechanism keyed by topic identifier
// (in practice, a document's id).
type Network interface {
	// Subscribe joins topic (32-byte document id) and returns a live
	// Subscription. ctx governs join negotiation only; once Ready
	// closes, the subscription outlives ctx until Close is called.
	Subscribe(ctx context.Context, topic identity.PublicKey) (Subscription, error)
}

// Envelope is the tagged-union wire wrapper every message on a topic is
// carried in.
type Envelope struct {
	Kind      EnvelopeKind      `cbor:"k"`
	Operation *PersistentPayload `cbor:"op,omitempty"`
	Ephemeral *EphemeralPayload  `cbor:"eph,omitempty"`
	Author    *EphemeralPayload  `cbor:"auth,omitempty"`
}

// EnvelopeKind tags which field of Envelope is populated.
type EnvelopeKind int

const (
	KindPersistent EnvelopeKind = iota
	KindEphemeral
	KindAuthorEphemeral
)

// PersistentPayload carries an operation's signed header, as produced
// by operation.Header.EncodeHeader, and its raw body bytes, if any.
type PersistentPayload struct {
	HeaderBytes []byte `cbor:"h"`
	BodyBytes   []byte `cbor:"b,omitempty"`
}

// EphemeralPayload is a signed, opaque application payload: cursor
// presence data, or an author-tracker Hello/Ping/Bye message.
type EphemeralPayload struct {
	Body      []byte             `cbor:"body"`
	AuthorPK  identity.PublicKey `cbor:"author_pk"`
	Signature identity.Signature `cbor:"signature"`
}

// SignEphemeral builds a payload for body with AuthorPK and a
// Signature over body filled in from kp.
func SignEphemeral(kp identity.KeyPair, body []byte) EphemeralPayload {
	return EphemeralPayload{
		Body:      body,
		AuthorPK:  kp.PublicKey(),
		Signature: kp.Sign(body),
	}
}

// Verify checks the payload's detached signature over its body.
func (p EphemeralPayload) Verify() bool {
	return identity.Verify(p.AuthorPK, p.Body, p.Signature)
}
