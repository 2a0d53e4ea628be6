// Package authortracker implements the per-subscription presence
// protocol: a soft-state Hello/Ping/Bye exchange over signed ephemeral
// messages that tells a document's subscribers which authors are
// currently online.
package authortracker

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/metrics"
)

// OfflineTimeout is how long an author may go unseen before being
// considered offline.
const OfflineTimeout = 60 * time.Second

// PingTick is how often a live tracker re-announces itself.
const PingTick = OfflineTimeout / 2

// Kind names the three presence message shapes.
type Kind int

const (
	Hello Kind = iota
	Ping
	Bye
)

func (k Kind) String() string {
	switch k {
	case Hello:
		return "hello"
	case Ping:
		return "ping"
	case Bye:
		return "bye"
	default:
		return "unknown"
	}
}

// Message is the CBOR-encoded body of an AuthorEphemeral envelope.
// Timestamp is monotonically increasing per-sender so the transport's
// at-least-once delivery does not get mistaken for a duplicate.
type Message struct {
	Kind      Kind  `cbor:"k"`
	Timestamp int64 `cbor:"t"`
}

// Encode CBOR-encodes the message.
func (m Message) Encode() ([]byte, error) {
	return cbor.Marshal(m)
}

// Decode parses a Message from its CBOR encoding.
func Decode(data []byte) (Message, error) {
	var m Message
	err := cbor.Unmarshal(data, &m)
	return m, err
}

// Sender publishes a signed AuthorEphemeral message on the document's
// topic; in practice a Subscription.
type Sender interface {
	SendAuthorMessage(Message) error
}

// Tracker runs the presence protocol for one subscription.
type Tracker struct {
	documentID identity.PublicKey
	self       identity.PublicKey
	docs       *docstore.Store
	broker     *events.Broker
	sender     Sender

	mu       sync.Mutex
	lastPing map[identity.PublicKey]time.Time
}

// New creates a tracker for documentID, publishing presence events on
// broker and persisting last-seen timestamps via docs.
func New(documentID, self identity.PublicKey, docs *docstore.Store, broker *events.Broker, sender Sender) *Tracker {
	return &Tracker{
		documentID: documentID,
		self:       self,
		docs:       docs,
		broker:     broker,
		sender:     sender,
		lastPing:   make(map[identity.PublicKey]time.Time),
	}
}

// Run sends an initial Hello, then ticks every PingTick sending Ping
// and evicting stale authors, until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	t.send(Hello)

	ticker := time.NewTicker(PingTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.send(Ping)
			t.evictStale()
		}
	}
}

func (t *Tracker) send(kind Kind) {
	if t.sender == nil {
		return
	}
	_ = t.sender.SendAuthorMessage(Message{Kind: kind, Timestamp: time.Now().UnixMilli()})
}

func (t *Tracker) evictStale() {
	t.mu.Lock()
	var stale []identity.PublicKey
	cutoff := time.Now().Add(-OfflineTimeout)
	for author, seen := range t.lastPing {
		if seen.Before(cutoff) {
			stale = append(stale, author)
		}
	}
	for _, author := range stale {
		delete(t.lastPing, author)
	}
	t.mu.Unlock()

	for _, author := range stale {
		t.markOffline(author)
	}
}

// HandleMessage processes an inbound AuthorEphemeral message from author.
func (t *Tracker) HandleMessage(author identity.PublicKey, msg Message) {
	if author == t.self {
		return
	}
	metrics.EphemeralMessagesTotal.WithLabelValues(msg.Kind.String()).Inc()

	switch msg.Kind {
	case Hello:
		isNew := t.markSeen(author)
		if isNew {
			t.markOnline(author)
		}
		t.send(Ping)
	case Ping:
		isNew := t.markSeen(author)
		if isNew {
			t.markOnline(author)
		}
	case Bye:
		t.mu.Lock()
		delete(t.lastPing, author)
		t.mu.Unlock()
		t.markOffline(author)
	}
}

// markSeen records author as seen now, returning true if author was
// not previously tracked (i.e. this is a join, not a refresh).
func (t *Tracker) markSeen(author identity.PublicKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, existed := t.lastPing[author]
	t.lastPing[author] = time.Now()
	return !existed
}

func (t *Tracker) markOnline(author identity.PublicKey) {
	metrics.AuthorTrackerTransitionsTotal.WithLabelValues("online").Inc()
	if t.docs != nil {
		_ = t.docs.AddAuthor(t.documentID, author)
	}
	if t.broker != nil {
		t.broker.Publish(&events.Event{Type: events.EventAuthorJoined, DocumentID: t.documentID, AuthorID: author})
	}
}

func (t *Tracker) markOffline(author identity.PublicKey) {
	metrics.AuthorTrackerTransitionsTotal.WithLabelValues("offline").Inc()
	if t.docs != nil {
		_ = t.docs.SetLastSeenForAuthor(t.documentID, author, time.Now().UTC())
	}
	if t.broker != nil {
		t.broker.Publish(&events.Event{Type: events.EventAuthorLeft, DocumentID: t.documentID, AuthorID: author})
	}
}

// SendBye publishes a Bye message, used on unsubscribe.
func (t *Tracker) SendBye() {
	t.send(Bye)
}
