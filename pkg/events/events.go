// Package events implements a small pub-sub broker used to fan out
// document and author lifecycle notifications (bytes received, authors
// joining/leaving, ephemeral presence traffic) to callback consumers
// without those consumers holding a reference back into the node.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomtext/loom/pkg/identity"
)

// EventType names the kind of notification an Event carries.
type EventType string

const (
	EventBytesReceived            EventType = "document.bytes_received"
	EventAuthorJoined             EventType = "document.author_joined"
	EventAuthorLeft               EventType = "document.author_left"
	EventEphemeralBytesReceived   EventType = "document.ephemeral_bytes_received"
	EventSubscriptionStateChanged EventType = "subscription.state_changed"
)

// Event is one notification published on a document's broker.
type Event struct {
	ID         string
	Type       EventType
	Timestamp  time.Time
	DocumentID identity.PublicKey
	AuthorID   identity.PublicKey
	Payload    []byte
	Message    string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker distributes events to subscribers, decoupling publishers
// (the ingest pipeline, the author tracker) from consumers (a
// DocumentHandle's registered callbacks).
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a broker. Start must be called before Publish is used.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in a new goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Publish after Stop is a silent no-op.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscription with a per-subscriber buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for distribution, stamping ID and Timestamp
// if unset.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full; presence/ephemeral traffic is
			// best-effort and tolerates loss.
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
