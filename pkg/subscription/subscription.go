// Package subscription drives one document's live connection to the
// network: joining the document's topic, replaying persisted history,
// and running the three tasks (inbound pump, ingest consumer, presence
// task) that keep a document materialised while connected.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomtext/loom/pkg/authortracker"
	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/ingest"
	"github.com/loomtext/loom/pkg/log"
	"github.com/loomtext/loom/pkg/metrics"
	"github.com/loomtext/loom/pkg/operation"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/transport"
)

// persistentQueueSize bounds the backpressure channel between the
// inbound pump and the ingest consumer.
const persistentQueueSize = 128

type persistentItem struct {
	headerBytes []byte
	bodyBytes   []byte
}

// State is one point in the subscription lifecycle.
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
	Unsubscribing
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Unsubscribing:
		return "unsubscribing"
	default:
		return "unknown"
	}
}

// outboundReplayLimit bounds the queue of local deltas produced while
// the transport is being re-established after a reconnect.
const outboundReplayLimit = 1024

// CursorHandler is invoked for each inbound Ephemeral (non-author)
// payload: cursor/presence data tagged to a specific author.
type CursorHandler func(author identity.PublicKey, body []byte)

// Subscription manages one document's live network presence.
type Subscription struct {
	documentID identity.PublicKey
	self       identity.KeyPair
	network    transport.Network
	ops        *opstore.Store
	docs       *docstore.Store
	broker     *events.Broker
	pipeline   *ingest.Pipeline
	tracker    *authortracker.Tracker
	onCursor   CursorHandler

	mu           sync.Mutex
	state        State
	transportSub transport.Subscription
	taskCtx      context.Context
	cancel       context.CancelFunc
	pumpCancel   context.CancelFunc
	wg           sync.WaitGroup
	persistentCh chan persistentItem

	outMu          sync.Mutex
	outboundReplay [][]byte
}

// New constructs a Subscription for documentID. deliverer receives
// bodies ingested from the network; onCursor receives cursor/presence
// ephemeral payloads.
func New(
	self identity.KeyPair,
	documentID identity.PublicKey,
	network transport.Network,
	ops *opstore.Store,
	docs *docstore.Store,
	broker *events.Broker,
	deliverer ingest.Deliverer,
	onCursor CursorHandler,
) *Subscription {
	s := &Subscription{
		documentID: documentID,
		self:       self,
		network:    network,
		ops:        ops,
		docs:       docs,
		broker:     broker,
		onCursor:   onCursor,
	}
	s.pipeline = ingest.New(documentID, ops, deliverer)
	s.tracker = authortracker.New(documentID, self.PublicKey(), docs, broker, s)
	return s
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		metrics.SubscriptionTransitionsTotal.WithLabelValues(prev.String(), next.String()).Inc()
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:       events.EventSubscriptionStateChanged,
				DocumentID: s.documentID,
				Message:    next.String(),
			})
		}
	}
}

// Subscribe joins the document's topic, replays persisted history, and
// spawns the three live tasks. Idempotent: calling it again while
// already Subscribing or Subscribed is a no-op.
func (s *Subscription) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Subscribing || s.state == Subscribed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	s.setState(Subscribing)

	if err := s.docs.AddDocument(s.documentID); err != nil {
		return fmt.Errorf("subscription: register document: %w", err)
	}

	replay, err := s.docs.OperationsForDocument(s.documentID, s.ops)
	if err != nil {
		return fmt.Errorf("subscription: load replay stream: %w", err)
	}
	if err := s.pipeline.Replay(replay); err != nil {
		return fmt.Errorf("subscription: replay: %w", err)
	}

	transportSub, err := s.network.Subscribe(ctx, s.documentID)
	if err != nil {
		s.setState(Unsubscribed)
		return fmt.Errorf("subscription: join topic: %w", err)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	pumpCtx, pumpCancel := context.WithCancel(taskCtx)
	persistentCh := make(chan persistentItem, persistentQueueSize)
	s.mu.Lock()
	s.transportSub = transportSub
	s.taskCtx = taskCtx
	s.cancel = cancel
	s.pumpCancel = pumpCancel
	s.persistentCh = persistentCh
	s.mu.Unlock()

	s.wg.Add(3)
	go s.inboundPump(pumpCtx, transportSub, persistentCh)
	go s.ingestConsumer(taskCtx, persistentCh)
	go s.presenceTask(taskCtx, transportSub)

	s.flushOutboundReplay()
	s.setState(Subscribed)
	return nil
}

// inboundPump reads inbound transport items, routing persistent
// operations onto the bounded ingest queue and ephemeral items to
// either the author tracker or the cursor handler.
func (s *Subscription) inboundPump(ctx context.Context, sub transport.Subscription, persistentCh chan<- persistentItem) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Inbound:
			if !ok {
				return
			}
			s.routeInbound(ctx, ev, persistentCh)
		}
	}
}

func (s *Subscription) routeInbound(ctx context.Context, ev transport.InboundEvent, persistentCh chan<- persistentItem) {
	var envelope transport.Envelope
	var raw []byte
	switch ev.Kind {
	case transport.GossipMessage:
		raw = ev.Bytes
	case transport.SyncMessage:
		raw = ev.HeaderBytes // sync messages are wrapped the same way by the sender
	}
	if err := cbor.Unmarshal(raw, &envelope); err != nil {
		log.WithComponent("subscription").Warn().Err(err).Msg("dropped malformed inbound envelope")
		return
	}

	switch envelope.Kind {
	case transport.KindPersistent:
		if envelope.Operation == nil {
			return
		}
		select {
		case persistentCh <- persistentItem{headerBytes: envelope.Operation.HeaderBytes, bodyBytes: envelope.Operation.BodyBytes}:
		case <-ctx.Done():
		}
	case transport.KindAuthorEphemeral:
		if envelope.Author == nil || !envelope.Author.Verify() {
			return
		}
		msg, err := authortracker.Decode(envelope.Author.Body)
		if err != nil {
			return
		}
		s.tracker.HandleMessage(envelope.Author.AuthorPK, msg)
	case transport.KindEphemeral:
		if envelope.Ephemeral == nil || !envelope.Ephemeral.Verify() {
			return
		}
		if s.onCursor != nil {
			s.onCursor(envelope.Ephemeral.AuthorPK, envelope.Ephemeral.Body)
		}
	}
}

// ingestConsumer drains persistentCh, driving each item through the
// ingest pipeline and updating the authors table for whoever produced it.
func (s *Subscription) ingestConsumer(ctx context.Context, persistentCh <-chan persistentItem) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-persistentCh:
			if !ok {
				return
			}
			if err := s.pipeline.Ingest(item.headerBytes, item.bodyBytes); err != nil {
				log.WithComponent("subscription").Warn().Err(err).Msg("ingest pipeline error")
				continue
			}
			if author, err := headerAuthor(item.headerBytes); err == nil {
				_ = s.docs.AddAuthor(s.documentID, author)
			}
		}
	}
}

func headerAuthor(headerBytes []byte) (identity.PublicKey, error) {
	h, err := operation.DecodeHeader(headerBytes)
	if err != nil {
		return identity.PublicKey{}, err
	}
	return h.PublicKey, nil
}

func (s *Subscription) presenceTask(ctx context.Context, sub transport.Subscription) {
	select {
	case <-sub.Ready:
	case <-ctx.Done():
		return
	}
	s.tracker.Run(ctx)
}

// SendAuthorMessage implements authortracker.Sender.
func (s *Subscription) SendAuthorMessage(msg authortracker.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	payload := transport.SignEphemeral(s.self, body)
	return s.publishEnvelope(transport.Envelope{Kind: transport.KindAuthorEphemeral, Author: &payload})
}

// PublishCursor sends a signed cursor/presence payload.
func (s *Subscription) PublishCursor(body []byte) error {
	payload := transport.SignEphemeral(s.self, body)
	return s.publishEnvelope(transport.Envelope{Kind: transport.KindEphemeral, Ephemeral: &payload})
}

// PublishOperation broadcasts a locally-produced operation.
func (s *Subscription) PublishOperation(op operation.Operation) error {
	headerBytes, err := op.Header.EncodeHeader()
	if err != nil {
		return fmt.Errorf("subscription: encode header: %w", err)
	}
	return s.publishEnvelope(transport.Envelope{
		Kind: transport.KindPersistent,
		Operation: &transport.PersistentPayload{
			HeaderBytes: headerBytes,
			BodyBytes:   op.Body,
		},
	})
}

func (s *Subscription) publishEnvelope(env transport.Envelope) error {
	encoded, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("subscription: encode envelope: %w", err)
	}

	s.mu.Lock()
	outbound := s.transportSub.Outbound
	s.mu.Unlock()

	if outbound == nil {
		s.bufferOutbound(encoded)
		return nil
	}
	select {
	case outbound <- encoded:
		return nil
	default:
		s.bufferOutbound(encoded)
		return nil
	}
}

func (s *Subscription) bufferOutbound(encoded []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if len(s.outboundReplay) >= outboundReplayLimit {
		s.outboundReplay = s.outboundReplay[1:]
	}
	s.outboundReplay = append(s.outboundReplay, encoded)
}

func (s *Subscription) flushOutboundReplay() {
	s.outMu.Lock()
	pending := s.outboundReplay
	s.outboundReplay = nil
	s.outMu.Unlock()

	s.mu.Lock()
	outbound := s.transportSub.Outbound
	s.mu.Unlock()
	if outbound == nil {
		return
	}
	for _, b := range pending {
		outbound <- b
	}
}

// Unsubscribe aborts the three live tasks, sends a final Bye, and
// blocks until they have fully stopped.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.state == Unsubscribed || s.state == Unsubscribing {
		s.mu.Unlock()
		return
	}
	s.state = Unsubscribing
	cancel := s.cancel
	closeFn := s.transportSub.Close
	s.mu.Unlock()

	s.tracker.SendBye()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if closeFn != nil {
		closeFn()
	}
	if s.docs != nil {
		_ = s.docs.SetLastAccessed(s.documentID, time.Now().UTC())
	}
	s.setState(Unsubscribed)
}

// Reconnect tears down the current transport subscription and
// re-establishes it against network, preserving subscription state and
// replaying any outbound messages queued during the gap. The
// replacement inbound pump is derived from the subscription's own
// tracked lifetime context (the one Unsubscribe cancels), not from ctx
// (which callers may use only for this one call), so Unsubscribe's
// wg.Wait() always completes.
func (s *Subscription) Reconnect(ctx context.Context, network transport.Network) error {
	s.mu.Lock()
	s.network = network
	oldClose := s.transportSub.Close
	oldPumpCancel := s.pumpCancel
	taskCtx := s.taskCtx
	s.mu.Unlock()

	if oldClose != nil {
		oldClose()
	}
	if oldPumpCancel != nil {
		oldPumpCancel()
	}

	transportSub, err := network.Subscribe(ctx, s.documentID)
	if err != nil {
		return fmt.Errorf("subscription: reconnect: %w", err)
	}

	pumpCtx, pumpCancel := context.WithCancel(taskCtx)
	s.mu.Lock()
	s.transportSub = transportSub
	s.pumpCancel = pumpCancel
	persistentCh := s.persistentCh
	s.mu.Unlock()

	s.wg.Add(1)
	go s.inboundPump(pumpCtx, transportSub, persistentCh)

	s.flushOutboundReplay()
	return nil
}
