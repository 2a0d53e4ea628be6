package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/transport"
)

func encodePersistent(t *testing.T, header, body []byte) []byte {
	t.Helper()
	env := transport.Envelope{
		Kind:      transport.KindPersistent,
		Operation: &transport.PersistentPayload{HeaderBytes: header, BodyBytes: body},
	}
	b, err := cbor.Marshal(env)
	if err != nil {
		t.Fatalf("cbor.Marshal envelope: %v", err)
	}
	return b
}

func TestSubscribeBroadcastsToOtherMembersOnly(t *testing.T) {
	net := New()
	kp, _ := identity.Generate()
	topicID := kp.PublicKey()
	ctx := context.Background()

	subA, err := net.Subscribe(ctx, topicID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	defer subA.Close()

	subB, err := net.Subscribe(ctx, topicID)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}
	defer subB.Close()

	subA.Outbound <- []byte("hello from A")

	select {
	case ev := <-subB.Inbound:
		if ev.Kind != transport.GossipMessage || string(ev.Bytes) != "hello from A" {
			t.Fatalf("unexpected event on B: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for B to receive A's broadcast")
	}

	select {
	case ev := <-subA.Inbound:
		t.Fatalf("A should not receive its own broadcast, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	net := New()
	kp, _ := identity.Generate()
	topicID := kp.PublicKey()
	ctx := context.Background()

	subA, err := net.Subscribe(ctx, topicID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	subB, err := net.Subscribe(ctx, topicID)
	if err != nil {
		t.Fatalf("Subscribe B: %v", err)
	}

	subB.Close()
	subB.Close() // must not panic

	subA.Outbound <- []byte("after B closed")
	time.Sleep(50 * time.Millisecond)
	if ev, ok := <-subB.Inbound; ok {
		t.Fatalf("B received %+v after Close", ev)
	}
	subA.Close()
}

// TestLateJoinerReceivesHistoryAsSyncMessages exercises the catch-up half
// of this transport's responsibility: a member that subscribes after
// persistent operations have already been broadcast must still receive
// them, tagged SyncMessage, before it observes any new live gossip.
func TestLateJoinerReceivesHistoryAsSyncMessages(t *testing.T) {
	net := New()
	kp, _ := identity.Generate()
	topicID := kp.PublicKey()
	ctx := context.Background()

	subA, err := net.Subscribe(ctx, topicID)
	if err != nil {
		t.Fatalf("Subscribe A: %v", err)
	}
	defer subA.Close()

	const priorOps = 5
	for i := 0; i < priorOps; i++ {
		subA.Outbound <- encodePersistent(t, []byte{byte(i)}, []byte("delta"))
	}

	// Give the topic's forwarding goroutine a chance to record each
	// broadcast before the late joiner subscribes.
	time.Sleep(50 * time.Millisecond)

	subC, err := net.Subscribe(ctx, topicID)
	if err != nil {
		t.Fatalf("Subscribe C (late joiner): %v", err)
	}
	defer subC.Close()

	for i := 0; i < priorOps; i++ {
		select {
		case ev := <-subC.Inbound:
			if ev.Kind != transport.SyncMessage {
				t.Fatalf("event %d: want SyncMessage, got %+v", i, ev)
			}
			var env transport.Envelope
			if err := cbor.Unmarshal(ev.HeaderBytes, &env); err != nil {
				t.Fatalf("event %d: decode envelope: %v", i, err)
			}
			if env.Operation == nil || env.Operation.HeaderBytes[0] != byte(i) {
				t.Fatalf("event %d: unexpected payload %+v", i, env.Operation)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for catch-up event %d", i)
		}
	}

	// A subsequent live broadcast must still arrive as ordinary gossip.
	subA.Outbound <- encodePersistent(t, []byte("live"), []byte("delta"))
	select {
	case ev := <-subC.Inbound:
		if ev.Kind != transport.GossipMessage {
			t.Fatalf("want GossipMessage after catch-up, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-catch-up live gossip")
	}
}
