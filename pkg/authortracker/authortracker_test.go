package authortracker

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
)

type recordingSender struct {
	sent []Message
}

func (r *recordingSender) SendAuthorMessage(m Message) error {
	r.sent = append(r.sent, m)
	return nil
}

func openTestDocs(t *testing.T) *docstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := docstore.Open(filepath.Join(dir, "docs.db"))
	if err != nil {
		t.Fatalf("docstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHelloFromNewAuthorFiresJoinedAndReplyPing(t *testing.T) {
	docs := openTestDocs(t)
	self, _ := identity.Generate()
	other, _ := identity.Generate()
	docID := self.PublicKey()
	if err := docs.AddDocument(docID); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	sender := &recordingSender{}
	tr := New(docID, self.PublicKey(), docs, broker, sender)

	tr.HandleMessage(other.PublicKey(), Message{Kind: Hello, Timestamp: 1})

	select {
	case ev := <-sub:
		if ev.Type != events.EventAuthorJoined || ev.AuthorID != other.PublicKey() {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for author joined event")
	}

	if len(sender.sent) != 1 || sender.sent[0].Kind != Ping {
		t.Fatalf("expected reply Ping, got %+v", sender.sent)
	}
}

func TestByeFiresLeftAndRecordsLastSeen(t *testing.T) {
	docs := openTestDocs(t)
	self, _ := identity.Generate()
	other, _ := identity.Generate()
	docID := self.PublicKey()
	if err := docs.AddDocument(docID); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tr := New(docID, self.PublicKey(), docs, broker, &recordingSender{})
	tr.HandleMessage(other.PublicKey(), Message{Kind: Hello, Timestamp: 1})
	<-sub // drain joined

	tr.HandleMessage(other.PublicKey(), Message{Kind: Bye, Timestamp: 2})

	select {
	case ev := <-sub:
		if ev.Type != events.EventAuthorLeft {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for author left event")
	}

	authors, err := docs.AuthorsForDocument(docID)
	if err != nil {
		t.Fatalf("AuthorsForDocument: %v", err)
	}
	if len(authors) != 1 || authors[0].LastSeen.IsZero() {
		t.Fatalf("expected last_seen recorded, got %+v", authors)
	}
}

func TestSelfMessagesAreIgnored(t *testing.T) {
	docs := openTestDocs(t)
	self, _ := identity.Generate()
	docID := self.PublicKey()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tr := New(docID, self.PublicKey(), docs, broker, &recordingSender{})
	tr.HandleMessage(self.PublicKey(), Message{Kind: Hello, Timestamp: 1})

	select {
	case ev := <-sub:
		t.Fatalf("should not publish for self message, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{Kind: Ping, Timestamp: 12345}
	b, err := m.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != m {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, m)
	}
}
