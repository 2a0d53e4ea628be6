package ingest

import (
	"path/filepath"
	"testing"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/operation"
	"github.com/loomtext/loom/pkg/opstore"
)

type recordingDeliverer struct {
	bodies [][]byte
}

func (r *recordingDeliverer) Deliver(author identity.PublicKey, logType operation.LogType, body []byte) error {
	r.bodies = append(r.bodies, append([]byte(nil), body...))
	return nil
}

func openTestOps(t *testing.T) *opstore.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := opstore.Open(filepath.Join(dir, "ops.db"))
	if err != nil {
		t.Fatalf("opstore.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func genesisOp(t *testing.T, kp identity.KeyPair, body []byte) operation.Operation {
	t.Helper()
	op, err := operation.Sign(kp, operation.Header{Version: operation.CurrentVersion, LogType: operation.Delta}, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return op
}

func chainedOp(t *testing.T, kp identity.KeyPair, prev operation.Operation, body []byte) operation.Operation {
	t.Helper()
	h, err := prev.Header.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	docID, err := prev.Header.DocumentID()
	if err != nil {
		t.Fatalf("DocumentID: %v", err)
	}
	op, err := operation.Sign(kp, operation.Header{
		Version:    operation.CurrentVersion,
		LogType:    operation.Delta,
		SeqNum:     prev.Header.SeqNum + 1,
		Backlink:   h,
		DocumentID: &docID,
	}, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return op
}

func headerBody(t *testing.T, op operation.Operation) ([]byte, []byte) {
	t.Helper()
	hb, err := op.Header.EncodeHeader()
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}
	return hb, op.Body
}

func TestIngestDeliversInOrderOperations(t *testing.T) {
	ops := openTestOps(t)
	kp, _ := identity.Generate()
	op0 := genesisOp(t, kp, []byte("a"))
	docID, err := op0.Header.DocumentID()
	if err != nil {
		t.Fatalf("DocumentID: %v", err)
	}
	deliverer := &recordingDeliverer{}
	p := New(docID, ops, deliverer)

	op1 := chainedOp(t, kp, op0, []byte("b"))

	h0, b0 := headerBody(t, op0)
	if err := p.Ingest(h0, b0); err != nil {
		t.Fatalf("Ingest op0: %v", err)
	}
	h1, b1 := headerBody(t, op1)
	if err := p.Ingest(h1, b1); err != nil {
		t.Fatalf("Ingest op1: %v", err)
	}

	if len(deliverer.bodies) != 2 {
		t.Fatalf("got %d delivered bodies, want 2", len(deliverer.bodies))
	}
}

func TestIngestBuffersGapThenDrains(t *testing.T) {
	ops := openTestOps(t)
	kp, _ := identity.Generate()
	op0 := genesisOp(t, kp, []byte("a"))
	docID, err := op0.Header.DocumentID()
	if err != nil {
		t.Fatalf("DocumentID: %v", err)
	}
	deliverer := &recordingDeliverer{}
	p := New(docID, ops, deliverer)

	op1 := chainedOp(t, kp, op0, []byte("b"))
	op2 := chainedOp(t, kp, op1, []byte("c"))

	h0, b0 := headerBody(t, op0)
	if err := p.Ingest(h0, b0); err != nil {
		t.Fatalf("Ingest op0: %v", err)
	}

	// Deliver op2 before op1: it should buffer, not deliver.
	h2, b2 := headerBody(t, op2)
	if err := p.Ingest(h2, b2); err != nil {
		t.Fatalf("Ingest op2: %v", err)
	}
	if len(deliverer.bodies) != 1 {
		t.Fatalf("op2 should have been buffered, got %d delivered", len(deliverer.bodies))
	}

	h1, b1 := headerBody(t, op1)
	if err := p.Ingest(h1, b1); err != nil {
		t.Fatalf("Ingest op1: %v", err)
	}
	if len(deliverer.bodies) != 3 {
		t.Fatalf("expected gap to drain and deliver all 3, got %d", len(deliverer.bodies))
	}
}

func TestIngestDedupIsSilent(t *testing.T) {
	ops := openTestOps(t)
	kp, _ := identity.Generate()
	op0 := genesisOp(t, kp, []byte("a"))
	docID, err := op0.Header.DocumentID()
	if err != nil {
		t.Fatalf("DocumentID: %v", err)
	}
	deliverer := &recordingDeliverer{}
	p := New(docID, ops, deliverer)

	h0, b0 := headerBody(t, op0)

	if err := p.Ingest(h0, b0); err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if err := p.Ingest(h0, b0); err != nil {
		t.Fatalf("duplicate Ingest should not error: %v", err)
	}
	if len(deliverer.bodies) != 1 {
		t.Fatalf("duplicate should not re-deliver, got %d deliveries", len(deliverer.bodies))
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	ops := openTestOps(t)
	kp, _ := identity.Generate()
	docID := kp.PublicKey()
	deliverer := &recordingDeliverer{}
	p := New(docID, ops, deliverer)

	op0 := genesisOp(t, kp, []byte("a"))
	tampered := op0.Header
	tampered.Signature[0] ^= 0xFF
	h0, err := tampered.EncodeHeader()
	if err != nil {
		t.Fatalf("EncodeHeader: %v", err)
	}

	if err := p.Ingest(h0, op0.Body); err != nil {
		t.Fatalf("Ingest should drop, not error: %v", err)
	}
	if len(deliverer.bodies) != 0 {
		t.Fatalf("tampered header should not be delivered")
	}
}

func TestIngestRejectsBodyTamper(t *testing.T) {
	ops := openTestOps(t)
	kp, _ := identity.Generate()
	docID := kp.PublicKey()
	deliverer := &recordingDeliverer{}
	p := New(docID, ops, deliverer)

	op0 := genesisOp(t, kp, []byte("a"))
	h0, _ := headerBody(t, op0)

	if err := p.Ingest(h0, []byte("tampered")); err != nil {
		t.Fatalf("Ingest should drop, not error: %v", err)
	}
	if len(deliverer.bodies) != 0 {
		t.Fatalf("tampered body should not be delivered")
	}
}

func TestIngestDropsDocumentIDMismatch(t *testing.T) {
	ops := openTestOps(t)
	kp, _ := identity.Generate()
	other, _ := identity.Generate()
	deliverer := &recordingDeliverer{}
	p := New(other.PublicKey(), ops, deliverer) // subscribed to a different document

	op0 := genesisOp(t, kp, []byte("a"))
	h0, b0 := headerBody(t, op0)

	if err := p.Ingest(h0, b0); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(deliverer.bodies) != 0 {
		t.Fatalf("mismatched document id should not deliver")
	}
}
