package opstore

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/operation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "ops.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func signedOp(t *testing.T, kp identity.KeyPair, seq uint64, backlink operation.Hash, body []byte) operation.Operation {
	t.Helper()
	h := operation.Header{Version: operation.CurrentVersion, LogType: operation.Delta, SeqNum: seq, Backlink: backlink}
	op, err := operation.Sign(kp, h, body)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return op
}

func TestAppendLatestRange(t *testing.T) {
	s := openTestStore(t)
	kp, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	docID := kp.PublicKey()
	log := LogID{DocumentID: docID, Type: operation.Delta}

	op0 := signedOp(t, kp, 0, operation.Hash{}, []byte("a"))
	h0, err := op0.Header.Hash()
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	op1 := signedOp(t, kp, 1, h0, []byte("b"))

	if err := s.Append(kp.PublicKey(), log, op0); err != nil {
		t.Fatalf("Append op0: %v", err)
	}
	if err := s.Append(kp.PublicKey(), log, op1); err != nil {
		t.Fatalf("Append op1: %v", err)
	}

	latest, ok, err := s.Latest(kp.PublicKey(), log)
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.Header.SeqNum != 1 {
		t.Fatalf("Latest seq = %d, want 1", latest.Header.SeqNum)
	}

	ops, err := s.Range(kp.PublicKey(), log, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("Range returned %d ops, want 2", len(ops))
	}
	if string(ops[0].Body) != "a" || string(ops[1].Body) != "b" {
		t.Fatalf("Range order wrong: %q %q", ops[0].Body, ops[1].Body)
	}
}

func TestAppendIsIdempotentForIdenticalOperation(t *testing.T) {
	s := openTestStore(t)
	kp, _ := identity.Generate()
	log := LogID{DocumentID: kp.PublicKey(), Type: operation.Delta}
	op := signedOp(t, kp, 0, operation.Hash{}, []byte("x"))

	if err := s.Append(kp.PublicKey(), log, op); err != nil {
		t.Fatalf("first Append: %v", err)
	}
	if err := s.Append(kp.PublicKey(), log, op); err != nil {
		t.Fatalf("second identical Append should succeed silently: %v", err)
	}
}

func TestAppendConflictDetection(t *testing.T) {
	s := openTestStore(t)
	kp, _ := identity.Generate()
	log := LogID{DocumentID: kp.PublicKey(), Type: operation.Delta}

	op := signedOp(t, kp, 0, operation.Hash{}, []byte("first"))
	if err := s.Append(kp.PublicKey(), log, op); err != nil {
		t.Fatalf("Append: %v", err)
	}

	conflicting := signedOp(t, kp, 0, operation.Hash{}, []byte("second"))
	err := s.Append(kp.PublicKey(), log, conflicting)
	if !errors.Is(err, ErrConflictingAppend) {
		t.Fatalf("Append() = %v, want ErrConflictingAppend", err)
	}
}

func TestPruneRemovesOlderEntriesIdempotently(t *testing.T) {
	s := openTestStore(t)
	kp, _ := identity.Generate()
	log := LogID{DocumentID: kp.PublicKey(), Type: operation.Snapshot}

	var backlink operation.Hash
	for seq := uint64(0); seq < 5; seq++ {
		op := signedOp(t, kp, seq, backlink, []byte{byte(seq)})
		if err := s.Append(kp.PublicKey(), log, op); err != nil {
			t.Fatalf("Append seq %d: %v", seq, err)
		}
		backlink, _ = op.Header.Hash()
	}

	if err := s.Prune(kp.PublicKey(), log, 3); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	ops, err := s.Range(kp.PublicKey(), log, 0)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("after prune got %d ops, want 2", len(ops))
	}
	if ops[0].Header.SeqNum != 3 || ops[1].Header.SeqNum != 4 {
		t.Fatalf("unexpected remaining seq_nums: %d, %d", ops[0].Header.SeqNum, ops[1].Header.SeqNum)
	}

	if err := s.Prune(kp.PublicKey(), log, 3); err != nil {
		t.Fatalf("second Prune (idempotent) should not error: %v", err)
	}
}
