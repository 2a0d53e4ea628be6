package textcrdt

import "testing"

func TestInsertCommitProducesLocalBatch(t *testing.T) {
	doc := New(1)
	var encoded []byte
	var batch Batch
	doc.OnLocalEncoded(func(b []byte) { encoded = b })
	doc.OnTextDelta(func(b Batch) { batch = b })

	doc.InsertText(0, "Hello")
	if err := doc.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if doc.Value() != "Hello" {
		t.Fatalf("Value() = %q, want %q", doc.Value(), "Hello")
	}
	if len(encoded) == 0 {
		t.Fatal("expected non-empty encoded delta")
	}
	if batch.Origin != Local {
		t.Fatalf("batch.Origin = %v, want Local", batch.Origin)
	}
	// Five consecutive inserts at adjacent positions collapse into one
	// absolute-position tuple.
	if len(batch.Deltas) != 1 {
		t.Fatalf("got %d deltas, want 1", len(batch.Deltas))
	}
	if batch.Deltas[0].Kind != Insert || batch.Deltas[0].Index != 0 || batch.Deltas[0].Value != "Hello" {
		t.Fatalf("unexpected delta: %+v", batch.Deltas[0])
	}
}

func TestTextDeltaReportsAbsolutePositions(t *testing.T) {
	doc := New(1)
	doc.InsertText(0, "Hello")
	_ = doc.Commit()

	var batch Batch
	doc.OnTextDelta(func(b Batch) { batch = b })

	doc.InsertText(5, " world")
	_ = doc.Commit()
	if len(batch.Deltas) != 1 || batch.Deltas[0].Kind != Insert ||
		batch.Deltas[0].Index != 5 || batch.Deltas[0].Value != " world" {
		t.Fatalf("unexpected insert delta: %+v", batch.Deltas)
	}

	doc.DeleteRange(0, 5)
	_ = doc.Commit()
	if len(batch.Deltas) != 1 || batch.Deltas[0].Kind != Delete ||
		batch.Deltas[0].Index != 0 || batch.Deltas[0].Length != 5 {
		t.Fatalf("unexpected delete delta: %+v", batch.Deltas)
	}
}

func TestCommitWithNoChangesProducesNoBatch(t *testing.T) {
	doc := New(1)
	calls := 0
	doc.OnLocalEncoded(func([]byte) { calls++ })

	if err := doc.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no OnLocalEncoded call on empty commit, got %d", calls)
	}
}

func TestDeleteRangeTombstonesWithoutPhysicalRemoval(t *testing.T) {
	doc := New(1)
	doc.InsertText(0, "Hello")
	_ = doc.Commit()

	doc.DeleteRange(0, 2)
	_ = doc.Commit()

	if doc.Value() != "llo" {
		t.Fatalf("Value() = %q, want %q", doc.Value(), "llo")
	}
}

func TestImportDeltaConverges(t *testing.T) {
	a := New(1)
	a.InsertText(0, "Hi")
	var delta []byte
	a.OnLocalEncoded(func(b []byte) { delta = b })
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b := New(2)
	var remoteBatch Batch
	b.OnTextDelta(func(batch Batch) { remoteBatch = batch })
	if err := b.Import(delta, KindDelta); err != nil {
		t.Fatalf("Import: %v", err)
	}

	if a.Value() != b.Value() {
		t.Fatalf("documents diverged: a=%q b=%q", a.Value(), b.Value())
	}
	if remoteBatch.Origin != Remote {
		t.Fatalf("remoteBatch.Origin = %v, want Remote", remoteBatch.Origin)
	}
}

func TestSnapshotExportImportRoundTrip(t *testing.T) {
	a := New(1)
	a.InsertText(0, "Hello, world")
	_ = a.Commit()
	a.DeleteRange(5, 2)
	_ = a.Commit()

	snap, err := a.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	b := New(2)
	if err := b.Import(snap, KindSnapshot); err != nil {
		t.Fatalf("Import snapshot: %v", err)
	}

	if a.Value() != b.Value() {
		t.Fatalf("snapshot round trip diverged: a=%q b=%q", a.Value(), b.Value())
	}
}

func TestConcurrentInsertsAtSamePositionConvergeAcrossReplicas(t *testing.T) {
	a := New(1)
	b := New(2)

	a.InsertText(0, "base")
	var baseDelta []byte
	a.OnLocalEncoded(func(enc []byte) { baseDelta = enc })
	_ = a.Commit()
	if err := b.Import(baseDelta, KindDelta); err != nil {
		t.Fatalf("Import base into b: %v", err)
	}

	a.InsertText(4, "A")
	var deltaA []byte
	a.OnLocalEncoded(func(enc []byte) { deltaA = enc })
	_ = a.Commit()

	b.InsertText(4, "B")
	var deltaB []byte
	b.OnLocalEncoded(func(enc []byte) { deltaB = enc })
	_ = b.Commit()

	if err := a.Import(deltaB, KindDelta); err != nil {
		t.Fatalf("Import deltaB into a: %v", err)
	}
	if err := b.Import(deltaA, KindDelta); err != nil {
		t.Fatalf("Import deltaA into b: %v", err)
	}

	if a.Value() != b.Value() {
		t.Fatalf("concurrent inserts did not converge: a=%q b=%q", a.Value(), b.Value())
	}
}

func TestOutOfOrderRemoteInsertsBufferUntilOriginArrives(t *testing.T) {
	a := New(1)
	a.InsertText(0, "abc")
	var deltas [][]byte
	a.OnLocalEncoded(func(enc []byte) {
		cp := append([]byte(nil), enc...)
		deltas = append(deltas, cp)
	})
	_ = a.Commit()
	a.InsertText(3, "d")
	_ = a.Commit()

	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}

	b := New(2)
	// Deliver the later delta first: its left-origin is not yet known to b.
	if err := b.Import(deltas[1], KindDelta); err != nil {
		t.Fatalf("Import out-of-order delta: %v", err)
	}
	if b.Value() != "" {
		t.Fatalf("orphaned insert should not be visible yet, got %q", b.Value())
	}

	if err := b.Import(deltas[0], KindDelta); err != nil {
		t.Fatalf("Import origin delta: %v", err)
	}
	if b.Value() != a.Value() {
		t.Fatalf("after origin arrives, b should converge: a=%q b=%q", a.Value(), b.Value())
	}
}

func TestCursorAtNoTextReturnsNotOK(t *testing.T) {
	doc := New(1)
	if _, ok := doc.CursorAt(0); ok {
		t.Fatal("CursorAt on empty document should return ok = false")
	}
}

func TestCursorSurvivesConcurrentInsertBeforeIt(t *testing.T) {
	a := New(1)
	a.InsertText(0, "abc")
	var delta []byte
	a.OnLocalEncoded(func(b []byte) { delta = b })
	if err := a.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	b := New(2)
	if err := b.Import(delta, KindDelta); err != nil {
		t.Fatalf("Import: %v", err)
	}

	// Anchor just before 'c', at raw offset 2.
	anchor, ok := a.CursorAt(2)
	if !ok {
		t.Fatal("CursorAt(2) = false, want true")
	}
	if pos := b.ResolveCursor(anchor); pos != 2 {
		t.Fatalf("ResolveCursor before concurrent edit = %d, want 2", pos)
	}

	// A concurrent remote insert before the anchored position must shift
	// where the anchor resolves, proving it tracks the element's
	// identity rather than the raw offset it was taken at.
	b.InsertText(0, "XY")
	if b.Value() != "XYabc" {
		t.Fatalf("b.Value() = %q, want %q", b.Value(), "XYabc")
	}
	if pos := b.ResolveCursor(anchor); pos != 4 {
		t.Fatalf("ResolveCursor after concurrent insert = %d, want 4", pos)
	}
}

func TestCursorSurvivesDeletionOfAnchorElement(t *testing.T) {
	doc := New(1)
	doc.InsertText(0, "abc")
	_ = doc.Commit()

	anchor, ok := doc.CursorAt(2) // anchored to 'b', immediately before 'c'
	if !ok {
		t.Fatal("CursorAt(2) = false, want true")
	}
	if pos := doc.ResolveCursor(anchor); pos != 2 {
		t.Fatalf("ResolveCursor before delete = %d, want 2", pos)
	}

	doc.DeleteRange(1, 1) // delete 'b', the anchor element itself
	_ = doc.Commit()
	if doc.Value() != "ac" {
		t.Fatalf("Value() = %q, want %q", doc.Value(), "ac")
	}

	if pos := doc.ResolveCursor(anchor); pos != 1 {
		t.Fatalf("ResolveCursor after anchor deleted = %d, want 1", pos)
	}
}
