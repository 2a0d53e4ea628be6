// Package textcrdt implements a replicated growable array (RGA) text
// sequence: the conflict-free data structure that lets every device
// insert and delete runes independently and still converge on the same
// text once operations have been exchanged.
package textcrdt

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// ElementID names one inserted rune. Ordering at a shared insertion
// point is by (Counter, Peer) descending, so concurrent inserts after
// the same left-origin converge on the same order everywhere.
type ElementID struct {
	Counter uint64 `cbor:"c"`
	Peer    uint64 `cbor:"p"`
}

// Greater reports whether a sorts after b in the RGA's deterministic
// tie-break order.
func (a ElementID) Greater(b ElementID) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.Peer > b.Peer
}

func (a ElementID) isZero() bool { return a == ElementID{} }

// CursorAnchor is a stable, position-tracking cursor handle: the
// identity of the RGA element immediately before a rune offset at the
// moment the cursor was set. Because it tracks an element's identity
// rather than a bare offset, ResolveCursor recovers the correct live
// offset even after concurrent inserts or deletes elsewhere in the
// document, including deletion of the anchor element itself.
type CursorAnchor struct {
	Before ElementID `cbor:"before"`
}

type element struct {
	ID       ElementID
	ParentID ElementID
	Value    rune
	Deleted  bool
	next     *element
}

// wireElement is the CBOR shadow of element used for delta/snapshot
// encoding, where pointers make no sense.
type wireElement struct {
	ID       ElementID `cbor:"id"`
	ParentID ElementID `cbor:"parent"`
	Value    rune      `cbor:"v"`
	Deleted  bool      `cbor:"deleted,omitempty"`
}

// ImportKind distinguishes the two payload shapes Import accepts.
type ImportKind int

const (
	// KindDelta is a list of newly-inserted or newly-tombstoned elements.
	KindDelta ImportKind = iota
	// KindSnapshot is the entire live element table plus clock.
	KindSnapshot
)

// Origin tags where a TextDelta batch came from.
type Origin int

const (
	Local Origin = iota
	Remote
)

// DeltaKind is the operation a single TextDelta tuple performs.
type DeltaKind int

const (
	Retain DeltaKind = iota
	Insert
	Delete
)

// TextDelta is one absolute-position tuple within a batch.
type TextDelta struct {
	Kind   DeltaKind
	Index  int
	Value  string // set for Insert
	Length int    // set for Retain/Delete
}

// change pairs a newly-touched element with its absolute visible-text
// position at the moment it was applied, so Commit/Import can report
// TextDelta tuples without re-deriving position from the wire shape.
type change struct {
	elem  wireElement
	index int
}

// Batch is everything produced by a single Commit or Import call.
type Batch struct {
	Origin Origin
	Deltas []TextDelta
}

// Doc is one document's text CRDT instance. It is not safe for
// concurrent mutation; callers serialize access (the Document type
// does this via its command queue).
type Doc struct {
	mu       sync.RWMutex
	peer     uint64
	clock    uint64
	registry map[ElementID]*element
	root     *element
	pendingOrphans map[ElementID][]wireElement

	pendingLocal []change // accumulated since the last Commit

	onLocalEncoded func([]byte)
	onTextDelta    func(Batch)
}

// New creates an empty document CRDT tagged with peer (typically
// identity.PublicKey.PeerID()).
func New(peer uint64) *Doc {
	root := &element{}
	return &Doc{
		peer:           peer,
		registry:       map[ElementID]*element{{}: root},
		root:           root,
		pendingOrphans: make(map[ElementID][]wireElement),
	}
}

// OnLocalEncoded registers the callback invoked once per Commit that
// has pending changes, with the CBOR-encoded delta to broadcast. Must be called before the first
// Insert/Delete.
func (d *Doc) OnLocalEncoded(fn func([]byte)) { d.onLocalEncoded = fn }

// OnTextDelta registers the callback invoked once per Commit that has
// pending changes (Origin Local) and once per Import (Origin Remote) with the absolute-position
// mutation batch. Must be called before the first Insert/Delete.
func (d *Doc) OnTextDelta(fn func(Batch)) { d.onTextDelta = fn }

// elementBeforeVisibleIndex finds the element immediately before visible
// rune offset idx (the insertion's left-origin), returning the zero ID
// for "at the start of the document".
func (d *Doc) elementBeforeVisibleIndex(idx int) ElementID {
	if idx <= 0 {
		return ElementID{}
	}
	pos := 0
	cur := d.root.next
	var last *element
	for cur != nil && pos < idx {
		if !cur.Deleted {
			pos++
			last = cur
		}
		cur = cur.next
	}
	if last == nil {
		return ElementID{}
	}
	return last.ID
}

// CursorAt resolves index, a visible rune offset, to a stable anchor
// on the element immediately preceding it. Returns ok=false if the
// document has never had any text inserted, i.e. there is nothing to
// anchor to (mirroring a cursor library's inability to track a
// position in a text that has never existed).
func (d *Doc) CursorAt(index int) (CursorAnchor, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.root.next == nil {
		return CursorAnchor{}, false
	}
	return CursorAnchor{Before: d.elementBeforeVisibleIndex(index)}, true
}

// ResolveCursor recovers anchor's current visible-text offset: the
// number of currently-visible elements up to and including the anchor
// element, or the count strictly before it if the anchor element has
// since been deleted. The zero anchor (the start of the document)
// always resolves to 0.
func (d *Doc) ResolveCursor(anchor CursorAnchor) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if anchor.Before.isZero() {
		return 0
	}
	elem, ok := d.registry[anchor.Before]
	if !ok {
		return 0
	}
	pos := d.visiblePositionBefore(elem)
	if !elem.Deleted {
		pos++
	}
	return pos
}

// InsertText inserts text at the given rune offset into the visible
// text, advancing the logical clock by one element per rune.
func (d *Doc) InsertText(index int, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	parent := d.elementBeforeVisibleIndex(index)
	pos := index
	for _, r := range text {
		d.clock++
		id := ElementID{Counter: d.clock, Peer: d.peer}
		el := &element{ID: id, ParentID: parent, Value: r}
		d.integrate(el)
		d.pendingLocal = append(d.pendingLocal, change{elem: wireElement{ID: id, ParentID: parent, Value: r}, index: pos})
		parent = id
		pos++
	}
}

// DeleteRange tombstones the visible runes in [start, start+length).
func (d *Doc) DeleteRange(start, length int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pos := 0
	cur := d.root.next
	for cur != nil && pos < start+length {
		if !cur.Deleted {
			if pos >= start {
				cur.Deleted = true
				d.pendingLocal = append(d.pendingLocal, change{
					elem:  wireElement{ID: cur.ID, ParentID: cur.ParentID, Value: cur.Value, Deleted: true},
					index: start,
				})
			}
			pos++
		}
		cur = cur.next
	}
}

// visiblePositionBefore counts the visible (non-tombstoned) elements
// preceding target in the linearized sequence, i.e. target's own
// absolute rune offset among currently-visible text.
func (d *Doc) visiblePositionBefore(target *element) int {
	pos := 0
	cur := d.root.next
	for cur != nil && cur != target {
		if !cur.Deleted {
			pos++
		}
		cur = cur.next
	}
	return pos
}

// integrate links a new element into the linearized sequence, ordering
// siblings of the same parent by descending ElementID.
func (d *Doc) integrate(newEl *element) {
	parent, ok := d.registry[newEl.ParentID]
	if !ok {
		parent = d.root
	}
	prev := parent
	cur := parent.next
	for cur != nil && cur.ParentID == newEl.ParentID {
		if newEl.ID.Greater(cur.ID) {
			break
		}
		prev = cur
		cur = cur.next
	}
	newEl.next = cur
	prev.next = newEl
	d.registry[newEl.ID] = newEl
	if newEl.ID.Counter > d.clock {
		d.clock = newEl.ID.Counter
	}
}

// Commit flushes pending local mutations as one delta: it fires
// OnLocalEncoded with the CBOR-encoded element list and OnTextDelta
// with one Local-tagged batch of absolute-position tuples.
func (d *Doc) Commit() error {
	d.mu.Lock()
	pending := d.pendingLocal
	d.pendingLocal = nil
	d.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	elems := make([]wireElement, len(pending))
	for i, c := range pending {
		elems[i] = c.elem
	}
	encoded, err := cbor.Marshal(elems)
	if err != nil {
		return fmt.Errorf("textcrdt: encode delta: %w", err)
	}
	if d.onLocalEncoded != nil {
		d.onLocalEncoded(encoded)
	}
	if d.onTextDelta != nil {
		d.onTextDelta(Batch{Origin: Local, Deltas: deltasFromChanges(pending)})
	}
	return nil
}

// deltasFromChanges turns a flat list of newly-touched elements, each
// tagged with its absolute visible-text position, into a batch of
// TextDelta tuples. Consecutive runs of inserts or deletes at adjacent
// positions collapse into one tuple.
func deltasFromChanges(changes []change) []TextDelta {
	var out []TextDelta
	for _, c := range changes {
		if c.elem.Deleted {
			if n := len(out); n > 0 && out[n-1].Kind == Delete &&
				out[n-1].Index == c.index {
				out[n-1].Length++
				continue
			}
			out = append(out, TextDelta{Kind: Delete, Index: c.index, Length: 1})
			continue
		}
		if n := len(out); n > 0 && out[n-1].Kind == Insert &&
			out[n-1].Index+len([]rune(out[n-1].Value)) == c.index {
			out[n-1].Value += string(c.elem.Value)
			continue
		}
		out = append(out, TextDelta{Kind: Insert, Index: c.index, Value: string(c.elem.Value)})
	}
	return out
}

// Export CBOR-encodes the entire live element table plus the logical
// clock: a full snapshot suitable for Import with KindSnapshot.
func (d *Doc) Export() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var all []wireElement
	cur := d.root.next
	for cur != nil {
		all = append(all, wireElement{ID: cur.ID, ParentID: cur.ParentID, Value: cur.Value, Deleted: cur.Deleted})
		cur = cur.next
	}
	snap := struct {
		Clock    uint64        `cbor:"clock"`
		Elements []wireElement `cbor:"elements"`
	}{Clock: d.clock, Elements: all}

	encoded, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("textcrdt: encode snapshot: %w", err)
	}
	return encoded, nil
}

// Import merges a remote delta or snapshot payload and fires exactly
// one Remote-tagged TextDelta batch.
func (d *Doc) Import(data []byte, kind ImportKind) error {
	var incoming []wireElement
	switch kind {
	case KindDelta:
		if err := cbor.Unmarshal(data, &incoming); err != nil {
			return fmt.Errorf("textcrdt: decode delta: %w", err)
		}
	case KindSnapshot:
		var snap struct {
			Clock    uint64        `cbor:"clock"`
			Elements []wireElement `cbor:"elements"`
		}
		if err := cbor.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("textcrdt: decode snapshot: %w", err)
		}
		incoming = snap.Elements
	default:
		return fmt.Errorf("textcrdt: unknown import kind %d", kind)
	}

	d.mu.Lock()
	var applied []change
	for _, w := range incoming {
		applied = append(applied, d.mergeOne(w)...)
	}
	d.mu.Unlock()

	if d.onTextDelta != nil {
		d.onTextDelta(Batch{Origin: Remote, Deltas: deltasFromChanges(applied)})
	}
	return nil
}

// mergeOne integrates (or buffers) one incoming element, returning the
// set of elements that actually became visible-state changes (for
// delta-batch reporting), including any orphans it unblocked.
func (d *Doc) mergeOne(w wireElement) []change {
	if existing, ok := d.registry[w.ID]; ok {
		if w.Deleted && !existing.Deleted {
			idx := d.visiblePositionBefore(existing)
			existing.Deleted = true
			return []change{{elem: w, index: idx}}
		}
		return nil
	}
	return d.processNode(w)
}

func (d *Doc) processNode(w wireElement) []change {
	if _, parentKnown := d.registry[w.ParentID]; !parentKnown && !w.ParentID.isZero() {
		d.pendingOrphans[w.ParentID] = append(d.pendingOrphans[w.ParentID], w)
		return nil
	}

	el := &element{ID: w.ID, ParentID: w.ParentID, Value: w.Value, Deleted: w.Deleted}
	d.integrate(el)

	var out []change
	if !w.Deleted {
		// A remote insert that arrives already tombstoned (a delete
		// whose insert we never separately observed) contributes no
		// visible-position change of its own.
		out = append(out, change{elem: w, index: d.visiblePositionBefore(el)})
	}

	if orphans, ok := d.pendingOrphans[w.ID]; ok {
		delete(d.pendingOrphans, w.ID)
		for _, child := range orphans {
			out = append(out, d.processNode(child)...)
		}
	}
	return out
}

// Value returns the current visible text.
func (d *Doc) Value() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var rs []rune
	cur := d.root.next
	for cur != nil {
		if !cur.Deleted {
			rs = append(rs, cur.Value)
		}
		cur = cur.next
	}
	return string(rs)
}
