// Package document binds one text CRDT instance to its persistent
// stores and live network subscription: the six responsibilities of a
// materialised document (outbound delta, inbound mutation, text patch
// out, name extraction, cursor presence, and snapshot scheduling), all
// serialized through a single per-document command queue.
package document

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomtext/loom/pkg/docstore"
	"github.com/loomtext/loom/pkg/events"
	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/log"
	"github.com/loomtext/loom/pkg/metrics"
	"github.com/loomtext/loom/pkg/operation"
	"github.com/loomtext/loom/pkg/opstore"
	"github.com/loomtext/loom/pkg/subscription"
	"github.com/loomtext/loom/pkg/textcrdt"
	"github.com/loomtext/loom/pkg/transport"
)

// snapshotDelay is how long a document waits, after its first
// unsnapshotted outbound delta, before exporting and broadcasting a
// consolidated snapshot that supersedes prior deltas.
const snapshotDelay = 5 * time.Second

// nameWindow bounds the rune window the document name is extracted
// from, and the edit-offset threshold that triggers recomputation.
const nameWindow = 32

// TextHandler receives a document's CRDT mutations translated into
// absolute-position text edits, for driving an external text buffer.
type TextHandler func(textcrdt.Batch)

// Document binds one CRDT instance to its operation/document stores
// and network subscription. All public methods are safe for
// concurrent use; they serialize onto a single command queue so the
// CRDT and its derived store appends are never touched by two
// goroutines at once.
type Document struct {
	documentID identity.PublicKey
	self       identity.KeyPair
	crdt       *textcrdt.Doc
	ops        *opstore.Store
	docs       *docstore.Store
	sub        *subscription.Subscription

	onTextChange TextHandler

	cmdCh chan func()
	wg    sync.WaitGroup

	name string

	snapshotArmed bool
	snapshotTimer *time.Timer

	lastCursorSeen map[identity.PublicKey]int64
}

// CursorEvent is delivered to an external consumer (the text buffer's
// presence layer) each time a remote author's cursor moves or clears.
type CursorEvent struct {
	Author    identity.PublicKey
	Position  int
	Cleared   bool
	Timestamp int64
}

// cursorPayload is the wire shape of a cursor ephemeral message: Cursor
// is a CBOR-encoded textcrdt.CursorAnchor, or nil to mean "cleared".
type cursorPayload struct {
	Cursor    []byte `cbor:"cursor"`
	Timestamp int64  `cbor:"timestamp"`
}

// CreateDocument signs and stores a document's genesis operation
// (an empty Delta at seq_num 0 with no explicit document id, so its
// own hash becomes the DocumentId), registers it in docs, queues it for
// broadcast once the document subscribes, and returns a freshly
// materialised Document for it.
func CreateDocument(
	self identity.KeyPair,
	network transport.Network,
	ops *opstore.Store,
	docs *docstore.Store,
	broker *events.Broker,
	onTextChange TextHandler,
	onCursor func(CursorEvent),
) (*Document, error) {
	genesis := operation.Header{Version: operation.CurrentVersion, LogType: operation.Delta}
	op, err := operation.Sign(self, genesis, nil)
	if err != nil {
		return nil, fmt.Errorf("document: sign genesis: %w", err)
	}
	documentID, err := op.Header.DocumentID()
	if err != nil {
		return nil, fmt.Errorf("document: derive document id: %w", err)
	}

	logID := opstore.LogID{DocumentID: documentID, Type: operation.Delta}
	if err := ops.Append(self.PublicKey(), logID, op); err != nil {
		return nil, fmt.Errorf("document: store genesis: %w", err)
	}
	if err := docs.AddDocument(documentID); err != nil {
		return nil, fmt.Errorf("document: register document: %w", err)
	}

	d := newDocument(self, documentID, network, ops, docs, broker, onTextChange, onCursor)
	// Peers admit this author's later deltas only after its seq_num 0.
	if err := d.sub.PublishOperation(op); err != nil {
		d.Close()
		return nil, fmt.Errorf("document: publish genesis: %w", err)
	}
	return d, nil
}

// Open materialises a Document for an already-known documentID (one
// this node created earlier, or joined). The CRDT starts empty; the
// Subscription's replay-then-live-subscribe sequence reconstructs it
// from the stores and the network.
func Open(
	self identity.KeyPair,
	documentID identity.PublicKey,
	network transport.Network,
	ops *opstore.Store,
	docs *docstore.Store,
	broker *events.Broker,
	onTextChange TextHandler,
	onCursor func(CursorEvent),
) *Document {
	return newDocument(self, documentID, network, ops, docs, broker, onTextChange, onCursor)
}

func newDocument(
	self identity.KeyPair,
	documentID identity.PublicKey,
	network transport.Network,
	ops *opstore.Store,
	docs *docstore.Store,
	broker *events.Broker,
	onTextChange TextHandler,
	onCursor func(CursorEvent),
) *Document {
	d := &Document{
		documentID:     documentID,
		self:           self,
		ops:            ops,
		docs:           docs,
		onTextChange:   onTextChange,
		cmdCh:          make(chan func(), 64),
		lastCursorSeen: make(map[identity.PublicKey]int64),
	}
	d.crdt = textcrdt.New(self.PublicKey().PeerID())
	d.crdt.OnLocalEncoded(d.handleLocalEncoded)
	d.crdt.OnTextDelta(d.handleTextDelta)

	var cursorHandler subscription.CursorHandler
	if onCursor != nil {
		cursorHandler = func(author identity.PublicKey, body []byte) {
			d.handleRemoteCursor(author, body, onCursor)
		}
	}
	d.sub = subscription.New(self, documentID, network, ops, docs, broker, d, cursorHandler)

	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Document) run() {
	defer d.wg.Done()
	for cmd := range d.cmdCh {
		cmd()
	}
}

// do enqueues fn onto the command queue and blocks until it has run,
// returning whatever error it produced. Every public method that
// touches the CRDT or the stores goes through this so mutations are
// serialized with respect to ingested remote operations.
func (d *Document) do(fn func() error) error {
	reply := make(chan error, 1)
	d.cmdCh <- func() { reply <- fn() }
	return <-reply
}

// DocumentID returns this document's identifier.
func (d *Document) DocumentID() identity.PublicKey { return d.documentID }

// Subscribe joins the document's network topic and replays its
// persisted history into the CRDT.
func (d *Document) Subscribe(ctx context.Context) error {
	return d.sub.Subscribe(ctx)
}

// Reconnect swaps the document's live transport to network, preserving
// subscription state. Used by Node when the connection mode changes.
func (d *Document) Reconnect(ctx context.Context, network transport.Network) error {
	return d.sub.Reconnect(ctx, network)
}

// InsertText inserts text at the given rune offset, synchronously:
// the call returns only once the CRDT mutation, its derived operation
// append, and broadcast have all completed.
func (d *Document) InsertText(index int, text string) error {
	return d.do(func() error {
		d.crdt.InsertText(index, text)
		return d.crdt.Commit()
	})
}

// DeleteRange tombstones [start, start+length), synchronously.
func (d *Document) DeleteRange(start, length int) error {
	return d.do(func() error {
		d.crdt.DeleteRange(start, length)
		return d.crdt.Commit()
	})
}

// Value returns the document's current visible text.
func (d *Document) Value() string {
	var out string
	_ = d.do(func() error {
		out = d.crdt.Value()
		return nil
	})
	return out
}

// Name returns the document's last-extracted display name.
func (d *Document) Name() string {
	var out string
	_ = d.do(func() error {
		out = d.name
		return nil
	})
	return out
}

// SetInsertCursor resolves pos against the live CRDT into a stable,
// position-tracking anchor and publishes it as a signed cursor ephemeral
// message, timestamped in epoch seconds so receivers can discard stale,
// out-of-order deliveries. If the document has no text yet, there is
// nothing to anchor to and this behaves like ClearInsertCursor.
func (d *Document) SetInsertCursor(pos int) error {
	return d.do(func() error {
		var cursorBytes []byte
		if anchor, ok := d.crdt.CursorAt(pos); ok {
			b, err := cbor.Marshal(anchor)
			if err != nil {
				return fmt.Errorf("document: encode cursor anchor: %w", err)
			}
			cursorBytes = b
		}
		return d.publishCursor(cursorBytes)
	})
}

// ClearInsertCursor publishes a null-cursor ephemeral message,
// signalling that this device's insert cursor is no longer positioned
// in the document (e.g. the editor lost focus).
func (d *Document) ClearInsertCursor() error {
	return d.do(func() error {
		return d.publishCursor(nil)
	})
}

// publishCursor runs inside the command queue: it signs and sends a
// cursor payload carrying the given (possibly nil) encoded anchor.
func (d *Document) publishCursor(cursorBytes []byte) error {
	payload := cursorPayload{Cursor: cursorBytes, Timestamp: time.Now().Unix()}
	body, err := cbor.Marshal(payload)
	if err != nil {
		return fmt.Errorf("document: encode cursor: %w", err)
	}
	return d.sub.PublishCursor(body)
}

// Deliver implements ingest.Deliverer: it imports a remote operation
// body into the CRDT, under the single-writer command queue.
func (d *Document) Deliver(author identity.PublicKey, logType operation.LogType, body []byte) error {
	return d.do(func() error {
		var kind textcrdt.ImportKind
		switch logType {
		case operation.Delta:
			kind = textcrdt.KindDelta
		case operation.Snapshot:
			kind = textcrdt.KindSnapshot
		default:
			return fmt.Errorf("document: unknown log type %v", logType)
		}
		if len(body) == 0 {
			// A prune sentinel (body = nil) carries no CRDT content.
			return nil
		}
		return d.crdt.Import(body, kind)
	})
}

// handleLocalEncoded runs inside Commit, itself inside the command
// queue: it wraps the encoded delta in a signed operation, appends it
// to this author's Delta log, and broadcasts it.
func (d *Document) handleLocalEncoded(encoded []byte) {
	logID := opstore.LogID{DocumentID: d.documentID, Type: operation.Delta}
	latest, ok, err := d.ops.Latest(d.self.PublicKey(), logID)
	if err != nil {
		log.WithComponent("document").Error().Err(err).Str("document_id", d.documentID.String()).Msg("read latest delta failed")
		return
	}

	header := operation.Header{Version: operation.CurrentVersion, LogType: operation.Delta}
	if ok {
		header.SeqNum = latest.Header.SeqNum + 1
		backlink, err := latest.Header.Hash()
		if err != nil {
			log.WithComponent("document").Error().Err(err).Msg("hash latest delta failed")
			return
		}
		header.Backlink = backlink
	}
	docID := d.documentID
	header.DocumentID = &docID

	op, err := operation.Sign(d.self, header, encoded)
	if err != nil {
		log.WithComponent("document").Error().Err(err).Msg("sign delta failed")
		return
	}

	timer := metrics.NewTimer()
	if err := d.ops.Append(d.self.PublicKey(), logID, op); err != nil {
		log.WithComponent("document").Error().Err(err).Msg("append delta failed")
		return
	}
	timer.ObserveDuration(metrics.OperationStoreAppendDuration)

	if err := d.sub.PublishOperation(op); err != nil {
		log.WithComponent("document").Warn().Err(err).Msg("publish delta failed")
	}

	d.armSnapshotTimer()
}

// handleTextDelta runs inside Commit/Import/Import, itself inside the
// command queue: it forwards the batch to the external text handler
// and recomputes the document's name if the batch touched the name
// window.
func (d *Document) handleTextDelta(batch textcrdt.Batch) {
	if d.onTextChange != nil {
		d.onTextChange(batch)
	}
	if batchTouchesNameWindow(batch) {
		d.recomputeName()
	}
}

func batchTouchesNameWindow(batch textcrdt.Batch) bool {
	for _, delta := range batch.Deltas {
		if delta.Index <= nameWindow {
			return true
		}
	}
	return false
}

// recomputeName derives the document's display name from the first
// up-to-nameWindow runes of its text, stopping at the first newline
// and keeping only whitespace and alphanumeric runes.
func (d *Document) recomputeName() {
	text := d.crdt.Value()
	runes := []rune(text)
	if len(runes) > nameWindow {
		runes = runes[:nameWindow]
	}

	var b strings.Builder
	for _, r := range runes {
		if r == '\n' {
			break
		}
		if unicode.IsSpace(r) || unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	name := b.String()
	d.name = name

	if name == "" {
		return
	}
	if err := d.docs.SetName(d.documentID, name); err != nil {
		log.WithComponent("document").Warn().Err(err).Str("document_id", d.documentID.String()).Msg("persist document name failed")
	}
}

// armSnapshotTimer arms the 5-second low-priority snapshot timer on
// the first outbound delta since the last snapshot; subsequent calls
// before it fires are no-ops (the timer is only re-armed once it has
// fired again).
func (d *Document) armSnapshotTimer() {
	if d.snapshotArmed {
		return
	}
	d.snapshotArmed = true
	metrics.SnapshotScheduledTotal.Inc()
	d.snapshotTimer = time.AfterFunc(snapshotDelay, func() {
		_ = d.do(d.exportSnapshot)
	})
}

// exportSnapshot runs inside the command queue: it exports the CRDT's
// full state, appends it to the Snapshot log with prune_flag=true
// (superseding prior snapshots), appends a bodyless prune sentinel to
// the Delta log (garbage-collecting prior deltas), and broadcasts
// both.
func (d *Document) exportSnapshot() error {
	d.snapshotArmed = false

	timer := metrics.NewTimer()
	snap, err := d.crdt.Export()
	if err != nil {
		return fmt.Errorf("document: export snapshot: %w", err)
	}
	timer.ObserveDuration(metrics.SnapshotExportDuration)

	snapLogID := opstore.LogID{DocumentID: d.documentID, Type: operation.Snapshot}
	snapOp, err := d.nextOperation(snapLogID, snap, true)
	if err != nil {
		return fmt.Errorf("document: build snapshot operation: %w", err)
	}
	if err := d.ops.Append(d.self.PublicKey(), snapLogID, snapOp); err != nil {
		return fmt.Errorf("document: append snapshot: %w", err)
	}
	// prune_flag supersedes prior snapshots: an operation's own
	// prune_flag is normally actioned by the ingest pipeline on
	// delivery, but a locally-produced operation never passes through
	// ingest, so Document actions it directly here.
	if err := d.ops.Prune(d.self.PublicKey(), snapLogID, snapOp.Header.SeqNum); err != nil {
		return fmt.Errorf("document: prune prior snapshots: %w", err)
	}
	if err := d.sub.PublishOperation(snapOp); err != nil {
		log.WithComponent("document").Warn().Err(err).Msg("broadcast snapshot failed")
	}

	deltaLogID := opstore.LogID{DocumentID: d.documentID, Type: operation.Delta}
	sentinel, err := d.nextOperation(deltaLogID, nil, true)
	if err != nil {
		return fmt.Errorf("document: build prune sentinel: %w", err)
	}
	if err := d.ops.Append(d.self.PublicKey(), deltaLogID, sentinel); err != nil {
		return fmt.Errorf("document: append prune sentinel: %w", err)
	}
	if err := d.ops.Prune(d.self.PublicKey(), deltaLogID, sentinel.Header.SeqNum); err != nil {
		return fmt.Errorf("document: prune prior deltas: %w", err)
	}
	if err := d.sub.PublishOperation(sentinel); err != nil {
		log.WithComponent("document").Warn().Err(err).Msg("broadcast prune sentinel failed")
	}
	return nil
}

// nextOperation builds and signs the next operation in (self, logID),
// chaining off whatever is currently stored there.
func (d *Document) nextOperation(logID opstore.LogID, body []byte, pruneFlag bool) (operation.Operation, error) {
	latest, ok, err := d.ops.Latest(d.self.PublicKey(), logID)
	if err != nil {
		return operation.Operation{}, err
	}
	header := operation.Header{Version: operation.CurrentVersion, LogType: logID.Type, PruneFlag: pruneFlag}
	if ok {
		header.SeqNum = latest.Header.SeqNum + 1
		backlink, err := latest.Header.Hash()
		if err != nil {
			return operation.Operation{}, err
		}
		header.Backlink = backlink
	}
	docID := d.documentID
	header.DocumentID = &docID
	return operation.Sign(d.self, header, body)
}

// handleRemoteCursor decodes an inbound cursor ephemeral payload,
// discarding anything not strictly newer than the last timestamp seen
// from that author, then re-resolves the carried anchor against this
// device's own live CRDT state before forwarding it — the anchor was
// resolved against the sender's state, which may already have diverged
// from ours by the time it arrives.
func (d *Document) handleRemoteCursor(author identity.PublicKey, body []byte, onCursor func(CursorEvent)) {
	var payload cursorPayload
	if err := cbor.Unmarshal(body, &payload); err != nil {
		log.WithComponent("document").Warn().Err(err).Msg("decode cursor payload failed")
		return
	}
	_ = d.do(func() error {
		if last, ok := d.lastCursorSeen[author]; ok && payload.Timestamp <= last {
			return nil
		}
		d.lastCursorSeen[author] = payload.Timestamp

		if len(payload.Cursor) == 0 {
			onCursor(CursorEvent{Author: author, Cleared: true, Timestamp: payload.Timestamp})
			return nil
		}

		var anchor textcrdt.CursorAnchor
		if err := cbor.Unmarshal(payload.Cursor, &anchor); err != nil {
			log.WithComponent("document").Warn().Err(err).Msg("decode cursor anchor failed")
			return nil
		}
		pos := d.crdt.ResolveCursor(anchor)
		onCursor(CursorEvent{Author: author, Position: pos, Timestamp: payload.Timestamp})
		return nil
	})
}

// Unsubscribe exports and broadcasts a final snapshot, then tears
// down the subscription's live tasks and sends a Bye message.
func (d *Document) Unsubscribe() {
	_ = d.do(func() error {
		if d.snapshotTimer != nil {
			d.snapshotTimer.Stop()
		}
		return d.exportSnapshot()
	})
	d.sub.Unsubscribe()
}

// Close stops the document's command queue. Call after Unsubscribe.
func (d *Document) Close() {
	close(d.cmdCh)
	d.wg.Wait()
}
