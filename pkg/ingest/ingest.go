// Package ingest implements the validation pipeline that turns an
// untrusted (header, body) pair arriving from the network into a
// durably-stored, CRDT-delivered operation: decode, authenticity,
// dedup, integrity, gap buffering, document-id check, prune, deliver.
package ingest

import (
	"crypto/sha256"
	"fmt"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/log"
	"github.com/loomtext/loom/pkg/metrics"
	"github.com/loomtext/loom/pkg/operation"
	"github.com/loomtext/loom/pkg/opstore"
)

// gapBufferLimit is the maximum number of operations buffered per log
// while waiting for an earlier seq_num to arrive. Oldest insertion is
// evicted on overflow, forcing a re-sync for the evicted entry.
const gapBufferLimit = 128

// Deliverer is the sink for successfully-ingested operation bodies: in
// practice a Document, importing the body into its CRDT.
type Deliverer interface {
	Deliver(author identity.PublicKey, logType operation.LogType, body []byte) error
}

type logKey struct {
	author identity.PublicKey
	typ    operation.LogType
}

type gapBuffer struct {
	items map[uint64]operation.Operation
	order []uint64
}

func newGapBuffer() *gapBuffer {
	return &gapBuffer{items: make(map[uint64]operation.Operation)}
}

func (g *gapBuffer) put(seq uint64, op operation.Operation) {
	if _, exists := g.items[seq]; exists {
		g.items[seq] = op
		return
	}
	if len(g.order) >= gapBufferLimit {
		oldest := g.order[0]
		g.order = g.order[1:]
		delete(g.items, oldest)
	}
	g.items[seq] = op
	g.order = append(g.order, seq)
}

func (g *gapBuffer) pop(seq uint64) (operation.Operation, bool) {
	op, ok := g.items[seq]
	if !ok {
		return operation.Operation{}, false
	}
	delete(g.items, seq)
	for i, s := range g.order {
		if s == seq {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return op, true
}

func (g *gapBuffer) len() int { return len(g.items) }

// Pipeline processes inbound operations for one document subscription.
type Pipeline struct {
	documentID identity.PublicKey
	ops        *opstore.Store
	deliverer  Deliverer

	gaps map[logKey]*gapBuffer
}

// New creates a pipeline delivering ingested bodies for documentID.
func New(documentID identity.PublicKey, ops *opstore.Store, deliverer Deliverer) *Pipeline {
	return &Pipeline{
		documentID: documentID,
		ops:        ops,
		deliverer:  deliverer,
		gaps:       make(map[logKey]*gapBuffer),
	}
}

// Ingest runs one (headerBytes, bodyBytes) item through all eight
// stages. It never returns an error for drops that are part of normal
// operation (dedup, gaps) — those are reflected only in metrics/logs —
// but does return an error for storage failures and for a delivery the
// deliverer rejects. A nil deliverer is not an error: delivery is
// skipped.
func (p *Pipeline) Ingest(headerBytes, bodyBytes []byte) error {
	// 1. Decode.
	header, err := operation.DecodeHeader(headerBytes)
	if err != nil {
		p.drop("decode", "malformed_header", err)
		return nil
	}
	op := operation.Operation{Header: header, Body: bodyBytes}

	// 2. Authenticity.
	if !identity.Verify(header.PublicKey, mustUnsignedHeader(header), header.Signature) {
		p.drop("authenticity", "invalid_signature", operation.ErrInvalidSignature)
		return nil
	}

	logID := opstore.LogID{DocumentID: p.documentID, Type: header.LogType}

	// 3. Dedup.
	if dup, err := p.isDuplicate(header.PublicKey, logID, header); err != nil {
		return fmt.Errorf("ingest: dedup check: %w", err)
	} else if dup {
		return nil // silent, per design
	}

	// 4. Integrity.
	if err := checkPayloadIntegrity(header, bodyBytes); err != nil {
		p.drop("integrity", "payload_mismatch", err)
		return nil
	}

	// 5. Gap handling + 6/7/8 on successful drain.
	return p.admit(header.PublicKey, logID, op)
}

// mustUnsignedHeader re-derives the bytes that were signed (the header
// with its signature field left empty) so authenticity can be checked
// before any later stage runs. It returns nil if the header cannot be
// encoded, which fails verification.
func mustUnsignedHeader(h operation.Header) []byte {
	b, err := h.SigningBytes()
	if err != nil {
		return nil
	}
	return b
}

// checkPayloadIntegrity verifies the header's declared payload size and
// hash match the actual body bytes.
func checkPayloadIntegrity(h operation.Header, body []byte) error {
	if int(h.PayloadSize) != len(body) {
		return fmt.Errorf("%w: payload_size %d, got %d bytes", operation.ErrBodyHashMismatch, h.PayloadSize, len(body))
	}
	if len(body) == 0 {
		if !h.PayloadHash.IsZero() {
			return fmt.Errorf("%w: payload_hash set on empty body", operation.ErrBodyHashMismatch)
		}
		return nil
	}
	sum := sha256.Sum256(body)
	if operation.Hash(sum) != h.PayloadHash {
		return fmt.Errorf("%w: payload_hash does not match body", operation.ErrBodyHashMismatch)
	}
	return nil
}

func (p *Pipeline) isDuplicate(author identity.PublicKey, log opstore.LogID, header operation.Header) (bool, error) {
	latest, ok, err := p.ops.Latest(author, log)
	if err != nil {
		return false, err
	}
	if !ok || latest.Header.SeqNum != header.SeqNum {
		return false, nil
	}
	latestHash, err := latest.Header.Hash()
	if err != nil {
		return false, err
	}
	newHash, err := header.Hash()
	if err != nil {
		return false, err
	}
	return latestHash == newHash, nil
}

// admit performs gap handling, document-id check, storage, prune, and
// delivery for op and anything it unblocks in the gap buffer.
func (p *Pipeline) admit(author identity.PublicKey, logID opstore.LogID, op operation.Operation) error {
	latest, ok, err := p.ops.Latest(author, logID)
	if err != nil {
		return fmt.Errorf("ingest: read latest: %w", err)
	}
	expected := uint64(0)
	if ok {
		expected = latest.Header.SeqNum + 1
	}

	if op.Header.SeqNum > expected {
		key := logKey{author: author, typ: logID.Type}
		buf, ok := p.gaps[key]
		if !ok {
			buf = newGapBuffer()
			p.gaps[key] = buf
		}
		if _, exists := buf.items[op.Header.SeqNum]; !exists && buf.len() >= gapBufferLimit {
			p.drop("gap", "buffer_overflow", fmt.Errorf("gap buffer full; evicting oldest buffered operation"))
		}
		buf.put(op.Header.SeqNum, op)
		metrics.IngestGapBufferSize.WithLabelValues(p.documentID.String()).Set(float64(buf.len()))
		return nil
	}
	if op.Header.SeqNum < expected {
		// Already have this or an earlier one; treat as a late duplicate.
		return nil
	}

	if err := p.storeAndDeliver(author, logID, op); err != nil {
		return err
	}

	// Drain any now-contiguous gap-buffered operations.
	key := logKey{author: author, typ: logID.Type}
	buf, ok := p.gaps[key]
	if !ok {
		return nil
	}
	for {
		next, found := buf.pop(op.Header.SeqNum + 1)
		if !found {
			break
		}
		if err := p.storeAndDeliver(author, logID, next); err != nil {
			return err
		}
		op = next
	}
	metrics.IngestGapBufferSize.WithLabelValues(p.documentID.String()).Set(float64(buf.len()))
	return nil
}

func (p *Pipeline) storeAndDeliver(author identity.PublicKey, logID opstore.LogID, op operation.Operation) error {
	// 6. Document-id check.
	docID, err := op.Header.DocumentID()
	if err != nil {
		p.drop("document_id", "unresolvable", err)
		return nil
	}
	if docID != p.documentID {
		p.drop("document_id", "mismatch", fmt.Errorf("operation targets %s, subscription is %s", docID, p.documentID))
		return nil
	}

	timer := metrics.NewTimer()
	if err := p.ops.Append(author, logID, op); err != nil {
		return fmt.Errorf("ingest: append: %w", err)
	}
	timer.ObserveDuration(metrics.OperationStoreAppendDuration)
	metrics.IngestOperationsTotal.WithLabelValues(logID.Type.String()).Inc()

	// 7. Prune (after the op itself is stored).
	if op.Header.PruneFlag {
		if err := p.ops.Prune(author, logID, op.Header.SeqNum); err != nil {
			return fmt.Errorf("ingest: prune: %w", err)
		}
	}

	// 8. Deliver.
	if len(op.Body) > 0 && p.deliverer != nil {
		if err := p.deliverer.Deliver(author, logID.Type, op.Body); err != nil {
			return fmt.Errorf("ingest: deliver: %w", err)
		}
	}
	return nil
}

// Replay delivers already-validated, already-stored operations (the
// initial catch-up stream a subscription reads from the document
// store) directly to the CRDT, skipping decode/authenticity/dedup/
// storage — those already happened when the operations were first
// ingested or created locally.
func (p *Pipeline) Replay(ops []operation.Operation) error {
	if p.deliverer == nil {
		return nil
	}
	for _, op := range ops {
		if len(op.Body) == 0 {
			continue
		}
		if err := p.deliverer.Deliver(op.Header.PublicKey, op.Header.LogType, op.Body); err != nil {
			return fmt.Errorf("ingest: replay deliver: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) drop(stage, reason string, err error) {
	metrics.IngestDroppedTotal.WithLabelValues(stage, reason).Inc()
	log.WithComponent("ingest").Warn().
		Str("document_id", p.documentID.String()).
		Str("stage", stage).
		Str("reason", reason).
		Err(err).
		Msg("dropped inbound operation")
}
