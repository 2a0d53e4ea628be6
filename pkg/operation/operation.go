// Package operation implements the signed, hash-chained unit of
// replication exchanged between devices: a header describing an append
// to one author's log, plus an optional body.
package operation

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/loomtext/loom/pkg/identity"
)

// CurrentVersion is the header version this build produces.
const CurrentVersion = 1

// LogType distinguishes the two logs kept per (author, document) pair.
type LogType int

const (
	// Delta logs carry small CRDT patches, broadcast on gossip.
	Delta LogType = iota
	// Snapshot logs carry consolidated CRDT state, fetched on catch-up sync.
	Snapshot
)

func (t LogType) String() string {
	switch t {
	case Delta:
		return "delta"
	case Snapshot:
		return "snapshot"
	default:
		return fmt.Sprintf("logtype(%d)", int(t))
	}
}

// Hash identifies an operation header by its SHA-256 digest.
type Hash [sha256.Size]byte

func (h Hash) IsZero() bool { return h == Hash{} }

// Sentinel validation failures. Each is wrapped with fmt.Errorf("%w", ...)
// so callers can distinguish kinds with errors.Is.
var (
	ErrInvalidSignature       = errors.New("operation: invalid signature")
	ErrSeqNumBacklinkMismatch = errors.New("operation: seq_num/backlink mismatch")
	ErrMissingDocumentID      = errors.New("operation: missing document id")
	ErrBodyHashMismatch       = errors.New("operation: body hash/size mismatch")
	ErrUnknownExtension       = errors.New("operation: unknown extension")
	ErrUnsupportedVersion     = errors.New("operation: unsupported header version")
)

// extensions carries the three optional header fields, using the short
// CBOR keys the wire format was designed around.
type extensions struct {
	PruneFlag  bool              `cbor:"p,omitempty"`
	LogType    LogType           `cbor:"t"`
	DocumentID *identity.PublicKey `cbor:"d,omitempty"`
}

// wireHeader is the CBOR-serializable shadow of Header. Header itself
// exposes friendlier Go types (fixed-size arrays, time.Time); wireHeader
// is what actually gets canonically encoded and signed.
type wireHeader struct {
	Version     uint8           `cbor:"version"`
	PublicKey   []byte          `cbor:"public_key"`
	Signature   []byte          `cbor:"signature"`
	PayloadSize uint32          `cbor:"payload_size"`
	PayloadHash []byte          `cbor:"payload_hash,omitempty"`
	Timestamp   int64           `cbor:"timestamp"`
	SeqNum      uint64          `cbor:"seq_num"`
	Backlink    []byte          `cbor:"backlink,omitempty"`
	Extensions  extensions      `cbor:"extensions"`
}

// Header is the signed envelope that accompanies every operation body.
type Header struct {
	Version     uint8
	PublicKey   identity.PublicKey
	Signature   identity.Signature
	PayloadSize uint32
	PayloadHash Hash // zero iff Body is empty
	Timestamp   time.Time
	SeqNum      uint64
	Backlink    Hash // zero iff SeqNum == 0
	PruneFlag   bool
	LogType     LogType
	DocumentID  *identity.PublicKey // nil unless explicitly set; see DocumentID()
}

// Operation pairs a signed header with its optional body.
type Operation struct {
	Header Header
	Body   []byte
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("operation: building canonical CBOR encoder: %v", err))
	}
	return m
}()

var decMode = func() cbor.DecMode {
	m, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("operation: building CBOR decoder: %v", err))
	}
	return m
}()

// knownExtensionKeys are the only header extension fields this build
// understands. Anything else in the wire extensions map is rejected
// rather than silently dropped, since accepting it would lose
// information a future reader of this same header might depend on.
var knownExtensionKeys = map[string]struct{}{
	"p": {},
	"t": {},
	"d": {},
}

func checkUnknownExtensions(data []byte) error {
	var raw struct {
		Extensions map[string]cbor.RawMessage `cbor:"extensions"`
	}
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("operation: decode header for extension check: %w", err)
	}
	for k := range raw.Extensions {
		if _, ok := knownExtensionKeys[k]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownExtension, k)
		}
	}
	return nil
}

func (h Header) toWire() wireHeader {
	w := wireHeader{
		Version:     h.Version,
		PublicKey:   append([]byte(nil), h.PublicKey[:]...),
		Signature:   append([]byte(nil), h.Signature[:]...),
		PayloadSize: h.PayloadSize,
		Timestamp:   h.Timestamp.UnixMilli(),
		SeqNum:      h.SeqNum,
		Extensions: extensions{
			PruneFlag: h.PruneFlag,
			LogType:   h.LogType,
		},
	}
	if !h.PayloadHash.IsZero() {
		w.PayloadHash = append([]byte(nil), h.PayloadHash[:]...)
	}
	if !h.Backlink.IsZero() {
		w.Backlink = append([]byte(nil), h.Backlink[:]...)
	}
	if h.DocumentID != nil {
		id := *h.DocumentID
		w.Extensions.DocumentID = &id
	}
	return w
}

func (w wireHeader) encodeSigned(sigOverride []byte) ([]byte, error) {
	cp := w
	cp.Signature = sigOverride
	return encMode.Marshal(cp)
}

// encodeForSigning returns the canonical bytes that get signed: the
// header with the signature field zeroed.
func (h Header) encodeForSigning() ([]byte, error) {
	return h.toWire().encodeSigned(nil)
}

// SigningBytes returns the canonical bytes a header's signature covers:
// the header with its signature field left empty.
func (h Header) SigningBytes() ([]byte, error) {
	return h.encodeForSigning()
}

// Sign fills in PublicKey, Timestamp (if zero), and Signature from kp,
// and returns the assembled Operation for body.
func Sign(kp identity.KeyPair, h Header, body []byte) (Operation, error) {
	h.PublicKey = kp.PublicKey()
	if h.Timestamp.IsZero() {
		h.Timestamp = time.Now().UTC()
	}
	h.PayloadSize = uint32(len(body))
	if len(body) > 0 {
		h.PayloadHash = sha256.Sum256(body)
	} else {
		h.PayloadHash = Hash{}
	}

	unsigned, err := h.encodeForSigning()
	if err != nil {
		return Operation{}, fmt.Errorf("operation: encode for signing: %w", err)
	}
	h.Signature = kp.Sign(unsigned)

	return Operation{Header: h, Body: body}, nil
}

// Hash returns the SHA-256 digest of the fully-signed header, used as
// the backlink target for the next operation in the same log and as
// the inferred DocumentID for a log's genesis operation.
func (h Header) Hash() (Hash, error) {
	signed, err := h.toWire().encodeSigned(append([]byte(nil), h.Signature[:]...))
	if err != nil {
		return Hash{}, fmt.Errorf("operation: encode for hashing: %w", err)
	}
	return sha256.Sum256(signed), nil
}

// DocumentID returns the operation's document id: the explicit
// extension if present, or — for a genesis operation (SeqNum == 0) —
// the header's own hash interpreted as a public key.
func (h Header) DocumentID() (identity.PublicKey, error) {
	if h.DocumentID != nil {
		return *h.DocumentID, nil
	}
	if h.SeqNum != 0 {
		return identity.PublicKey{}, fmt.Errorf("%w: seq_num %d has no explicit document_id", ErrMissingDocumentID, h.SeqNum)
	}
	digest, err := h.Hash()
	if err != nil {
		return identity.PublicKey{}, err
	}
	return identity.PublicKey(digest), nil
}

// Validate checks the invariants an operation must satisfy before it
// can be appended to a log: signature validity, the seq_num/backlink
// relationship, document id resolvability, and body integrity.
func (op Operation) Validate() error {
	h := op.Header
	if h.Version != CurrentVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, h.Version, CurrentVersion)
	}

	unsigned, err := h.encodeForSigning()
	if err != nil {
		return fmt.Errorf("operation: encode for verification: %w", err)
	}
	if !identity.Verify(h.PublicKey, unsigned, h.Signature) {
		return ErrInvalidSignature
	}

	if h.SeqNum == 0 {
		if !h.Backlink.IsZero() {
			return fmt.Errorf("%w: seq_num 0 must not carry a backlink", ErrSeqNumBacklinkMismatch)
		}
	} else if h.Backlink.IsZero() {
		return fmt.Errorf("%w: seq_num %d requires a backlink", ErrSeqNumBacklinkMismatch, h.SeqNum)
	}

	if _, err := h.DocumentID(); err != nil {
		return err
	}

	if int(h.PayloadSize) != len(op.Body) {
		return fmt.Errorf("%w: payload_size %d, got body of %d bytes", ErrBodyHashMismatch, h.PayloadSize, len(op.Body))
	}
	if len(op.Body) > 0 {
		sum := sha256.Sum256(op.Body)
		if Hash(sum) != h.PayloadHash {
			return fmt.Errorf("%w: payload_hash does not match body", ErrBodyHashMismatch)
		}
	} else if !h.PayloadHash.IsZero() {
		return fmt.Errorf("%w: payload_hash set on empty body", ErrBodyHashMismatch)
	}

	return nil
}

// Encode serializes the operation to its wire form: the canonical CBOR
// header followed by the raw body bytes.
func (op Operation) Encode() ([]byte, error) {
	headerBytes, err := op.Header.toWire().encodeSigned(append([]byte(nil), op.Header.Signature[:]...))
	if err != nil {
		return nil, fmt.Errorf("operation: encode header: %w", err)
	}

	out := make([]byte, 0, 4+len(headerBytes)+len(op.Body))
	var lenPrefix [4]byte
	l := uint32(len(headerBytes))
	lenPrefix[0] = byte(l >> 24)
	lenPrefix[1] = byte(l >> 16)
	lenPrefix[2] = byte(l >> 8)
	lenPrefix[3] = byte(l)
	out = append(out, lenPrefix[:]...)
	out = append(out, headerBytes...)
	out = append(out, op.Body...)
	return out, nil
}

// EncodeHeader serializes just the signed header, for transports that
// carry header and body as separate fields rather than Encode's single
// length-prefixed blob.
func (h Header) EncodeHeader() ([]byte, error) {
	b, err := h.toWire().encodeSigned(append([]byte(nil), h.Signature[:]...))
	if err != nil {
		return nil, fmt.Errorf("operation: encode header: %w", err)
	}
	return b, nil
}

// DecodeHeader parses a header serialized by EncodeHeader.
func DecodeHeader(data []byte) (Header, error) {
	if err := checkUnknownExtensions(data); err != nil {
		return Header{}, err
	}
	var w wireHeader
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Header{}, fmt.Errorf("operation: decode header: %w", err)
	}
	return w.fromWire()
}

// Decode parses the wire form produced by Encode. It does not call
// Validate; callers run the ingest pipeline's validation stages
// explicitly so partially-untrusted input can be triaged by failure kind.
func Decode(data []byte) (Operation, error) {
	if len(data) < 4 {
		return Operation{}, fmt.Errorf("operation: truncated length prefix")
	}
	l := uint32(data[0])<<24 | uint32(data[1])<<16 | uint32(data[2])<<8 | uint32(data[3])
	data = data[4:]
	if uint32(len(data)) < l {
		return Operation{}, fmt.Errorf("operation: truncated header, want %d bytes, have %d", l, len(data))
	}
	headerBytes := data[:l]
	body := data[l:]

	if err := checkUnknownExtensions(headerBytes); err != nil {
		return Operation{}, err
	}

	var w wireHeader
	if err := decMode.Unmarshal(headerBytes, &w); err != nil {
		return Operation{}, fmt.Errorf("operation: decode header: %w", err)
	}

	h, err := w.fromWire()
	if err != nil {
		return Operation{}, err
	}

	return Operation{Header: h, Body: append([]byte(nil), body...)}, nil
}

func (w wireHeader) fromWire() (Header, error) {
	if w.Version != CurrentVersion {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, w.Version, CurrentVersion)
	}
	h := Header{
		Version:     w.Version,
		PayloadSize: w.PayloadSize,
		Timestamp:   time.UnixMilli(w.Timestamp).UTC(),
		SeqNum:      w.SeqNum,
		PruneFlag:   w.Extensions.PruneFlag,
		LogType:     w.Extensions.LogType,
	}

	pk, err := identity.PublicKeyFromBytes(w.PublicKey)
	if err != nil {
		return Header{}, fmt.Errorf("operation: decode public_key: %w", err)
	}
	h.PublicKey = pk

	if len(w.Signature) != identity.SignatureSize {
		return Header{}, fmt.Errorf("operation: signature must be %d bytes, got %d", identity.SignatureSize, len(w.Signature))
	}
	copy(h.Signature[:], w.Signature)

	if w.PayloadHash != nil {
		if len(w.PayloadHash) != sha256.Size {
			return Header{}, fmt.Errorf("%w: payload_hash must be %d bytes", ErrBodyHashMismatch, sha256.Size)
		}
		copy(h.PayloadHash[:], w.PayloadHash)
	}

	if w.Backlink != nil {
		if len(w.Backlink) != sha256.Size {
			return Header{}, fmt.Errorf("%w: backlink must be %d bytes", ErrSeqNumBacklinkMismatch, sha256.Size)
		}
		copy(h.Backlink[:], w.Backlink)
	}

	if w.Extensions.DocumentID != nil {
		id := *w.Extensions.DocumentID
		h.DocumentID = &id
	}

	return h, nil
}
