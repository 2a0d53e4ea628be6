// Package opstore persists per-author operation logs to an embedded
// bbolt database: one bucket per (author, log) pair, keyed by the
// operation's big-endian seq_num so range scans come back in order
// for free.
package opstore

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/operation"
)

// ErrConflictingAppend is returned when an append targets a seq_num
// that already holds a different operation.
var ErrConflictingAppend = errors.New("opstore: conflicting append at existing seq_num")

// LogID names one of the two logs an author keeps per document.
type LogID struct {
	DocumentID identity.PublicKey
	Type       operation.LogType
}

func (l LogID) bucketName() []byte {
	var b bytes.Buffer
	b.WriteString("op:")
	b.WriteString(l.DocumentID.String())
	b.WriteByte(':')
	fmt.Fprintf(&b, "%d", l.Type)
	return b.Bytes()
}

var rootBucket = []byte("operations")
var schemaBucket = []byte("schema")
var schemaVersionKey = []byte("version")

// migrations is applied in order starting from whatever version is
// recorded in the schema bucket; migrations[i] moves the database from
// version i to i+1. CurrentSchemaVersion is len(migrations).
var migrations = []func(*bolt.Tx) error{
	// v0 -> v1: establish the root operations bucket that every
	// per-log bucket is nested in. Open creates it only through this
	// migration, for a fresh database and for one that predates
	// versioning (schema bucket absent) alike.
	func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	},
}

// CurrentSchemaVersion is the schema version this build of opstore
// expects; cmd/loom-migrate reports it for operators comparing against
// an on-disk database's recorded version.
const CurrentSchemaVersion = uint64(len(migrations))

// Store is a bbolt-backed operation log store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path, applying
// any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opstore: open %s: %w", path, err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("opstore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SchemaVersion returns the schema version currently recorded in the
// database's schema bucket.
func (s *Store) SchemaVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(schemaBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(schemaVersionKey); v != nil {
			version = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return version, err
}

func applyMigrations(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(schemaBucket)
		if err != nil {
			return err
		}
		version := uint64(0)
		if v := b.Get(schemaVersionKey); v != nil {
			version = binary.BigEndian.Uint64(v)
		}
		for version < uint64(len(migrations)) {
			if err := migrations[version](tx); err != nil {
				return fmt.Errorf("migration %d: %w", version, err)
			}
			version++
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], version)
		return b.Put(schemaVersionKey, buf[:])
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seqNum uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], seqNum)
	return k[:]
}

func authorLogBucket(tx *bolt.Tx, author identity.PublicKey, log LogID, create bool) (*bolt.Bucket, error) {
	root := tx.Bucket(rootBucket)
	name := append([]byte(hex.EncodeToString(author[:])+":"), log.bucketName()...)
	if create {
		return root.CreateBucketIfNotExists(name)
	}
	b := root.Bucket(name)
	if b == nil {
		return nil, nil
	}
	return b, nil
}

// Append persists op under (author, log, op.Header.SeqNum). If a
// different operation already occupies that seq_num, ErrConflictingAppend
// is returned; if the identical operation (by hash) is already stored,
// Append succeeds silently — this makes it safe for the ingest
// pipeline's dedup stage to call Append unconditionally.
func (s *Store) Append(author identity.PublicKey, log LogID, op operation.Operation) error {
	encoded, err := op.Encode()
	if err != nil {
		return fmt.Errorf("opstore: encode operation: %w", err)
	}
	newHash, err := op.Header.Hash()
	if err != nil {
		return fmt.Errorf("opstore: hash operation: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := authorLogBucket(tx, author, log, true)
		if err != nil {
			return err
		}
		key := seqKey(op.Header.SeqNum)
		existing := b.Get(key)
		if existing != nil {
			existingOp, err := operation.Decode(existing)
			if err != nil {
				return fmt.Errorf("opstore: decode existing entry at seq %d: %w", op.Header.SeqNum, err)
			}
			existingHash, err := existingOp.Header.Hash()
			if err != nil {
				return err
			}
			if existingHash != newHash {
				return fmt.Errorf("%w: author=%s log=%v seq=%d", ErrConflictingAppend, author, log.Type, op.Header.SeqNum)
			}
			return nil
		}
		return b.Put(key, encoded)
	})
}

// Latest returns the highest-seq_num operation stored for (author,
// log), and false if the log is empty.
func (s *Store) Latest(author identity.PublicKey, log LogID) (operation.Operation, bool, error) {
	var (
		found bool
		out   operation.Operation
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := authorLogBucket(tx, author, log, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		out, err = operation.Decode(v)
		if err != nil {
			return fmt.Errorf("opstore: decode latest entry: %w", err)
		}
		found = true
		return nil
	})
	return out, found, err
}

// Range returns every operation in (author, log) with seq_num >=
// fromSeqNum, in ascending order.
func (s *Store) Range(author identity.PublicKey, log LogID, fromSeqNum uint64) ([]operation.Operation, error) {
	var out []operation.Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := authorLogBucket(tx, author, log, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.Seek(seqKey(fromSeqNum)); k != nil; k, v = c.Next() {
			op, err := operation.Decode(v)
			if err != nil {
				return fmt.Errorf("opstore: decode entry at key %x: %w", k, err)
			}
			out = append(out, op)
		}
		return nil
	})
	return out, err
}

// Prune removes every entry in (author, log) with seq_num <
// beforeSeqNum. It is idempotent: pruning an already-pruned range is a
// no-op.
func (s *Store) Prune(author identity.PublicKey, log LogID, beforeSeqNum uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := authorLogBucket(tx, author, log, false)
		if err != nil || b == nil {
			return err
		}
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) >= beforeSeqNum {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
