// Package docstore tracks document metadata and known authors,
// independent of the operation logs themselves: which documents exist,
// what they're named, and which authors have been seen on which
// document.
package docstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/loomtext/loom/pkg/identity"
	"github.com/loomtext/loom/pkg/operation"
	"github.com/loomtext/loom/pkg/opstore"
)

var (
	bucketDocuments = []byte("documents")
	bucketAuthors   = []byte("authors")
	bucketSchema    = []byte("schema")
	schemaVersionKey = []byte("version")
)

// migrations is applied in order starting from whatever version is
// recorded in the schema bucket; migrations[i] moves the database from
// version i to i+1. CurrentSchemaVersion is len(migrations).
var migrations = []func(*bolt.Tx) error{
	// v0 -> v1: establish the documents and authors buckets.
	func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketDocuments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAuthors)
		return err
	},
}

// CurrentSchemaVersion is the schema version this build of docstore
// expects.
const CurrentSchemaVersion = uint64(len(migrations))

// ErrDocumentNotFound is returned when an operation targets a document
// that AddDocument has not been called for.
var ErrDocumentNotFound = errors.New("docstore: document not found")

// Record is the persisted metadata for one document.
type Record struct {
	ID           identity.PublicKey
	Name         string
	LastAccessed time.Time
}

type recordJSON struct {
	Name         string    `json:"name"`
	LastAccessed time.Time `json:"last_accessed"`
}

// AuthorInfo is the persisted metadata for one (document, author) pair.
type AuthorInfo struct {
	DocumentID identity.PublicKey
	PublicKey  identity.PublicKey
	LastSeen   time.Time
}

type authorJSON struct {
	LastSeen time.Time `json:"last_seen"`
}

// Store is a bbolt-backed document and author registry.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("docstore: open %s: %w", path, err)
	}
	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("docstore: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SchemaVersion returns the schema version currently recorded in the
// database's schema bucket.
func (s *Store) SchemaVersion() (uint64, error) {
	var version uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchema)
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
		b, err := tx.CreateBucketIfNotExists(bucketSchema)
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

func authorKey(doc, author identity.PublicKey) []byte {
	k := make([]byte, 0, 64)
	k = append(k, doc[:]...)
	k = append(k, author[:]...)
	return k
}

// AddDocument registers a newly-created or newly-joined document. It is
// idempotent: calling it again for an already-known id leaves the
// existing record untouched.
func (s *Store) AddDocument(id identity.PublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		if b.Get(id[:]) != nil {
			return nil
		}
		data, err := json.Marshal(recordJSON{LastAccessed: time.Now().UTC()})
		if err != nil {
			return err
		}
		return b.Put(id[:], data)
	})
}

// DeleteDocument removes a document's metadata record. It does not
// touch operation logs or per-author records; callers coordinate that
// separately.
func (s *Store) DeleteDocument(id identity.PublicKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete(id[:])
	})
}

// SetName sets a document's human-readable name.
func (s *Store) SetName(id identity.PublicKey, name string) error {
	return s.update(id, func(r *recordJSON) { r.Name = name })
}

// SetLastAccessed records the time a document was last materialised
// locally.
func (s *Store) SetLastAccessed(id identity.PublicKey, at time.Time) error {
	return s.update(id, func(r *recordJSON) { r.LastAccessed = at })
}

func (s *Store) update(id identity.PublicKey, mutate func(*recordJSON)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDocuments)
		data := b.Get(id[:])
		if data == nil {
			return fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
		}
		var r recordJSON
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		mutate(&r)
		out, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(id[:], out)
	})
}

// Documents returns every known document record.
func (s *Store) Documents() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(k, v []byte) error {
			id, err := identity.PublicKeyFromBytes(k)
			if err != nil {
				return err
			}
			var r recordJSON
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, Record{ID: id, Name: r.Name, LastAccessed: r.LastAccessed})
			return nil
		})
	})
	return out, err
}

// AddAuthor registers that author has been seen on document, updating
// LastSeen if the pair is already known. Idempotent by design: the
// subscription calls it for every ingested operation, and the author
// tracker calls it when an author comes online.
func (s *Store) AddAuthor(doc, author identity.PublicKey) error {
	return s.SetLastSeenForAuthor(doc, author, time.Now().UTC())
}

// SetLastSeenForAuthor updates the last-seen timestamp for (doc, author),
// creating the pair if it does not yet exist.
func (s *Store) SetLastSeenForAuthor(doc, author identity.PublicKey, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthors)
		data, err := json.Marshal(authorJSON{LastSeen: at})
		if err != nil {
			return err
		}
		return b.Put(authorKey(doc, author), data)
	})
}

// AuthorsForDocument returns every author known to have touched doc.
func (s *Store) AuthorsForDocument(doc identity.PublicKey) ([]AuthorInfo, error) {
	var out []AuthorInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuthors).Cursor()
		prefix := doc[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			author, err := identity.PublicKeyFromBytes(k[len(prefix):])
			if err != nil {
				return err
			}
			var a authorJSON
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, AuthorInfo{DocumentID: doc, PublicKey: author, LastSeen: a.LastSeen})
		}
		return nil
	})
	return out, err
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// OperationsForDocument returns both logs (Delta and Snapshot) of every
// author known to have touched doc, intended as the initial replay
// stream fed to a newly-materialising document on subscribe.
func (s *Store) OperationsForDocument(doc identity.PublicKey, ops *opstore.Store) ([]operation.Operation, error) {
	authors, err := s.AuthorsForDocument(doc)
	if err != nil {
		return nil, err
	}

	var out []operation.Operation
	for _, a := range authors {
		for _, logType := range []operation.LogType{operation.Snapshot, operation.Delta} {
			log := opstore.LogID{DocumentID: doc, Type: logType}
			entries, err := ops.Range(a.PublicKey, log, 0)
			if err != nil {
				return nil, fmt.Errorf("docstore: range %s/%v: %w", a.PublicKey, logType, err)
			}
			out = append(out, entries...)
		}
	}
	return out, nil
}
