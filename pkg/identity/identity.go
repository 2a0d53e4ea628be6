// Package identity manages the Ed25519 keypair that gives a device (and,
// for genesis operations, a document) its public identity on the network.
package identity

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
)

// PublicKeySize is the length in bytes of a public key.
const PublicKeySize = ed25519.PublicKeySize

// SignatureSize is the length in bytes of a signature.
const SignatureSize = ed25519.SignatureSize

// PublicKey identifies a device or, when it signed a log's genesis
// operation, a document.
type PublicKey [PublicKeySize]byte

// String renders the public key as lowercase hex, for logging.
func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// IsZero reports whether p is the zero value.
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// PublicKeyFromBytes copies b into a PublicKey. b must be PublicKeySize long.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("identity: public key must be %d bytes, got %d", PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Signature is a detached Ed25519 signature.
type Signature [SignatureSize]byte

// KeyPair is a device's signing identity. The private half never leaves
// the process; persisting it across restarts is left to an external
// secret store and is not handled here.
type KeyPair struct {
	public  PublicKey
	private ed25519.PrivateKey
}

// Generate creates a fresh random keypair.
func Generate() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: generate keypair: %w", err)
	}
	var pk PublicKey
	copy(pk[:], pub)
	return KeyPair{public: pk, private: priv}, nil
}

// FromSeed deterministically derives a keypair from a 32-byte secret seed,
// e.g. one loaded from an external secret store.
func FromSeed(seed [32]byte) KeyPair {
	priv := ed25519.NewKeyFromSeed(seed[:])
	var pk PublicKey
	copy(pk[:], priv.Public().(ed25519.PublicKey))
	return KeyPair{public: pk, private: priv}
}

// PublicKey returns the public half of the identity.
func (k KeyPair) PublicKey() PublicKey {
	return k.public
}

// Sign signs msg with the private key.
func (k KeyPair) Sign(msg []byte) Signature {
	var sig Signature
	copy(sig[:], ed25519.Sign(k.private, msg))
	return sig
}

// Verify checks that sig is a valid signature over msg under pub.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig[:])
}

// PeerID derives the 8-byte peer identifier used to tag CRDT elements:
// the leading 8 bytes of the public key, interpreted big-endian. Two
// devices colliding on this value is astronomically unlikely and is
// not detected or defended against here.
func (p PublicKey) PeerID() uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(p[i])
	}
	return v
}
