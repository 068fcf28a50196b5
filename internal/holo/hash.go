// Package holo defines the core content-addressed data model shared by every
// component of the conductor: hashes, entries, actions, DHT ops, warrants and
// arcs. It has no dependency on storage, networking, or validation -- those
// live in sibling internal packages and operate on these types.
package holo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashType is the 3-byte discriminator prefixed to every Hash.
type HashType [3]byte

var (
	HashTypeAgent    = HashType{'h', 'c', 'a'} // agent public key
	HashTypeEntry    = HashType{'h', 'c', 'e'} // entry content
	HashTypeAction   = HashType{'h', 'c', 'k'} // action (kin to a "header")
	HashTypeDna      = HashType{'h', 'c', 'd'}
	HashTypeDhtOp    = HashType{'h', 'c', 'o'}
	HashTypeExternal = HashType{'h', 'c', 'x'}
)

// HashSize is the total wire size of a Hash: 3 type bytes + 32 digest bytes + 4 location bytes.
const HashSize = 3 + 32 + 4

// Hash is a 39-byte content-addressed identifier: a type discriminator, a
// 32-byte BLAKE2b-256 digest, and a 4-byte little-endian location derived
// from the digest, per spec ("Hash" data model).
type Hash [HashSize]byte

// ErrBadHash is returned when decoding a malformed hash.
var ErrBadHash = errors.New("holo: malformed hash")

// ComputeHash produces the Hash of typ over the canonical bytes b.
func ComputeHash(typ HashType, b []byte) Hash {
	digest := blake2b.Sum256(b)
	var h Hash
	copy(h[0:3], typ[:])
	copy(h[3:35], digest[:])
	loc := locationOf(digest)
	binary.LittleEndian.PutUint32(h[35:39], loc)
	return h
}

// locationOf truncates a 32-byte digest to a ring position, per spec: "a
// 4-byte location (little-endian truncation of the digest, interpreted as a
// position on the ring u32)". We fold all 32 bytes via XOR of four u64 words
// then truncate to u32, so every digest byte participates in the location
// rather than only the low bytes.
func locationOf(digest [32]byte) uint32 {
	var acc uint64
	for i := 0; i < 32; i += 8 {
		acc ^= binary.LittleEndian.Uint64(digest[i : i+8])
	}
	return uint32(acc) ^ uint32(acc>>32)
}

// HashFromBytes parses a 39-byte wire hash, verifying the embedded location
// against the digest.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, ErrBadHash
	}
	copy(h[:], b)
	var digest [32]byte
	copy(digest[:], h[3:35])
	wantLoc := locationOf(digest)
	gotLoc := binary.LittleEndian.Uint32(h[35:39])
	if wantLoc != gotLoc {
		return h, ErrBadHash
	}
	return h, nil
}

// Type returns the hash's type discriminator.
func (h Hash) Type() HashType {
	var t HashType
	copy(t[:], h[0:3])
	return t
}

// Location returns the ring position encoded in the hash.
func (h Hash) Location() uint32 {
	return binary.LittleEndian.Uint32(h[35:39])
}

// Bytes returns the 39-byte wire form.
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero value (used as the "absent" sentinel
// for prev_action on the genesis action).
func (h Hash) IsZero() bool {
	var z Hash
	return h == z
}

// Equal reports byte-for-byte equality.
func (h Hash) Equal(o Hash) bool {
	return bytes.Equal(h[:], o[:])
}

// Agent is an Ed25519 public key carried as an Agent hash. Unlike other hash
// types, an Agent hash's "digest" bytes are the raw 32-byte public key
// itself (self-certifying), not a hash of it -- the public key must be
// recoverable from the identifier to verify signatures.
type Agent = Hash

// AgentHashFromPublicKey builds the self-certifying Agent hash for a raw
// 32-byte Ed25519 public key.
func AgentHashFromPublicKey(pub []byte) (Hash, error) {
	if len(pub) != 32 {
		return Hash{}, fmt.Errorf("holo: ed25519 public key must be 32 bytes, got %d", len(pub))
	}
	var digest [32]byte
	copy(digest[:], pub)
	var h Hash
	copy(h[0:3], HashTypeAgent[:])
	copy(h[3:35], digest[:])
	binary.LittleEndian.PutUint32(h[35:39], locationOf(digest))
	return h, nil
}

// PublicKey extracts the raw Ed25519 public key bytes from an Agent hash.
func (h Hash) PublicKey() []byte {
	pk := make([]byte, 32)
	copy(pk, h[3:35])
	return pk
}
