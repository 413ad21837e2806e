// Package dpeer contains the identity types for participants in the network.
package dpeer

import (
	"crypto/ed25519"
	"fmt"
	"math"

	"github.com/mr-tron/base58"
	"github.com/spaolacci/murmur3"
)

// PublicKey is the raw ed25519 public key of a peer.
// It is an array, not a slice, so that [ID] is comparable.
type PublicKey [ed25519.PublicKeySize]byte

// ID is the stable logical identity of a peer:
// its public key and the address it advertises for dialing.
//
// IDs are compared by value and are safe to use as map keys.
type ID struct {
	Key  PublicKey
	Addr string
}

// NewID returns an ID for the given key and advertised address.
// It panics if pub is not an ed25519 public key.
func NewID(pub ed25519.PublicKey, addr string) ID {
	if len(pub) != ed25519.PublicKeySize {
		panic(fmt.Errorf(
			"BUG: public key must be %d bytes (got %d)",
			ed25519.PublicKeySize, len(pub),
		))
	}

	var id ID
	copy(id.Key[:], pub)
	id.Addr = addr
	return id
}

// IsZero reports whether id is the zero value.
// The zero ID is used on the wire to indicate "no peer".
func (id ID) IsZero() bool {
	return id == ID{}
}

// PublicKey returns the key as an [ed25519.PublicKey].
func (id ID) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(out, id.Key[:])
	return out
}

// String renders the first bytes of the base58 key followed by the address.
func (id ID) String() string {
	if id.IsZero() {
		return "<none>"
	}

	k := base58.Encode(id.Key[:])
	if len(k) > 10 {
		k = k[:10]
	}
	return k + "@" + id.Addr
}

// Location returns the position of id on the unit ring.
// Only the key contributes to the location,
// so a peer keeps its location if its address changes.
func (id ID) Location() Location {
	// Keep the top 53 bits so the division is exact and never reaches 1.
	h := murmur3.Sum64(id.Key[:]) >> 11
	return Location(float64(h) / (1 << 53))
}

// Location is a point on the ring, in the range [0, 1).
type Location float64

// Distance returns the shortest distance between l and other
// travelling in either direction around the ring.
func (l Location) Distance(other Location) float64 {
	d := math.Abs(float64(l) - float64(other))
	return min(d, 1-d)
}
