package dtest

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/gordian-engine/dragongate/dpeer"
)

// RandomDataForTest returns a byte slice of size sz
// containing pseudorandom data, derived from a seed based on the test name.
func RandomDataForTest(t *testing.T, sz int) []byte {
	// Sha256 happens to be the right size for the chacha8 seed,
	// and this fits well anyway since that means
	// we are not limited by the length of any particular test name.
	seed := sha256.Sum256([]byte(t.Name()))
	chacha := rand.NewChaCha8(seed)

	out := make([]byte, sz)

	if _, err := chacha.Read(out); err != nil {
		panic(err)
	}

	return out
}

// PeerKey returns a deterministic ed25519 private key
// derived from the test name and idx.
func PeerKey(t *testing.T, idx int) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", t.Name(), idx)))
	return ed25519.NewKeyFromSeed(seed[:])
}

// PeerID returns a deterministic peer ID for idx,
// using the key from [PeerKey] and a fake address unique to idx.
func PeerID(t *testing.T, idx int) dpeer.ID {
	k := PeerKey(t, idx)
	return dpeer.NewID(
		k.Public().(ed25519.PublicKey),
		fmt.Sprintf("peer%02d.example:%d", idx, 20000+idx),
	)
}
