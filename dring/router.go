// Package dring contains the ring topology consulted during admission.
//
// The handshake coordinator only reads the topology, through [Router],
// to decide whether to accept a joiner and which peers to probe.
// Confirmed peers are installed through [Topology] by the node,
// outside the coordinator.
package dring

import (
	"errors"
	"sync"

	"github.com/gordian-engine/dragongate/dpeer"
)

// Router is the read side of the ring.
//
// Implementations are not required to be safe for concurrent use;
// callers go through a [*Handle].
type Router interface {
	// Self is the identity of the local node.
	Self() dpeer.ID

	// ShouldAccept reports whether the local node
	// is willing to take joiner as a neighbor right now.
	ShouldAccept(joiner dpeer.ID) bool

	// SelectCandidates returns up to n connected peers to probe about target.
	// The result never contains self, target, or any peer in skip.
	// The htl value is the remaining hop budget of the request
	// and may influence how candidates are chosen.
	SelectCandidates(target dpeer.ID, skip dpeer.SkipList, htl, n int) []dpeer.ID

	// NumConnections is the number of peers currently in the ring.
	NumConnections() int
}

// Topology is the write side of the ring.
type Topology interface {
	Router

	// Add installs a confirmed peer.
	Add(dpeer.ID) error

	// Remove uninstalls a peer.
	// Removing an absent peer is a no-op.
	Remove(dpeer.ID)

	// Peers returns the installed peers, in no particular order.
	Peers() []dpeer.ID
}

var (
	// ErrRingFull is returned from [Topology.Add]
	// when the ring is at its connection limit.
	ErrRingFull = errors.New("ring is at maximum connections")

	// ErrAlreadyConnected is returned from [Topology.Add]
	// when the peer is already installed.
	ErrAlreadyConnected = errors.New("peer already in ring")
)

// Handle is the shared, reader-writer guarded reference to a [Topology].
//
// Any number of readers may hold a consistent snapshot concurrently.
// Writers are exclusive.
type Handle struct {
	mu sync.RWMutex
	t  Topology
}

// NewHandle wraps t.
// After this call t must only be accessed through the Handle.
func NewHandle(t Topology) *Handle {
	return &Handle{t: t}
}

// Read calls fn with the read lock held.
// The Router must not be retained after fn returns.
func (h *Handle) Read(fn func(Router)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.t)
}

// Write calls fn with the write lock held.
// The Topology must not be retained after fn returns.
func (h *Handle) Write(fn func(Topology)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.t)
}
