// Package dconn defines the boundary between the handshake layer
// and the raw point-to-point transport.
//
// A transport only has to produce reliable, ordered, authenticated
// message channels keyed by peer identity;
// admission into the topology is decided above this package.
package dconn

import (
	"context"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// Conn is an established, authenticated channel to a single peer.
//
// A Conn has exactly one owner at a time.
// While a negotiation is in progress the handshake coordinator owns it;
// once the negotiation succeeds, ownership moves to whoever received
// the success event, and the coordinator never touches it again.
type Conn interface {
	// Peer is the authenticated identity of the remote side.
	Peer() dpeer.ID

	// Send writes one message to the peer.
	// Send may be called concurrently with Recv,
	// but not concurrently with another Send.
	Send(ctx context.Context, m dwire.Message) error

	// Recv blocks until the next message arrives.
	//
	// A malformed payload is reported as a [*dwire.DecodeError].
	// If the peer closed the connection, the error wraps [io.EOF].
	// If ctx is canceled during Recv,
	// the connection must not be read from again.
	Recv(ctx context.Context) (dwire.Message, error)

	// Close releases the connection.
	// The reason may be reported to the peer, depending on the transport.
	// Close is safe to call more than once.
	Close(reason string) error
}

// Transport produces raw connections.
type Transport interface {
	// Dial opens a connection to the given peer.
	// The returned connection's Peer method must equal p,
	// otherwise the dial fails.
	Dial(ctx context.Context, p dpeer.ID) (Conn, error)

	// Accept blocks until a peer opens a connection to this transport.
	Accept(ctx context.Context) (Conn, error)
}

// Change is the value meant to be sent on a channel
// indicating newly added or removed connections.
type Change struct {
	// The connection involved in the change.
	Conn Conn

	// If true, the connection has been added to the connection table.
	// Otherwise, the connection is being removed.
	Adding bool
}
