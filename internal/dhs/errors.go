package dhs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// ErrChannelClosed is returned when submitting to a [Commands] or [Mailbox]
// whose coordinator has already exited.
var ErrChannelClosed = errors.New("handshake coordinator has shut down")

// ErrDropped is the cause reported for negotiations
// canceled by a [DroppedCommand].
var ErrDropped = errors.New("negotiation dropped by command")

// ConnectionClosedError indicates the remote closed the transport
// in the middle of a negotiation.
type ConnectionClosedError struct {
	Addr string
}

func (e ConnectionClosedError) Error() string {
	return "connection closed by " + e.Addr
}

// SerializationError wraps a malformed payload received during a negotiation.
type SerializationError struct {
	Err error
}

func (e SerializationError) Error() string {
	return "failed to decode message: " + e.Err.Error()
}

func (e SerializationError) Unwrap() error {
	return e.Err
}

// TransportError wraps a dial or send failure from the transport.
type TransportError struct {
	Err error
}

func (e TransportError) Error() string {
	return "transport failure: " + e.Err.Error()
}

func (e TransportError) Unwrap() error {
	return e.Err
}

// UnexpectedMessageError indicates a message that does not fit
// the next step of its negotiation.
type UnexpectedMessageError struct {
	Msg dwire.Message
}

func (e UnexpectedMessageError) Error() string {
	if e.Msg == nil {
		return "unexpected message: <nil>"
	}
	return fmt.Sprintf("unexpected %s message", e.Msg.Type())
}

// AlreadyConnectedError is reported when an outbound negotiation
// is requested for an address that already has a promoted connection.
type AlreadyConnectedError struct {
	Addr string
}

func (e AlreadyConnectedError) Error() string {
	return "already connected to " + e.Addr
}

// DuplicateVoteError is returned when a gateway relays a check answer
// from a peer whose vote was already counted for the same admission,
// or names itself as the acceptor of a check.
type DuplicateVoteError struct {
	Acceptor dpeer.ID
}

func (e DuplicateVoteError) Error() string {
	return "duplicate acceptance vote from " + e.Acceptor.String()
}

// RejectedError is reported when the remote declined a direct connection.
type RejectedError struct {
	Peer dpeer.ID
}

func (e RejectedError) Error() string {
	return "connection rejected by " + e.Peer.String()
}

// classifyRecvError maps an error from [dconn.Conn.Recv] or [dconn.Conn.Send]
// onto the error taxonomy.
func classifyRecvError(addr string, err error) error {
	var de *dwire.DecodeError
	switch {
	case errors.As(err, &de):
		return SerializationError{Err: err}
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return ConnectionClosedError{Addr: addr}
	default:
		return TransportError{Err: err}
	}
}

// isCancellation reports whether err resulted from the coordinator
// canceling an operation itself, in which case the result is stale.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, errReleased)
}

// errReleased is the cancellation cause for a pending connection
// that the coordinator closed or handed off.
var errReleased = errors.New("pending connection released")
