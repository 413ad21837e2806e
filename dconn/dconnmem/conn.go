package dconnmem

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// inboxSize bounds how many frames may be in flight in one direction
// before Send blocks.
const inboxSize = 32

// Conn is one side of an in-memory connection.
type Conn struct {
	peer dpeer.ID

	inbox chan []byte

	// The other side of the pipe.
	remote *Conn

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

var _ dconn.Conn = (*Conn)(nil)

// newPipe returns the two connected halves of a connection
// between dialer and acceptor.
// The first value is held by the dialer, so its Peer is acceptor.
func newPipe(dialer, acceptor dpeer.ID) (dialSide, acceptSide *Conn) {
	dialSide = &Conn{
		peer:   acceptor,
		inbox:  make(chan []byte, inboxSize),
		closed: make(chan struct{}),
	}
	acceptSide = &Conn{
		peer:   dialer,
		inbox:  make(chan []byte, inboxSize),
		closed: make(chan struct{}),
	}
	dialSide.remote = acceptSide
	acceptSide.remote = dialSide
	return dialSide, acceptSide
}

func (c *Conn) Peer() dpeer.ID {
	return c.peer
}

// Send encodes m and delivers the frame to the remote side.
func (c *Conn) Send(ctx context.Context, m dwire.Message) error {
	return c.SendRaw(ctx, dwire.AppendFrame(nil, m))
}

// SendRaw delivers frame to the remote side without validating it,
// allowing tests to inject malformed payloads.
func (c *Conn) SendRaw(ctx context.Context, frame []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.remote.closed:
		return fmt.Errorf("send to %s: %w", c.peer, io.ErrClosedPipe)
	default:
	}

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.closed:
		return net.ErrClosed
	case <-c.remote.closed:
		return fmt.Errorf("send to %s: %w", c.peer, io.ErrClosedPipe)
	case c.remote.inbox <- frame:
		return nil
	}
}

// Recv returns the next message from the remote side.
// Frames sent before the remote closed are still delivered.
func (c *Conn) Recv(ctx context.Context) (dwire.Message, error) {
	select {
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	case <-c.closed:
		return nil, net.ErrClosed
	case b := <-c.inbox:
		return dwire.ParseFrame(b)
	case <-c.remote.closed:
		// Drain anything that was delivered before the close.
		select {
		case b := <-c.inbox:
			return dwire.ParseFrame(b)
		default:
			return nil, fmt.Errorf("recv from %s: %w", c.peer, io.EOF)
		}
	}
}

// Close closes both directions of the connection.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		close(c.closed)
	})
	return nil
}

// Done returns a channel that is closed
// once either side of the connection has been closed.
func (c *Conn) Done() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		select {
		case <-c.closed:
		case <-c.remote.closed:
		}
	}()
	return ch
}

// CloseReason returns the reason passed to Close on this side,
// or the empty string if this side has not been closed.
func (c *Conn) CloseReason() string {
	select {
	case <-c.closed:
		return c.closeReason
	default:
		return ""
	}
}
