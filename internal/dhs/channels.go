package dhs

import (
	"context"
	"fmt"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// Command is a request from another subsystem to the coordinator.
// The set of implementations is closed to this package.
type Command interface {
	isCommand()
}

// EstablishCommand requests a new outbound negotiation with Peer.
//
// A second EstablishCommand for the same address and transaction
// while the first is in flight is a no-op.
// A different transaction to the same address proceeds independently.
type EstablishCommand struct {
	Peer dpeer.ID
	Tx   dtx.ID

	// If set, Peer is a gateway and the negotiation
	// runs the multi-hop admission protocol.
	IsGateway bool
}

// DroppedCommand requests teardown of all state for Peer's address.
// Dropping an address with no state is a no-op.
type DroppedCommand struct {
	Peer dpeer.ID
}

func (EstablishCommand) isCommand() {}
func (DroppedCommand) isCommand()   {}

// Commands is the sending side of the coordinator's command channel.
type Commands struct {
	ch   chan<- Command
	done <-chan struct{}
}

// EstablishConn submits an [EstablishCommand].
// It returns [ErrChannelClosed] if the coordinator has exited,
// which callers should treat as fatal.
// A peer whose address cannot be encoded is refused without a submission.
func (c Commands) EstablishConn(ctx context.Context, p dpeer.ID, tx dtx.ID, isGateway bool) error {
	if err := dwire.CheckAddr(p.Addr); err != nil {
		return fmt.Errorf("cannot establish connection to peer: %w", err)
	}
	return c.send(ctx, EstablishCommand{Peer: p, Tx: tx, IsGateway: isGateway})
}

// DropConnection submits a [DroppedCommand].
// It returns [ErrChannelClosed] if the coordinator has exited.
func (c Commands) DropConnection(ctx context.Context, p dpeer.ID) error {
	return c.send(ctx, DroppedCommand{Peer: p})
}

func (c Commands) send(ctx context.Context, cmd Command) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-c.done:
		return ErrChannelClosed
	case c.ch <- cmd:
		return nil
	}
}

// OutboundMessage is a message addressed to a peer
// whose connection has not been promoted yet.
type OutboundMessage struct {
	Addr string
	Msg  dwire.Message
}

// Mailbox routes messages onto unpromoted connections held by the coordinator.
//
// The coordinator looks up the connection by the address
// and the message's transaction.
// Messages for which there is no such connection are logged and discarded.
type Mailbox struct {
	ch   chan<- OutboundMessage
	done <-chan struct{}
}

// SendTo submits msg for delivery to addr.
// It returns [ErrChannelClosed] if the coordinator has exited.
func (m Mailbox) SendTo(ctx context.Context, addr string, msg dwire.Message) error {
	select {
	case <-m.done:
		return ErrChannelClosed
	default:
	}

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-m.done:
		return ErrChannelClosed
	case m.ch <- OutboundMessage{Addr: addr, Msg: msg}:
		return nil
	}
}
