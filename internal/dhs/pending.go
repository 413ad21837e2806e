package dhs

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// pendingKey identifies an unpromoted connection.
// Mailbox deliveries are routed by this key.
type pendingKey struct {
	Addr string
	Tx   dtx.ID
}

// pendingRole is the part a pending connection plays in its negotiation.
type pendingRole uint8

const (
	// We dialed, for a direct connection or a gateway admission.
	roleOutbound pendingRole = iota + 1

	// The remote asked for a direct connection.
	roleInbound

	// We are the gateway for the remote joiner.
	roleGatewayJoiner

	// The remote forwarded a join request to us.
	roleTransientParent

	// We forwarded a join request to the remote.
	roleForwardChild
)

func (r pendingRole) String() string {
	switch r {
	case roleOutbound:
		return "outbound"
	case roleInbound:
		return "inbound"
	case roleGatewayJoiner:
		return "gateway_joiner"
	case roleTransientParent:
		return "transient_parent"
	case roleForwardChild:
		return "forward_child"
	default:
		return fmt.Sprintf("pendingRole(%d)", uint8(r))
	}
}

// outboxSize bounds the messages queued on one pending connection.
// No negotiation step queues more than a couple.
const outboxSize = 8

var errOutboxFull = errors.New("outbox full")

// pendingConn is a connection owned by the coordinator
// while its negotiation is in progress.
//
// Writes go through a dedicated writer goroutine fed by outbox.
// Reads are one-shot goroutines armed only when a message is expected,
// so that a connection can be handed off with no read in flight.
type pendingConn struct {
	key  pendingKey
	role pendingRole
	conn dconn.Conn

	ctx    context.Context
	cancel context.CancelCauseFunc

	outbox chan dwire.Message

	// Main loop only.
	reading bool

	// Set by the main loop before outbox is closed,
	// and read by the writer after observing the close.
	handoff     Event
	closeReason string
}

// newPending registers conn under key and starts its writer.
// The caller must have checked that key is free.
func (c *Coordinator) newPending(
	ctx context.Context, key pendingKey, role pendingRole, conn dconn.Conn,
) *pendingConn {
	if _, ok := c.pending[key]; ok {
		panic(fmt.Errorf("BUG: pending connection for %s/%s already exists", key.Addr, key.Tx))
	}

	pcCtx, cancel := context.WithCancelCause(ctx)
	pc := &pendingConn{
		key:  key,
		role: role,
		conn: conn,

		ctx:    pcCtx,
		cancel: cancel,

		outbox: make(chan dwire.Message, outboxSize),
	}
	c.pending[key] = pc

	c.wg.Add(1)
	go c.runWriter(ctx, pc)

	return pc
}

// current reports whether pc is still the registered connection for its key.
// Completions for connections that have been released are stale.
func (c *Coordinator) current(pc *pendingConn) bool {
	return pc != nil && c.pending[pc.key] == pc
}

func (c *Coordinator) runWriter(ctx context.Context, pc *pendingConn) {
	defer c.wg.Done()

	var sendErr error
	for {
		select {
		case <-pc.ctx.Done():
			return

		case m, ok := <-pc.outbox:
			if !ok {
				c.finishRelease(ctx, pc, sendErr)
				return
			}

			if sendErr != nil {
				// Discard the rest; the failure was already reported.
				continue
			}

			if err := pc.conn.Send(pc.ctx, m); err != nil {
				sendErr = err
				if !c.post(ctx, writeFailed{PC: pc, Err: err}) {
					return
				}
			}
		}
	}
}

// finishRelease runs on the writer goroutine after the outbox is drained.
func (c *Coordinator) finishRelease(ctx context.Context, pc *pendingConn, sendErr error) {
	if pc.handoff == nil {
		_ = pc.conn.Close(pc.closeReason)
		pc.cancel(errReleased)
		return
	}

	// No read is in flight during a handoff,
	// so canceling the context cannot disturb the connection.
	pc.cancel(errReleased)
	if !c.post(ctx, pendingReleased{PC: pc, Ev: pc.handoff, Err: sendErr}) {
		_ = pc.conn.Close("shutting down")
	}
}

// send queues m on pc.
func (c *Coordinator) send(pc *pendingConn, m dwire.Message) {
	select {
	case pc.outbox <- m:
	default:
		c.followUp(writeFailed{PC: pc, Err: errOutboxFull})
	}
}

// armRead starts a one-shot read on pc, unless one is already in flight.
func (c *Coordinator) armRead(ctx context.Context, pc *pendingConn) {
	if pc.reading {
		return
	}
	pc.reading = true

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		msg, err := pc.conn.Recv(pc.ctx)
		_ = c.post(ctx, inboundMessage{PC: pc, Msg: msg, Err: err})
	}()
}

// closeAfterFlush unregisters pc and closes it once queued messages are sent.
func (c *Coordinator) closeAfterFlush(pc *pendingConn, reason string) {
	c.unregister(pc)
	pc.closeReason = reason
	close(pc.outbox)
}

// handoffAfterFlush unregisters pc and emits ev once queued messages are sent.
// Ownership of the connection moves to the event's consumer.
func (c *Coordinator) handoffAfterFlush(pc *pendingConn, ev Event) {
	if pc.reading {
		panic(fmt.Errorf(
			"BUG: handing off %s connection to %s with a read in flight",
			pc.role, pc.key.Addr,
		))
	}
	c.unregister(pc)
	pc.handoff = ev
	close(pc.outbox)
}

// abortPending unregisters pc and closes it immediately,
// discarding anything queued.
func (c *Coordinator) abortPending(pc *pendingConn, reason string) {
	c.unregister(pc)
	pc.cancel(errReleased)
	_ = pc.conn.Close(reason)
}

func (c *Coordinator) unregister(pc *pendingConn) {
	if c.pending[pc.key] != pc {
		panic(fmt.Errorf(
			"BUG: releasing %s connection to %s that is not registered",
			pc.role, pc.key.Addr,
		))
	}
	delete(c.pending, pc.key)
}

// deliver routes a mailbox message onto the pending connection
// for its address and transaction.
func (c *Coordinator) deliver(addr string, m dwire.Message) {
	pc, ok := c.pending[pendingKey{Addr: addr, Tx: m.Transaction()}]
	if !ok {
		c.log.Debug(
			"Discarding message for unknown pending connection",
			"remote_addr", addr, "tx", m.Transaction(), "type", m.Type(),
		)
		return
	}
	c.send(pc, m)
}

func (c *Coordinator) handlePendingReleased(ev pendingReleased) {
	if ev.Err == nil {
		c.emit(ev.Ev)
		return
	}

	// The final message did not make it out,
	// so the remote will not treat the connection as established either.
	_ = ev.PC.conn.Close("send failed")
	err := classifyRecvError(ev.PC.key.Addr, ev.Err)

	c.log.Info(
		"Failed to flush connection before handoff",
		"remote_addr", ev.PC.key.Addr, "tx", ev.PC.key.Tx, "err", err,
	)

	switch e := ev.Ev.(type) {
	case OutboundConnectionSuccessful:
		delete(c.connected, ev.PC.key.Addr)
		c.emit(OutboundConnectionFailed{Tx: e.Tx, Peer: e.Peer, Err: err})
	case OutboundGatewayConnectionSuccessful:
		delete(c.connected, ev.PC.key.Addr)
		c.emit(OutboundConnectionFailed{Tx: e.Tx, Peer: e.Peer, Err: err})
	case InboundConnection:
		delete(c.connected, ev.PC.key.Addr)
		c.emit(RemoveTransaction{Tx: e.Tx, Peer: e.Joiner, Err: err})
	default:
		panic(fmt.Errorf("BUG: handoff with non-connection event %T", ev.Ev))
	}
}

func (c *Coordinator) handleWriteFailed(ev writeFailed) {
	if !c.current(ev.PC) {
		return
	}
	c.failPending(ev.PC, classifyRecvError(ev.PC.key.Addr, ev.Err))
}

func (c *Coordinator) handleInboundMessage(ctx context.Context, ev inboundMessage) {
	pc := ev.PC
	if !c.current(pc) {
		return
	}
	pc.reading = false

	if ev.Err != nil {
		var de *dwire.DecodeError
		if errors.As(ev.Err, &de) {
			c.m.DecodeErrors.Inc()
		}
		c.failPending(pc, classifyRecvError(pc.key.Addr, ev.Err))
		return
	}

	if pc.role == roleTransientParent {
		// Tolerates stray clean-ups addressed to other transactions.
		c.handleParentMessage(ctx, pc, ev.Msg)
		return
	}

	if ev.Msg.Transaction() != pc.key.Tx {
		c.failPending(pc, UnexpectedMessageError{Msg: ev.Msg})
		return
	}

	switch pc.role {
	case roleOutbound:
		c.handleOutboundMessage(pc, ev.Msg)
	case roleGatewayJoiner:
		c.handleJoinerMessage(ctx, pc, ev.Msg)
	case roleForwardChild:
		c.handleChildMessage(ctx, pc, ev.Msg)
	case roleInbound:
		// Direct inbound connections are answered and released
		// without reading again.
		panic(fmt.Errorf("BUG: read armed on inbound connection to %s", pc.key.Addr))
	default:
		panic(fmt.Errorf("BUG: unhandled pending role %s", pc.role))
	}
}

// failPending ends the negotiation that pc belongs to.
func (c *Coordinator) failPending(pc *pendingConn, err error) {
	switch pc.role {
	case roleOutbound:
		att := c.attempt(pc.key)
		if att == nil {
			panic(fmt.Errorf(
				"BUG: registered outbound connection to %s has no attempt", pc.key.Addr,
			))
		}
		c.followUp(outboundConnFailed{Attempt: att, Err: err})

	case roleGatewayJoiner, roleTransientParent:
		c.followUp(dropInboundConnection{Key: pc.key, Err: err})

	case roleForwardChild:
		fs := c.forwards[pc.key.Tx]
		child := fs.child(pc.key.Addr)
		c.log.Debug(
			"Forwarded join request failed",
			"remote_addr", pc.key.Addr, "tx", pc.key.Tx, "err", err,
		)
		c.abortPending(pc, "forward failed")
		child.pc = nil
		c.settleChild(fs, child, nil)

	case roleInbound:
		c.log.Info(
			"Direct connection request failed",
			"remote_addr", pc.key.Addr, "tx", pc.key.Tx, "err", err,
		)
		c.abortPending(pc, "negotiation failed")

	default:
		panic(fmt.Errorf("BUG: unhandled pending role %s", pc.role))
	}
}
