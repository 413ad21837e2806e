package dhs

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// outboundAttempt is an outbound negotiation requested by command,
// or started on our own behalf after a remote peer voted to accept us.
type outboundAttempt struct {
	peer      dpeer.ID
	tx        dtx.ID
	isGateway bool

	cancelDial context.CancelCauseFunc

	// Set once the dial succeeds.
	pc *pendingConn
}

func (a *outboundAttempt) key() pendingKey {
	return pendingKey{Addr: a.peer.Addr, Tx: a.tx}
}

// trackerState is the joiner's side of an admission through a gateway.
type trackerState struct {
	tracker *AcceptedTracker
	attempt *outboundAttempt

	// Peers that must not be probed again:
	// ourselves, the gateway, and everyone who already answered a check.
	skip dpeer.SkipList

	// Whether a CheckRequest has been sent and its reply is outstanding.
	checkInFlight bool
}

var errTxInUse = errors.New("transaction already in use")

// attempt returns the in-flight outbound attempt for key, or nil.
func (c *Coordinator) attempt(key pendingKey) *outboundAttempt {
	return c.connecting[key.Addr][key.Tx]
}

func (c *Coordinator) removeAttempt(att *outboundAttempt) {
	byTx := c.connecting[att.peer.Addr]
	if byTx[att.tx] != att {
		panic(fmt.Errorf(
			"BUG: removing outbound attempt %s to %s that is not registered",
			att.tx, att.peer,
		))
	}
	delete(byTx, att.tx)
	if len(byTx) == 0 {
		delete(c.connecting, att.peer.Addr)
	}
}

// establish begins an outbound negotiation with p.
func (c *Coordinator) establish(ctx context.Context, p dpeer.ID, tx dtx.ID, isGateway bool) {
	if _, ok := c.connected[p.Addr]; ok {
		c.emit(OutboundConnectionFailed{
			Tx: tx, Peer: p, Err: AlreadyConnectedError{Addr: p.Addr},
		})
		return
	}

	if c.attempt(pendingKey{Addr: p.Addr, Tx: tx}) != nil {
		c.log.Debug(
			"Ignoring establish request already in flight",
			"peer", p, "tx", tx,
		)
		return
	}

	if isGateway {
		if _, ok := c.trackers[tx]; ok {
			c.emit(OutboundConnectionFailed{Tx: tx, Peer: p, Err: errTxInUse})
			return
		}
	}

	dialCtx, cancel := context.WithCancelCause(ctx)
	att := &outboundAttempt{
		peer:      p,
		tx:        tx,
		isGateway: isGateway,

		cancelDial: cancel,
	}

	byTx := c.connecting[p.Addr]
	if byTx == nil {
		byTx = make(map[dtx.ID]*outboundAttempt)
		c.connecting[p.Addr] = byTx
	}
	byTx[tx] = att

	c.log.Debug(
		"Dialing peer",
		"peer", p, "tx", tx, "gateway", isGateway,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		conn, err := c.transport.Dial(dialCtx, p)
		if !c.post(ctx, dialResult{Attempt: att, Conn: conn, Err: err}) && conn != nil {
			_ = conn.Close("shutting down")
		}
	}()
}

func (c *Coordinator) handleDialResult(ctx context.Context, ev dialResult) {
	att := ev.Attempt
	if c.attempt(att.key()) != att {
		// The attempt was dropped or failed while dialing.
		if ev.Conn != nil {
			_ = ev.Conn.Close("negotiation canceled")
		}
		return
	}

	if ev.Err != nil {
		c.followUp(outboundConnFailed{Attempt: att, Err: TransportError{Err: ev.Err}})
		return
	}

	if _, ok := c.pending[att.key()]; ok {
		_ = ev.Conn.Close("transaction in use")
		c.followUp(outboundConnFailed{Attempt: att, Err: errTxInUse})
		return
	}

	att.pc = c.newPending(ctx, att.key(), roleOutbound, ev.Conn)

	if att.isGateway {
		c.followUp(outboundGwConnEstablished{Attempt: att})
		return
	}

	c.send(att.pc, dwire.Hello{Tx: att.tx, Peer: c.self})
	c.armRead(ctx, att.pc)
}

// handleOutboundMessage handles a message read on a connection we dialed.
func (c *Coordinator) handleOutboundMessage(pc *pendingConn, m dwire.Message) {
	att := c.attempt(pc.key)
	if att == nil || att.pc != pc {
		panic(fmt.Errorf(
			"BUG: outbound connection to %s has no matching attempt", pc.key.Addr,
		))
	}

	if !att.isGateway {
		ack, ok := m.(dwire.HelloAck)
		if !ok {
			c.followUp(outboundConnFailed{Attempt: att, Err: UnexpectedMessageError{Msg: m}})
			return
		}
		if !ack.Accepted {
			c.followUp(outboundConnFailed{Attempt: att, Err: RejectedError{Peer: att.peer}})
			return
		}
		c.followUp(outboundConnEstablished{Attempt: att})
		return
	}

	ts := c.trackers[att.tx]
	reply, ok := m.(dwire.JoinReply)
	if !ok || reply.Joiner.Key != c.self.Key {
		c.followUp(outboundConnFailed{Attempt: att, Err: UnexpectedMessageError{Msg: m}})
		return
	}

	if !ts.tracker.GatewayAcceptedProcessed {
		if reply.Acceptor.Key != att.peer.Key {
			c.followUp(outboundConnFailed{Attempt: att, Err: UnexpectedMessageError{Msg: m}})
			return
		}
		c.followUp(outboundGwConnConfirmed{Tracker: ts, Accepted: reply.Accepted})
		return
	}

	if !ts.checkInFlight {
		c.followUp(outboundConnFailed{Attempt: att, Err: UnexpectedMessageError{Msg: m}})
		return
	}
	ts.checkInFlight = false
	c.followUp(remoteConnectionAttempt{Tracker: ts, Reply: reply})
}

func (c *Coordinator) handleOutboundConnEstablished(ev outboundConnEstablished) {
	att := ev.Attempt
	if c.attempt(att.key()) != att {
		return
	}

	c.promote(att, OutboundConnectionSuccessful{
		Tx:   att.tx,
		Peer: att.peer,
		Conn: att.pc.conn,
	})
}

// promote hands off the connection of att through ev,
// and fails any other attempts to the same address.
func (c *Coordinator) promote(att *outboundAttempt, ev Event) {
	c.removeAttempt(att)

	if _, ok := c.connected[att.peer.Addr]; ok {
		// An inbound connection from the same peer won the race.
		c.abortPending(att.pc, "already connected")
		c.emit(OutboundConnectionFailed{
			Tx: att.tx, Peer: att.peer, Err: AlreadyConnectedError{Addr: att.peer.Addr},
		})
		return
	}

	c.connected[att.peer.Addr] = struct{}{}
	c.handoffAfterFlush(att.pc, ev)

	c.log.Info("Outbound connection established", "peer", att.peer, "tx", att.tx)

	siblings := make([]*outboundAttempt, 0, len(c.connecting[att.peer.Addr]))
	for _, other := range c.connecting[att.peer.Addr] {
		siblings = append(siblings, other)
	}
	for _, other := range siblings {
		c.failOutbound(other, AlreadyConnectedError{Addr: att.peer.Addr})
	}
}

func (c *Coordinator) handleOutboundConnFailed(ev outboundConnFailed) {
	if c.attempt(ev.Attempt.key()) != ev.Attempt {
		return
	}
	c.failOutbound(ev.Attempt, ev.Err)
}

// failOutbound ends att with exactly one failure event.
func (c *Coordinator) failOutbound(att *outboundAttempt, err error) {
	c.removeAttempt(att)
	att.cancelDial(err)

	if att.pc != nil && c.current(att.pc) {
		c.abortPending(att.pc, "negotiation failed")
	}

	if ts, ok := c.trackers[att.tx]; ok && ts.attempt == att {
		delete(c.trackers, att.tx)
	}

	c.log.Info(
		"Outbound connection failed",
		"peer", att.peer, "tx", att.tx, "gateway", att.isGateway, "err", err,
	)

	c.emit(OutboundConnectionFailed{Tx: att.tx, Peer: att.peer, Err: err})
}

func (c *Coordinator) handleOutboundGwConnEstablished(ctx context.Context, ev outboundGwConnEstablished) {
	att := ev.Attempt
	if c.attempt(att.key()) != att {
		return
	}

	if _, ok := c.trackers[att.tx]; ok {
		c.failOutbound(att, errTxInUse)
		return
	}

	ts := &trackerState{
		tracker: NewAcceptedTracker(att.peer, att.pc.conn, int(c.maxHTL)),
		attempt: att,
		skip:    dpeer.NewSkipList(c.self, att.peer),
	}
	c.trackers[att.tx] = ts

	c.send(att.pc, dwire.StartJoin{
		Tx:            att.tx,
		Joiner:        c.self,
		MaxHopsToLive: c.maxHTL,
	})
	c.armRead(ctx, att.pc)
}

// currentTracker reports whether ts is still the live tracker for its transaction.
func (c *Coordinator) currentTracker(ts *trackerState) bool {
	return c.trackers[ts.attempt.tx] == ts && !ts.tracker.Finalized()
}

func (c *Coordinator) handleOutboundGwConnConfirmed(ev outboundGwConnConfirmed) {
	ts := ev.Tracker
	if !c.currentTracker(ts) {
		return
	}

	ts.tracker.ConfirmGateway(ev.Accepted)
	if !ev.Accepted {
		// No tally of checks can admit us without the gateway.
		ts.tracker.Exhaust()
	}

	c.log.Debug(
		"Gateway decided on admission",
		"gateway", ts.attempt.peer, "tx", ts.attempt.tx, "accepted", ev.Accepted,
	)

	c.advance(ts)
}

func (c *Coordinator) handleRemoteConnectionAttempt(ctx context.Context, ev remoteConnectionAttempt) {
	ts := ev.Tracker
	if !c.currentTracker(ts) {
		return
	}

	reply := ev.Reply
	if reply.Exhausted() {
		c.log.Debug(
			"Gateway has no more peers to check",
			"gateway", ts.attempt.peer, "tx", ts.attempt.tx,
			"settled", ts.tracker.SettledChecks(),
		)
		ts.tracker.Exhaust()
		c.advance(ts)
		return
	}

	if reply.Acceptor.Key == c.self.Key {
		c.failOutbound(ts.attempt, UnexpectedMessageError{Msg: reply})
		return
	}
	if err := ts.tracker.Settle(reply.Acceptor, reply.Accepted); err != nil {
		// The gateway is not following the protocol.
		c.failOutbound(ts.attempt, err)
		return
	}
	ts.skip = ts.skip.With(reply.Acceptor)

	c.log.Debug(
		"Received acceptance check result",
		"gateway", ts.attempt.peer, "tx", ts.attempt.tx,
		"acceptor", reply.Acceptor, "accepted", reply.Accepted,
		"remaining", ts.tracker.RemainingChecks,
	)

	if reply.Accepted {
		// The acceptor holds a reservation for us; claim it directly.
		c.establish(ctx, reply.Acceptor, dtx.New(), false)
	}

	c.advance(ts)
}

// advance finalizes ts if it is ready, or issues the next check.
func (c *Coordinator) advance(ts *trackerState) {
	if ts.checkInFlight {
		return
	}
	if ts.tracker.Ready(c.policy) {
		c.finalize(ts)
		return
	}
	if ts.tracker.GatewayAcceptedProcessed {
		c.followUp(nextCheck{Tracker: ts})
	}
}

func (c *Coordinator) handleNextCheck(ctx context.Context, ev nextCheck) {
	ts := ev.Tracker
	if !c.currentTracker(ts) || ts.checkInFlight {
		return
	}

	if ts.skip.Len() >= dwire.MaxSkipListLen {
		// The gateway could not name another candidate in its reply.
		c.log.Debug(
			"Skip list full, no more checks possible",
			"gateway", ts.attempt.peer, "tx", ts.attempt.tx,
			"settled", ts.tracker.SettledChecks(),
		)
		ts.tracker.Exhaust()
		c.advance(ts)
		return
	}

	pc := ts.attempt.pc
	c.send(pc, dwire.CheckRequest{Tx: ts.attempt.tx, SkipList: ts.skip})
	ts.checkInFlight = true
	c.armRead(ctx, pc)
}

func (c *Coordinator) finalize(ts *trackerState) {
	att := ts.attempt
	admitted := ts.tracker.Finalize()

	if admitted {
		if _, ok := c.connected[att.peer.Addr]; ok {
			admitted = false
		}
	}

	c.send(att.pc, dwire.JoinFinished{Tx: att.tx, Admitted: admitted})

	c.log.Info(
		"Admission finalized",
		"gateway", att.peer, "tx", att.tx, "admitted", admitted,
		"accepted", ts.tracker.Accepted, "total_checks", ts.tracker.TotalChecks,
	)

	if admitted {
		c.promote(att, OutboundGatewayConnectionSuccessful{
			Tx:   att.tx,
			Peer: att.peer,
			Conn: att.pc.conn,

			Accepted:        ts.tracker.Accepted,
			RemainingChecks: ts.tracker.RemainingChecks,
		})
	} else {
		c.removeAttempt(att)
		c.closeAfterFlush(att.pc, "admission rejected")
		c.emit(OutboundGatewayConnectionRejected{Tx: att.tx, Peer: att.peer})
	}

	c.followUp(finishedOutboundConnProcess{Tracker: ts})
}

func (c *Coordinator) handleFinishedOutboundConnProcess(ev finishedOutboundConnProcess) {
	tx := ev.Tracker.attempt.tx
	if c.trackers[tx] == ev.Tracker {
		delete(c.trackers, tx)
	}
}
