package dhs

import (
	"context"
	"fmt"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// forwardState is a join request we forwarded,
// either to serve a joiner's check as its gateway
// or to pass on a request forwarded to us.
type forwardState struct {
	tx     dtx.ID
	joiner dpeer.ID
	msg    dwire.ForwardJoin

	// The connection the eventual reply is relayed on.
	parent *pendingConn

	// Whether parent is a joiner we are the gateway for.
	viaGateway bool

	children    []*childProbe
	outstanding int
}

type childProbe struct {
	peer dpeer.ID

	cancelDial context.CancelCauseFunc

	// Set once the dial succeeds.
	pc *pendingConn

	settled bool
}

func (fs *forwardState) child(addr string) *childProbe {
	for _, ch := range fs.children {
		if ch.peer.Addr == addr {
			return ch
		}
	}
	panic(fmt.Errorf("BUG: forward %s has no child at %s", fs.tx, addr))
}

// startForward dials every candidate and sends fj to each.
func (c *Coordinator) startForward(
	ctx context.Context,
	parent *pendingConn,
	viaGateway bool,
	fj dwire.ForwardJoin,
	cands []dpeer.ID,
) *forwardState {
	if len(cands) == 0 {
		panic(fmt.Errorf("BUG: forwarding %s with no candidates", fj.Tx))
	}
	if _, ok := c.forwards[fj.Tx]; ok {
		panic(fmt.Errorf("BUG: forward for %s already in progress", fj.Tx))
	}

	fs := &forwardState{
		tx:     fj.Tx,
		joiner: fj.Joiner,
		msg:    fj,

		parent:     parent,
		viaGateway: viaGateway,

		children:    make([]*childProbe, 0, len(cands)),
		outstanding: len(cands),
	}
	c.forwards[fj.Tx] = fs

	for _, cand := range cands {
		dialCtx, cancel := context.WithCancelCause(ctx)
		ch := &childProbe{
			peer:       cand,
			cancelDial: cancel,
		}
		fs.children = append(fs.children, ch)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			conn, err := c.transport.Dial(dialCtx, cand)
			if !c.post(ctx, childDialResult{Forward: fs, Child: ch, Conn: conn, Err: err}) && conn != nil {
				_ = conn.Close("shutting down")
			}
		}()

		c.m.Forwards.WithLabelValues(forwardDispatch).Inc()
		c.emit(TransientForwardTransaction{
			Target:    cand.Addr,
			Tx:        fj.Tx,
			ForwardTo: cand,
			Msg:       fj,
		})
	}

	c.log.Debug(
		"Forwarded join request",
		"joiner", fj.Joiner, "tx", fj.Tx, "htl", fj.HopsToLive, "n", len(cands),
	)

	return fs
}

func (c *Coordinator) handleChildDialResult(ctx context.Context, ev childDialResult) {
	fs, ch := ev.Forward, ev.Child
	if c.forwards[fs.tx] != fs || ch.settled {
		if ev.Conn != nil {
			_ = ev.Conn.Close("forward finished")
		}
		return
	}

	if ev.Err != nil {
		c.log.Debug(
			"Failed to dial forward candidate",
			"candidate", ch.peer, "tx", fs.tx, "err", ev.Err,
		)
		c.settleChild(fs, ch, nil)
		return
	}

	key := pendingKey{Addr: ch.peer.Addr, Tx: fs.tx}
	if _, ok := c.pending[key]; ok {
		_ = ev.Conn.Close("transaction in use")
		c.settleChild(fs, ch, nil)
		return
	}

	ch.pc = c.newPending(ctx, key, roleForwardChild, ev.Conn)
	c.send(ch.pc, fs.msg)
	c.armRead(ctx, ch.pc)
}

// handleChildMessage handles the reply from a peer we forwarded to.
func (c *Coordinator) handleChildMessage(ctx context.Context, pc *pendingConn, m dwire.Message) {
	fs := c.forwards[pc.key.Tx]
	if fs == nil {
		panic(fmt.Errorf("BUG: forward child connection to %s has no forward", pc.key.Addr))
	}
	ch := fs.child(pc.key.Addr)

	reply, ok := m.(dwire.JoinReply)
	if !ok || reply.Joiner.Key != fs.joiner.Key {
		c.failPending(pc, UnexpectedMessageError{Msg: m})
		return
	}

	c.settleChild(fs, ch, &reply)
}

// settleChild records the outcome of one probe.
// A nil reply counts as declined.
func (c *Coordinator) settleChild(fs *forwardState, ch *childProbe, reply *dwire.JoinReply) {
	if ch.settled {
		return
	}
	ch.settled = true
	fs.outstanding--
	if ch.pc == nil {
		ch.cancelDial(errReleased)
	}

	if reply != nil && reply.Accepted && !reply.Exhausted() {
		c.m.Forwards.WithLabelValues(forwardAccepted).Inc()
		c.finishForward(fs, dwire.JoinReply{
			Tx:       fs.tx,
			Joiner:   fs.joiner,
			Acceptor: reply.Acceptor,
			Accepted: true,
		})
		return
	}

	if fs.outstanding > 0 {
		return
	}

	// Every probe declined.
	// A gateway names the peer it probed so the joiner skips it next time;
	// a forwarding peer answers for itself.
	acceptor := c.self
	if fs.viaGateway {
		acceptor = fs.children[0].peer
	}
	c.m.Forwards.WithLabelValues(forwardRejected).Inc()
	c.finishForward(fs, dwire.JoinReply{
		Tx:       fs.tx,
		Joiner:   fs.joiner,
		Acceptor: acceptor,
	})
}

// finishForward cleans up every probe and relays reply to the parent.
func (c *Coordinator) finishForward(fs *forwardState, reply dwire.JoinReply) {
	c.abortForward(fs)

	if c.current(fs.parent) {
		c.send(fs.parent, reply)
	}
}

// abortForward cleans up every probe without replying.
func (c *Coordinator) abortForward(fs *forwardState) {
	if c.forwards[fs.tx] != fs {
		return
	}
	delete(c.forwards, fs.tx)

	if fs.viaGateway {
		if ga := c.inboundJoins[fs.tx]; ga != nil && ga.forward == fs {
			ga.forward = nil
		}
	} else {
		if ts := c.transients[fs.tx]; ts != nil && ts.forward == fs {
			ts.forward = nil
		}
	}

	clean := dwire.CleanConnection{Tx: fs.tx, Joiner: fs.joiner}
	for _, ch := range fs.children {
		if ch.pc == nil {
			ch.cancelDial(errReleased)
			continue
		}
		if c.current(ch.pc) {
			c.send(ch.pc, clean)
			c.closeAfterFlush(ch.pc, "forward finished")
		}
	}
}
