package dhs

import (
	"context"
	"errors"
	"fmt"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// gatewayAdmission is the gateway's side of a joiner's admission.
type gatewayAdmission struct {
	tx     dtx.ID
	joiner dpeer.ID
	pc     *pendingConn

	// Hop budget for this admission,
	// the smaller of the joiner's request and our own limit.
	maxHTL uint8

	// Our own decision about the joiner.
	accepted bool

	// The check currently being served, if any.
	forward *forwardState

	// The most recent forward dispatched for the joiner.
	lastForward *ForwardInfo
}

// transientState is a join request forwarded to us.
// It lives until the sender cleans it up or its connection fails.
type transientState struct {
	record TransientConnection
	pc     *pendingConn

	forward *forwardState
}

func (c *Coordinator) shouldAccept(p dpeer.ID) bool {
	if _, ok := c.connected[p.Addr]; ok {
		return false
	}

	var ok bool
	c.ring.Read(func(r dring.Router) {
		ok = r.ShouldAccept(p)
	})
	return ok
}

func (c *Coordinator) selectCandidates(
	target dpeer.ID, skip dpeer.SkipList, htl uint8, n int,
) []dpeer.ID {
	if htl == 0 || n <= 0 {
		return nil
	}

	var out []dpeer.ID
	c.ring.Read(func(r dring.Router) {
		out = r.SelectCandidates(target, skip, int(htl), n)
	})
	return out
}

// fitSkipList trims cands so that skip extended with cands
// still fits in a single message.
// It returns nil when skip has no room left.
func fitSkipList(skip dpeer.SkipList, cands []dpeer.ID) []dpeer.ID {
	room := dwire.MaxSkipListLen - skip.Len()
	if room <= 0 {
		return nil
	}
	if len(cands) > room {
		cands = cands[:room]
	}
	return cands
}

// seenJoin reports whether tx is already known to this node
// in any join role.
func (c *Coordinator) seenJoin(tx dtx.ID) bool {
	if c.recentJoins.Contains(tx) {
		return true
	}
	if _, ok := c.transients[tx]; ok {
		return true
	}
	if _, ok := c.inboundJoins[tx]; ok {
		return true
	}
	_, ok := c.trackers[tx]
	return ok
}

func (c *Coordinator) handleInboundFirstMessage(ctx context.Context, ev inboundFirstMessage) {
	conn := ev.Conn
	remote := conn.Peer()

	if ev.Err != nil {
		var de *dwire.DecodeError
		if errors.As(ev.Err, &de) {
			c.m.DecodeErrors.Inc()
		}
		c.log.Info(
			"Failed to read first message on inbound connection",
			"remote", remote, "err", classifyRecvError(remote.Addr, ev.Err),
		)
		_ = conn.Close("bad first message")
		return
	}

	tx := ev.Msg.Transaction()
	if tx.IsZero() {
		c.log.Info(
			"Inbound connection opened without a transaction",
			"remote", remote, "type", ev.Msg.Type(),
		)
		_ = conn.Close("missing transaction")
		return
	}

	key := pendingKey{Addr: remote.Addr, Tx: tx}
	if _, ok := c.pending[key]; ok {
		c.log.Info(
			"Inbound connection reused an active transaction",
			"remote", remote, "tx", tx,
		)
		_ = conn.Close("transaction in use")
		return
	}

	switch m := ev.Msg.(type) {
	case dwire.Hello:
		if m.Peer.Key != remote.Key {
			c.log.Info("Hello identity does not match connection", "remote", remote, "claimed", m.Peer)
			_ = conn.Close("identity mismatch")
			return
		}
		pc := c.newPending(ctx, key, roleInbound, conn)
		c.followUp(inboundConnAttempt{PC: pc, Hello: m})

	case dwire.StartJoin:
		if m.Joiner.Key != remote.Key {
			c.log.Info("Joiner identity does not match connection", "remote", remote, "claimed", m.Joiner)
			_ = conn.Close("identity mismatch")
			return
		}
		pc := c.newPending(ctx, key, roleGatewayJoiner, conn)
		c.followUp(inboundGwJoinRequest{PC: pc, Req: m})

	case dwire.ForwardJoin:
		pc := c.newPending(ctx, key, roleTransientParent, conn)
		c.followUp(inboundGwJoinRequest{PC: pc, Req: m})

	default:
		c.log.Info(
			"Unexpected first message on inbound connection",
			"remote", remote, "type", m.Type(),
		)
		_ = conn.Close("unexpected message")
	}
}

func (c *Coordinator) handleInboundConnAttempt(ev inboundConnAttempt) {
	pc := ev.PC
	if !c.current(pc) {
		return
	}

	peer := ev.Hello.Peer
	_, reserved := c.reservations.Get(peer.Key)
	_, connected := c.connected[peer.Addr]

	accept := !connected && (reserved || c.shouldAccept(peer))
	c.send(pc, dwire.HelloAck{Tx: pc.key.Tx, Accepted: accept})

	if !accept {
		c.log.Debug("Rejected direct connection", "peer", peer, "tx", pc.key.Tx)
		c.closeAfterFlush(pc, "rejected")
		c.emit(InboundConnectionRejected{Tx: pc.key.Tx, Peer: peer})
		return
	}

	if reserved {
		c.reservations.Remove(peer.Key)
	}
	c.connected[peer.Addr] = struct{}{}
	c.log.Info("Accepted direct connection", "peer", peer, "tx", pc.key.Tx, "reserved", reserved)
	c.handoffAfterFlush(pc, InboundConnection{
		Tx:     pc.key.Tx,
		Conn:   pc.conn,
		Joiner: peer,
	})
}

func (c *Coordinator) handleInboundGwJoinRequest(ctx context.Context, ev inboundGwJoinRequest) {
	if !c.current(ev.PC) {
		return
	}

	switch req := ev.Req.(type) {
	case dwire.StartJoin:
		c.startGatewayAdmission(ctx, ev.PC, req)
	case dwire.ForwardJoin:
		c.startTransient(ctx, ev.PC, req)
	default:
		panic(fmt.Errorf("BUG: join request with message type %s", req.Type()))
	}
}

func (c *Coordinator) startGatewayAdmission(ctx context.Context, pc *pendingConn, req dwire.StartJoin) {
	if c.seenJoin(req.Tx) {
		c.m.Forwards.WithLabelValues(forwardDuplicate).Inc()
		c.log.Info("Ignoring duplicate join request", "joiner", req.Joiner, "tx", req.Tx)
		c.closeAfterFlush(pc, "duplicate join")
		return
	}
	c.recentJoins.Add(req.Tx, struct{}{})

	ga := &gatewayAdmission{
		tx:       req.Tx,
		joiner:   req.Joiner,
		pc:       pc,
		maxHTL:   min(req.MaxHopsToLive, c.maxHTL),
		accepted: c.shouldAccept(req.Joiner),
	}
	c.inboundJoins[req.Tx] = ga

	c.log.Debug(
		"Serving as gateway",
		"joiner", req.Joiner, "tx", req.Tx, "accepted", ga.accepted, "max_htl", ga.maxHTL,
	)

	c.send(pc, dwire.JoinReply{
		Tx:       req.Tx,
		Joiner:   req.Joiner,
		Acceptor: c.self,
		Accepted: ga.accepted,
	})
	c.armRead(ctx, pc)
}

// handleJoinerMessage handles a message from a joiner we are the gateway for.
func (c *Coordinator) handleJoinerMessage(ctx context.Context, pc *pendingConn, m dwire.Message) {
	ga := c.inboundJoins[pc.key.Tx]
	if ga == nil || ga.pc != pc {
		panic(fmt.Errorf("BUG: joiner connection from %s has no admission", pc.key.Addr))
	}

	switch m := m.(type) {
	case dwire.CheckRequest:
		if ga.forward != nil {
			c.failPending(pc, UnexpectedMessageError{Msg: m})
			return
		}
		c.serveCheck(ctx, ga, m)

	case dwire.JoinFinished:
		delete(c.inboundJoins, ga.tx)
		if ga.forward != nil {
			c.abortForward(ga.forward)
		}

		_, connected := c.connected[ga.joiner.Addr]
		if m.Admitted && ga.accepted && !connected {
			c.connected[ga.joiner.Addr] = struct{}{}
			c.log.Info("Admitted joiner", "joiner", ga.joiner, "tx", ga.tx)
			c.handoffAfterFlush(pc, InboundConnection{
				Tx:          ga.tx,
				Conn:        pc.conn,
				Joiner:      ga.joiner,
				ForwardInfo: ga.lastForward,
			})
			return
		}

		c.log.Debug(
			"Joiner not admitted through us",
			"joiner", ga.joiner, "tx", ga.tx,
			"admitted", m.Admitted, "accepted", ga.accepted,
		)
		c.closeAfterFlush(pc, "join finished")
		c.emit(InboundConnectionRejected{Tx: ga.tx, Peer: ga.joiner})

	default:
		c.failPending(pc, UnexpectedMessageError{Msg: m})
	}
}

// serveCheck probes one more peer on behalf of the joiner.
func (c *Coordinator) serveCheck(ctx context.Context, ga *gatewayAdmission, req dwire.CheckRequest) {
	skip := req.SkipList.With(c.self)
	cands := fitSkipList(skip, c.selectCandidates(ga.joiner, skip, ga.maxHTL, 1))

	if len(cands) == 0 {
		c.m.Forwards.WithLabelValues(forwardExhausted).Inc()
		c.send(ga.pc, dwire.JoinReply{Tx: ga.tx, Joiner: ga.joiner})
		c.armRead(ctx, ga.pc)
		return
	}

	fj := dwire.ForwardJoin{
		Tx:            ga.tx,
		Joiner:        ga.joiner,
		MaxHopsToLive: ga.maxHTL,
		HopsToLive:    ga.maxHTL - 1,
		SkipList:      skip.With(cands...),
	}
	ga.forward = c.startForward(ctx, ga.pc, true, fj, cands)
	ga.lastForward = &ForwardInfo{Target: cands[0], Msg: fj}

	// Keep reading so a disconnect or an early JoinFinished is noticed.
	c.armRead(ctx, ga.pc)
}

func (c *Coordinator) startTransient(ctx context.Context, pc *pendingConn, fj dwire.ForwardJoin) {
	if c.seenJoin(fj.Tx) {
		c.m.Forwards.WithLabelValues(forwardDuplicate).Inc()
		c.log.Debug(
			"Rejecting join request seen before",
			"joiner", fj.Joiner, "tx", fj.Tx, "from", pc.key.Addr,
		)
		c.send(pc, dwire.JoinReply{
			Tx:       fj.Tx,
			Joiner:   fj.Joiner,
			Acceptor: c.self,
		})
		c.closeAfterFlush(pc, "duplicate join")
		return
	}
	c.recentJoins.Add(fj.Tx, struct{}{})

	ts := &transientState{
		record: NewTransientConnection(fj),
		pc:     pc,
	}
	c.transients[fj.Tx] = ts
	c.armRead(ctx, pc)

	if c.shouldAccept(fj.Joiner) {
		c.m.Forwards.WithLabelValues(forwardAccepted).Inc()
		c.reservations.Add(fj.Joiner.Key, fj.Tx)
		c.log.Debug("Accepting forwarded joiner", "joiner", fj.Joiner, "tx", fj.Tx)
		c.send(pc, dwire.JoinReply{
			Tx:       fj.Tx,
			Joiner:   fj.Joiner,
			Acceptor: c.self,
			Accepted: true,
		})
		return
	}

	skip := fj.SkipList.With(c.self)
	cands := fitSkipList(skip, c.selectCandidates(fj.Joiner, skip, fj.HopsToLive, int(fj.HopsToLive)))
	if len(cands) == 0 {
		c.m.Forwards.WithLabelValues(forwardRejected).Inc()
		c.send(pc, dwire.JoinReply{
			Tx:       fj.Tx,
			Joiner:   fj.Joiner,
			Acceptor: c.self,
		})
		return
	}

	next := fj
	next.HopsToLive = fj.HopsToLive - 1
	next.SkipList = skip.With(cands...)
	ts.forward = c.startForward(ctx, pc, false, next, cands)
}

// handleParentMessage handles a message from the peer that forwarded
// a join request to us.
func (c *Coordinator) handleParentMessage(ctx context.Context, pc *pendingConn, m dwire.Message) {
	ts := c.transients[pc.key.Tx]
	if ts == nil || ts.pc != pc {
		panic(fmt.Errorf("BUG: transient connection from %s has no record", pc.key.Addr))
	}

	if ts.record.IsDropConnectionMessage(m) {
		delete(c.transients, ts.record.Tx)
		if ts.forward != nil {
			c.abortForward(ts.forward)
		}
		c.closeAfterFlush(pc, "cleaned up")
		c.emit(RemoveTransaction{Tx: ts.record.Tx, Peer: ts.record.Joiner})
		return
	}

	if _, ok := m.(dwire.CleanConnection); ok {
		c.log.Debug(
			"Ignoring clean connection for a different negotiation",
			"tx", ts.record.Tx, "msg_tx", m.Transaction(), "from", pc.key.Addr,
		)
		c.armRead(ctx, pc)
		return
	}

	c.failPending(pc, UnexpectedMessageError{Msg: m})
}

func (c *Coordinator) handleDropInboundConnection(ev dropInboundConnection) {
	c.dropInbound(ev.Key, ev.Err)
}

// dropInbound tears down the gateway admission or transient
// negotiation held on the connection at key.
func (c *Coordinator) dropInbound(key pendingKey, err error) {
	pc := c.pending[key]
	if pc == nil {
		return
	}

	var peer dpeer.ID
	switch pc.role {
	case roleTransientParent:
		ts := c.transients[key.Tx]
		if ts == nil || ts.pc != pc {
			return
		}
		delete(c.transients, key.Tx)
		if ts.forward != nil {
			c.abortForward(ts.forward)
		}
		peer = ts.record.Joiner

	case roleGatewayJoiner:
		ga := c.inboundJoins[key.Tx]
		if ga == nil || ga.pc != pc {
			return
		}
		delete(c.inboundJoins, key.Tx)
		if ga.forward != nil {
			c.abortForward(ga.forward)
		}
		peer = ga.joiner

	default:
		panic(fmt.Errorf("BUG: dropping inbound negotiation for %s connection", pc.role))
	}

	c.abortPending(pc, "negotiation failed")

	c.log.Info(
		"Inbound negotiation failed",
		"role", pc.role, "remote_addr", key.Addr, "tx", key.Tx, "joiner", peer, "err", err,
	)
	c.emit(RemoveTransaction{Tx: key.Tx, Peer: peer, Err: err})
}

// handleDropped removes every negotiation with p's address.
func (c *Coordinator) handleDropped(p dpeer.ID) {
	addr := p.Addr

	if byTx := c.connecting[addr]; len(byTx) > 0 {
		atts := make([]*outboundAttempt, 0, len(byTx))
		for _, att := range byTx {
			atts = append(atts, att)
		}
		for _, att := range atts {
			c.failOutbound(att, ErrDropped)
		}
	}

	if _, ok := c.connected[addr]; ok {
		delete(c.connected, addr)
		c.log.Debug("Forgot connected peer", "peer", p)
	}

	var keys []pendingKey
	for key := range c.pending {
		if key.Addr == addr {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		pc := c.pending[key]
		if pc == nil {
			// Released while handling an earlier key.
			continue
		}

		switch pc.role {
		case roleGatewayJoiner, roleTransientParent:
			c.dropInbound(key, ErrDropped)
		case roleForwardChild, roleInbound:
			c.failPending(pc, ErrDropped)
		case roleOutbound:
			panic(fmt.Errorf("BUG: outbound connection to %s survived its attempt", addr))
		default:
			panic(fmt.Errorf("BUG: unhandled pending role %s", pc.role))
		}
	}

	// Forward probes still dialing the address count as declined.
	var dialing []*childProbe
	var owners []*forwardState
	for _, fs := range c.forwards {
		for _, ch := range fs.children {
			if !ch.settled && ch.pc == nil && ch.peer.Addr == addr {
				dialing = append(dialing, ch)
				owners = append(owners, fs)
			}
		}
	}
	for i, ch := range dialing {
		if c.forwards[owners[i].tx] != owners[i] {
			continue
		}
		c.settleChild(owners[i], ch, nil)
	}
}
