package dhs

import (
	"fmt"

	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// Event is an outcome the coordinator reports to the node.
//
// Every negotiation handled to completion produces exactly one
// terminal event for its transaction (see [IsTerminal]).
// Events carrying a [dconn.Conn] transfer ownership of that connection.
type Event interface {
	Transaction() dtx.ID

	isEvent()
}

// InboundConnection reports that a remote peer was admitted.
// The receiver owns Conn.
type InboundConnection struct {
	Tx     dtx.ID
	Conn   dconn.Conn
	Joiner dpeer.ID

	// When the local node acted as the joiner's gateway,
	// the last forward it dispatched on the joiner's behalf.
	// Nil for direct connections.
	ForwardInfo *ForwardInfo
}

// OutboundConnectionSuccessful reports a promoted direct connection.
// The receiver owns Conn.
type OutboundConnectionSuccessful struct {
	Tx   dtx.ID
	Peer dpeer.ID
	Conn dconn.Conn
}

// OutboundConnectionFailed reports an outbound negotiation that ended
// without a connection.
type OutboundConnectionFailed struct {
	Tx   dtx.ID
	Peer dpeer.ID
	Err  error
}

// OutboundGatewayConnectionRejected reports that the admission
// conducted through Peer did not succeed.
type OutboundGatewayConnectionRejected struct {
	Tx   dtx.ID
	Peer dpeer.ID
}

// InboundConnectionRejected reports that the local node declined
// a remote peer, as a direct neighbor or as a gateway.
type InboundConnectionRejected struct {
	Tx   dtx.ID
	Peer dpeer.ID
}

// OutboundGatewayConnectionSuccessful reports a successful admission
// through the gateway Peer.
// The receiver owns Conn.
type OutboundGatewayConnectionSuccessful struct {
	Tx   dtx.ID
	Peer dpeer.ID
	Conn dconn.Conn

	Accepted        int
	RemainingChecks int
}

// RemoveTransaction reports that the local node's part in a negotiation
// on behalf of Peer ended without a connection for the node.
//
// Err is nil when the negotiation completed normally,
// such as a forwarded join request being cleaned up.
type RemoveTransaction struct {
	Tx   dtx.ID
	Peer dpeer.ID
	Err  error
}

// TransientForwardTransaction reports that a join request was forwarded
// and the local node is waiting for the reply from Target.
// It is informational and never terminal.
type TransientForwardTransaction struct {
	Target    string
	Tx        dtx.ID
	ForwardTo dpeer.ID
	Msg       dwire.Message
}

func (e InboundConnection) Transaction() dtx.ID                   { return e.Tx }
func (e OutboundConnectionSuccessful) Transaction() dtx.ID        { return e.Tx }
func (e OutboundConnectionFailed) Transaction() dtx.ID            { return e.Tx }
func (e OutboundGatewayConnectionRejected) Transaction() dtx.ID   { return e.Tx }
func (e InboundConnectionRejected) Transaction() dtx.ID           { return e.Tx }
func (e OutboundGatewayConnectionSuccessful) Transaction() dtx.ID { return e.Tx }
func (e RemoveTransaction) Transaction() dtx.ID                   { return e.Tx }
func (e TransientForwardTransaction) Transaction() dtx.ID         { return e.Tx }

func (InboundConnection) isEvent()                   {}
func (OutboundConnectionSuccessful) isEvent()        {}
func (OutboundConnectionFailed) isEvent()            {}
func (OutboundGatewayConnectionRejected) isEvent()   {}
func (InboundConnectionRejected) isEvent()           {}
func (OutboundGatewayConnectionSuccessful) isEvent() {}
func (RemoveTransaction) isEvent()                   {}
func (TransientForwardTransaction) isEvent()         {}

// IsTerminal reports whether e ends its transaction on the local node.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case InboundConnection,
		OutboundConnectionSuccessful,
		OutboundConnectionFailed,
		OutboundGatewayConnectionRejected,
		InboundConnectionRejected,
		OutboundGatewayConnectionSuccessful,
		RemoveTransaction:
		return true
	case TransientForwardTransaction:
		return false
	default:
		panic(fmt.Errorf("BUG: unhandled event type %T", e))
	}
}

// eventName is the metrics label for e.
func eventName(e Event) string {
	switch e.(type) {
	case InboundConnection:
		return "inbound_connection"
	case OutboundConnectionSuccessful:
		return "outbound_connection_successful"
	case OutboundConnectionFailed:
		return "outbound_connection_failed"
	case OutboundGatewayConnectionRejected:
		return "outbound_gateway_connection_rejected"
	case InboundConnectionRejected:
		return "inbound_connection_rejected"
	case OutboundGatewayConnectionSuccessful:
		return "outbound_gateway_connection_successful"
	case RemoveTransaction:
		return "remove_transaction"
	case TransientForwardTransaction:
		return "transient_forward_transaction"
	default:
		panic(fmt.Errorf("BUG: unhandled event type %T", e))
	}
}

// eventConn returns the connection carried by e, if any.
func eventConn(e Event) dconn.Conn {
	switch e := e.(type) {
	case InboundConnection:
		return e.Conn
	case OutboundConnectionSuccessful:
		return e.Conn
	case OutboundGatewayConnectionSuccessful:
		return e.Conn
	default:
		return nil
	}
}

// internalEvent is a transition inside the coordinator's loop.
// It never leaves this package.
type internalEvent interface {
	isInternalEvent()
}

// Completions posted by goroutines owned by the coordinator.
type (
	// An outbound dial finished.
	dialResult struct {
		Attempt *outboundAttempt
		Conn    dconn.Conn
		Err     error
	}

	// A dial to a forward candidate finished.
	childDialResult struct {
		Forward *forwardState
		Child   *childProbe
		Conn    dconn.Conn
		Err     error
	}

	// The first message on an accepted connection was read.
	inboundFirstMessage struct {
		Conn dconn.Conn
		Msg  dwire.Message
		Err  error
	}

	// A one-shot read on a pending connection returned.
	inboundMessage struct {
		PC  *pendingConn
		Msg dwire.Message
		Err error
	}

	// The writer for a pending connection failed to send.
	writeFailed struct {
		PC  *pendingConn
		Err error
	}

	// A pending connection's outbox was flushed after handoff was requested.
	pendingReleased struct {
		PC  *pendingConn
		Ev  Event
		Err error
	}
)

// Protocol transitions, queued as follow-ups by the handlers above.
type (
	// HelloAck accepted; promote the connection.
	outboundConnEstablished struct {
		Attempt *outboundAttempt
	}

	// Transport connection to a gateway is ready; begin admission.
	outboundGwConnEstablished struct {
		Attempt *outboundAttempt
	}

	outboundConnFailed struct {
		Attempt *outboundAttempt
		Err     error
	}

	// A probed peer's vote was relayed by the gateway.
	remoteConnectionAttempt struct {
		Tracker *trackerState
		Reply   dwire.JoinReply
	}

	// Issue the next acceptance check.
	nextCheck struct {
		Tracker *trackerState
	}

	// The gateway's own decision arrived.
	outboundGwConnConfirmed struct {
		Tracker  *trackerState
		Accepted bool
	}

	// A join request arrived, directly from the joiner (StartJoin)
	// or forwarded on a transient connection (ForwardJoin).
	inboundGwJoinRequest struct {
		PC  *pendingConn
		Req dwire.Message
	}

	// A direct connection request arrived.
	inboundConnAttempt struct {
		PC    *pendingConn
		Hello dwire.Hello
	}

	// Tear down the inbound negotiation held on the given connection.
	dropInboundConnection struct {
		Key pendingKey
		Err error
	}

	// The admission tracked by Tracker is fully resolved.
	finishedOutboundConnProcess struct {
		Tracker *trackerState
	}
)

func (dialResult) isInternalEvent()          {}
func (childDialResult) isInternalEvent()     {}
func (inboundFirstMessage) isInternalEvent() {}
func (inboundMessage) isInternalEvent()      {}
func (writeFailed) isInternalEvent()         {}
func (pendingReleased) isInternalEvent()     {}

func (outboundConnEstablished) isInternalEvent()     {}
func (outboundGwConnEstablished) isInternalEvent()   {}
func (outboundConnFailed) isInternalEvent()          {}
func (remoteConnectionAttempt) isInternalEvent()     {}
func (nextCheck) isInternalEvent()                   {}
func (outboundGwConnConfirmed) isInternalEvent()     {}
func (inboundGwJoinRequest) isInternalEvent()        {}
func (inboundConnAttempt) isInternalEvent()          {}
func (dropInboundConnection) isInternalEvent()       {}
func (finishedOutboundConnProcess) isInternalEvent() {}
