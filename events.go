package dragongate

import "github.com/gordian-engine/dragongate/internal/dhs"

// Event is a negotiation outcome, as observed on [NodeConfig.Events].
//
// Events that carry a connection are informational only;
// the node keeps ownership of the connection.
type Event = dhs.Event

// Concrete [Event] types.
type (
	InboundConnection                   = dhs.InboundConnection
	OutboundConnectionSuccessful        = dhs.OutboundConnectionSuccessful
	OutboundConnectionFailed            = dhs.OutboundConnectionFailed
	OutboundGatewayConnectionRejected   = dhs.OutboundGatewayConnectionRejected
	InboundConnectionRejected           = dhs.InboundConnectionRejected
	OutboundGatewayConnectionSuccessful = dhs.OutboundGatewayConnectionSuccessful
	RemoveTransaction                   = dhs.RemoveTransaction
	TransientForwardTransaction         = dhs.TransientForwardTransaction
	ForwardInfo                         = dhs.ForwardInfo
)

// FinalizationPolicy controls when an admission through a gateway
// is resolved.
type FinalizationPolicy = dhs.FinalizationPolicy

// IsTerminal reports whether e ends the negotiation for its transaction.
func IsTerminal(e Event) bool {
	return dhs.IsTerminal(e)
}
