// Package dragongate contains the core APIs for running a node
// that admits peers into a ring overlay.
//
// A new peer joins through a gateway.
// The gateway decides whether it accepts the joiner itself,
// then probes other members of the ring on the joiner's behalf,
// forwarding the request hop by hop until a member accepts
// or the hop budget runs out.
// The joiner is admitted when the gateway and a strict majority
// of the probes accept it.
//
// All negotiations on a node are owned by a single handshake coordinator.
// A [Node] wires that coordinator to a transport and a ring,
// and installs every peer the coordinator admits.
package dragongate
