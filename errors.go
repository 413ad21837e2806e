package dragongate

import "errors"

// AlreadyConnectedToNodeError is returned from [*Node.Join] and [*Node.Connect]
// if the given address is already connected to the current node.
type AlreadyConnectedToNodeError struct {
	Addr string
}

func (e AlreadyConnectedToNodeError) Error() string {
	return "already connected to node " + e.Addr
}

// ErrStopped is returned from [Node] methods after the node has stopped.
var ErrStopped = errors.New("node stopped")
