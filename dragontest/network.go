// Package dragontest contains helpers for tests
// that need a set of running nodes.
package dragontest

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/gordian-engine/dragongate"
	"github.com/gordian-engine/dragongate/dconn/dconnmem"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/internal/dtest"
)

// Network contains a collection of NetworkNode values,
// to simplify tests that require multiple nodes.
type Network struct {
	Log *slog.Logger

	Mem *dconnmem.Network

	Nodes []NetworkNode
}

// NetworkNode contains the details for a node in this test network.
type NetworkNode struct {
	Node *dragongate.Node

	ID dpeer.ID

	Transport *dconnmem.Transport

	// Receives a copy of every event on the node.
	Events chan dragongate.Event
}

// NewNetwork returns a Network of n nodes on a shared in-memory network.
// The nodes are not connected to one another.
//
// If configure is not nil, it is called with each node's configuration
// before the node is created.
//
// The nodes stop when ctx is canceled,
// which must happen before the end of the test.
func NewNetwork(
	t *testing.T,
	ctx context.Context,
	n int,
	configure func(idx int, cfg *dragongate.NodeConfig),
) *Network {
	t.Helper()

	log := dtest.NewLogger(t)
	mem := dconnmem.NewNetwork()

	nodes := make([]NetworkNode, n)
	for i := range n {
		id := dtest.PeerID(t, i)
		tr := mem.NewTransport(id)
		t.Cleanup(tr.Close)

		events := make(chan dragongate.Event, 64)

		cfg := dragongate.NodeConfig{
			Self:      id,
			Transport: tr,
			Ring: dring.Config{
				RNG: rand.New(rand.NewPCG(uint64(i), 1)),
			},
			Events: events,
		}
		if configure != nil {
			configure(i, &cfg)
		}

		node := dragongate.NewNode(ctx, log.With("node", i), cfg)

		// This cleanup call necessitates that the context is cancelled before the end of the test.
		t.Cleanup(node.Wait)

		nodes[i] = NetworkNode{
			Node:      node,
			ID:        id,
			Transport: tr,
			Events:    events,
		}
	}

	return &Network{
		Log:   log,
		Mem:   mem,
		Nodes: nodes,
	}
}

// Wait blocks until every node has stopped.
func (n *Network) Wait() {
	for _, node := range n.Nodes {
		node.Node.Wait()
	}
}
