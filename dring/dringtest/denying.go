package dringtest

import (
	"errors"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
)

// DenyingTopology never accepts a joiner, never offers candidates,
// and refuses every installation.
type DenyingTopology struct {
	SelfID dpeer.ID
}

var _ dring.Topology = DenyingTopology{}

func (d DenyingTopology) Self() dpeer.ID { return d.SelfID }

func (DenyingTopology) ShouldAccept(dpeer.ID) bool { return false }

func (DenyingTopology) SelectCandidates(dpeer.ID, dpeer.SkipList, int, int) []dpeer.ID {
	return nil
}

func (DenyingTopology) NumConnections() int { return 0 }

func (DenyingTopology) Add(dpeer.ID) error { return errors.New("peering denied") }

func (DenyingTopology) Remove(dpeer.ID) {}

func (DenyingTopology) Peers() []dpeer.ID { return nil }
