// Package dringtest contains [dring.Topology] implementations for tests.
package dringtest

import (
	"slices"
	"sync"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
)

// StaticTopology is a deterministic topology.
// Candidates are returned in the order of Neighbors,
// and the acceptance decision is controlled by the test.
type StaticTopology struct {
	mu sync.Mutex

	self      dpeer.ID
	neighbors []dpeer.ID
	accept    func(dpeer.ID) bool

	selections []Selection
}

// Selection records one call to SelectCandidates.
type Selection struct {
	Target dpeer.ID
	Skip   dpeer.SkipList
	HTL    int
	N      int

	Result []dpeer.ID
}

var _ dring.Topology = (*StaticTopology)(nil)

// NewStaticTopology returns a topology for self
// which considers neighbors connected and accepts every joiner.
func NewStaticTopology(self dpeer.ID, neighbors ...dpeer.ID) *StaticTopology {
	return &StaticTopology{
		self:      self,
		neighbors: slices.Clone(neighbors),
		accept:    func(dpeer.ID) bool { return true },
	}
}

// SetAccept replaces the acceptance decision.
func (s *StaticTopology) SetAccept(fn func(dpeer.ID) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accept = fn
}

// AcceptNone is shorthand for a decision that rejects everyone.
func AcceptNone(dpeer.ID) bool { return false }

// AcceptAll is shorthand for a decision that accepts everyone.
func AcceptAll(dpeer.ID) bool { return true }

func (s *StaticTopology) Self() dpeer.ID { return s.self }

func (s *StaticTopology) ShouldAccept(joiner dpeer.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accept(joiner)
}

func (s *StaticTopology) SelectCandidates(
	target dpeer.ID, skip dpeer.SkipList, htl, n int,
) []dpeer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []dpeer.ID
	for _, p := range s.neighbors {
		if len(out) >= n {
			break
		}
		if p.Key == s.self.Key || p.Key == target.Key || skip.Contains(p) {
			continue
		}
		out = append(out, p)
	}

	s.selections = append(s.selections, Selection{
		Target: target,
		Skip:   skip,
		HTL:    htl,
		N:      n,
		Result: slices.Clone(out),
	})
	return out
}

func (s *StaticTopology) NumConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.neighbors)
}

// Add appends p to the neighbors, if not already present.
func (s *StaticTopology) Add(p dpeer.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.neighbors, func(n dpeer.ID) bool { return n.Key == p.Key }) {
		return dring.ErrAlreadyConnected
	}
	s.neighbors = append(s.neighbors, p)
	return nil
}

func (s *StaticTopology) Remove(p dpeer.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.neighbors = slices.DeleteFunc(s.neighbors, func(n dpeer.ID) bool {
		return n.Key == p.Key
	})
}

func (s *StaticTopology) Peers() []dpeer.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.neighbors)
}

// Selections returns a copy of every SelectCandidates call so far.
func (s *StaticTopology) Selections() []Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.selections)
}
