package dring

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/gordian-engine/dragongate/dpeer"
)

// Config is the configuration for [NewRing].
type Config struct {
	// Maximum number of peers installed at once.
	// Defaults to [DefaultMaxConnections].
	MaxConnections int

	// The number of connections below which the node
	// should keep looking for more peers.
	// Defaults to [DefaultMinConnections].
	MinConnections int

	// When a request's hop budget is above this value,
	// candidates are chosen at random;
	// otherwise the peers closest to the target are preferred.
	// Defaults to [DefaultRandomPeerConnThreshold].
	RandomPeerConnThreshold int

	// Source of randomness for candidate selection.
	// Required.
	RNG *rand.Rand
}

const (
	DefaultMaxConnections          = 20
	DefaultMinConnections          = 10
	DefaultRandomPeerConnThreshold = 7
)

func (c *Config) setDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MinConnections == 0 {
		c.MinConnections = min(DefaultMinConnections, c.MaxConnections)
	}
	if c.RandomPeerConnThreshold == 0 {
		c.RandomPeerConnThreshold = DefaultRandomPeerConnThreshold
	}
}

func (c Config) validate() {
	var err error

	if c.MaxConnections <= 0 {
		err = errors.Join(err, fmt.Errorf(
			"MaxConnections must be positive (got %d)", c.MaxConnections,
		))
	}

	if c.MinConnections < 0 || c.MinConnections > c.MaxConnections {
		err = errors.Join(err, fmt.Errorf(
			"MinConnections must be in [0, MaxConnections] (got %d, max %d)",
			c.MinConnections, c.MaxConnections,
		))
	}

	if c.RandomPeerConnThreshold < 0 {
		err = errors.Join(err, fmt.Errorf(
			"RandomPeerConnThreshold must not be negative (got %d)",
			c.RandomPeerConnThreshold,
		))
	}

	if c.RNG == nil {
		err = errors.Join(err, errors.New("RNG must not be nil"))
	}

	if err != nil {
		panic(err)
	}
}

// Ring is the default [Topology].
//
// Peers are placed on the unit ring by [dpeer.ID.Location].
type Ring struct {
	log *slog.Logger

	self dpeer.ID
	cfg  Config

	// Keyed by public key, so a peer reachable at a new address
	// is still recognized as the same peer.
	peers map[dpeer.PublicKey]dpeer.ID
}

var _ Topology = (*Ring)(nil)

// NewRing returns an empty ring for self.
// It panics if cfg is invalid.
func NewRing(log *slog.Logger, self dpeer.ID, cfg Config) *Ring {
	cfg.setDefaults()
	cfg.validate()

	return &Ring{
		log: log,

		self: self,
		cfg:  cfg,

		peers: make(map[dpeer.PublicKey]dpeer.ID, cfg.MaxConnections),
	}
}

func (r *Ring) Self() dpeer.ID {
	return r.self
}

// ShouldAccept accepts joiner if it is not the local node,
// is not already connected, and the ring has room.
func (r *Ring) ShouldAccept(joiner dpeer.ID) bool {
	if joiner.Key == r.self.Key {
		return false
	}
	if _, ok := r.peers[joiner.Key]; ok {
		return false
	}
	return len(r.peers) < r.cfg.MaxConnections
}

func (r *Ring) SelectCandidates(
	target dpeer.ID, skip dpeer.SkipList, htl, n int,
) []dpeer.ID {
	if n <= 0 {
		return nil
	}

	eligible := make([]dpeer.ID, 0, len(r.peers))
	for _, p := range r.peers {
		if p.Key == r.self.Key || p.Key == target.Key || skip.Contains(p) {
			continue
		}
		eligible = append(eligible, p)
	}

	if htl > r.cfg.RandomPeerConnThreshold {
		// Early hops spread out across the ring.
		r.cfg.RNG.Shuffle(len(eligible), func(i, j int) {
			eligible[i], eligible[j] = eligible[j], eligible[i]
		})
	} else {
		// Later hops converge on the target's neighborhood.
		loc := target.Location()
		slices.SortFunc(eligible, func(a, b dpeer.ID) int {
			da := a.Location().Distance(loc)
			db := b.Location().Distance(loc)
			switch {
			case da < db:
				return -1
			case da > db:
				return 1
			default:
				return 0
			}
		})
	}

	if len(eligible) > n {
		eligible = eligible[:n]
	}
	return eligible
}

func (r *Ring) NumConnections() int {
	return len(r.peers)
}

// Add installs p.
// It fails with [ErrAlreadyConnected] or [ErrRingFull].
func (r *Ring) Add(p dpeer.ID) error {
	if p.Key == r.self.Key {
		panic(errors.New("BUG: attempted to add self to ring"))
	}

	if _, ok := r.peers[p.Key]; ok {
		return ErrAlreadyConnected
	}
	if len(r.peers) >= r.cfg.MaxConnections {
		return ErrRingFull
	}

	r.peers[p.Key] = p
	r.log.Debug("Added peer to ring", "peer", p, "n", len(r.peers))
	return nil
}

func (r *Ring) Remove(p dpeer.ID) {
	if _, ok := r.peers[p.Key]; !ok {
		return
	}
	delete(r.peers, p.Key)
	r.log.Debug("Removed peer from ring", "peer", p, "n", len(r.peers))
}

func (r *Ring) Peers() []dpeer.ID {
	out := make([]dpeer.ID, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// NeedsConnections reports whether the ring is below its minimum.
func (r *Ring) NeedsConnections() bool {
	return len(r.peers) < r.cfg.MinConnections
}
