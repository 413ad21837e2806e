package dring_test

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dring"
	"github.com/gordian-engine/dragongate/internal/dtest"
	"github.com/stretchr/testify/require"
)

func ringFixture(t *testing.T, cfg dring.Config) *dring.Ring {
	t.Helper()

	if cfg.RNG == nil {
		cfg.RNG = rand.New(rand.NewPCG(1, 2))
	}
	return dring.NewRing(dtest.NewLogger(t), dtest.PeerID(t, 0), cfg)
}

func TestRing_ShouldAccept(t *testing.T) {
	t.Parallel()

	r := ringFixture(t, dring.Config{MaxConnections: 2, MinConnections: 1})

	self := r.Self()
	require.False(t, r.ShouldAccept(self))

	p1 := dtest.PeerID(t, 1)
	p2 := dtest.PeerID(t, 2)
	p3 := dtest.PeerID(t, 3)

	require.True(t, r.ShouldAccept(p1))
	require.NoError(t, r.Add(p1))
	require.False(t, r.ShouldAccept(p1), "already connected")

	require.NoError(t, r.Add(p2))
	require.False(t, r.ShouldAccept(p3), "ring full")

	require.ErrorIs(t, r.Add(p3), dring.ErrRingFull)
	require.ErrorIs(t, r.Add(p1), dring.ErrAlreadyConnected)

	r.Remove(p1)
	r.Remove(p1) // No-op.
	require.True(t, r.ShouldAccept(p3))
	require.Equal(t, 1, r.NumConnections())
	require.False(t, r.NeedsConnections())
}

func TestRing_SelectCandidates_excludesSkipSelfAndTarget(t *testing.T) {
	t.Parallel()

	r := ringFixture(t, dring.Config{})

	var peers []dpeer.ID
	for i := 1; i <= 8; i++ {
		p := dtest.PeerID(t, i)
		peers = append(peers, p)
		require.NoError(t, r.Add(p))
	}

	target := peers[0]
	skip := dpeer.NewSkipList(peers[1], peers[2])

	for _, htl := range []int{10, 2} {
		got := r.SelectCandidates(target, skip, htl, 100)
		require.Len(t, got, 5)
		for _, p := range got {
			require.False(t, skip.Contains(p))
			require.NotEqual(t, target.Key, p.Key)
			require.NotEqual(t, r.Self().Key, p.Key)
		}
	}

	require.Len(t, r.SelectCandidates(target, skip, 2, 3), 3)
	require.Empty(t, r.SelectCandidates(target, skip, 2, 0))
}

func TestRing_SelectCandidates_closestWhenLowHTL(t *testing.T) {
	t.Parallel()

	r := ringFixture(t, dring.Config{RandomPeerConnThreshold: 5})

	var peers []dpeer.ID
	for i := 1; i <= 6; i++ {
		p := dtest.PeerID(t, i)
		peers = append(peers, p)
		require.NoError(t, r.Add(p))
	}

	target := dtest.PeerID(t, 99)
	got := r.SelectCandidates(target, dpeer.SkipList{}, 1, 1)
	require.Len(t, got, 1)

	loc := target.Location()
	best := got[0].Location().Distance(loc)
	for _, p := range peers {
		require.LessOrEqual(t, best, p.Location().Distance(loc))
	}
}

func TestNewRing_invalidConfig(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() {
		dring.NewRing(dtest.NewLogger(t), dtest.PeerID(t, 0), dring.Config{})
	}, "nil RNG")

	require.Panics(t, func() {
		dring.NewRing(dtest.NewLogger(t), dtest.PeerID(t, 0), dring.Config{
			MaxConnections: 2,
			MinConnections: 3,
			RNG:            rand.New(rand.NewPCG(1, 2)),
		})
	})
}

func TestHandle_concurrentReaders(t *testing.T) {
	t.Parallel()

	r := ringFixture(t, dring.Config{})
	h := dring.NewHandle(r)

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Write(func(tp dring.Topology) {
				_ = tp.Add(dtest.PeerID(t, i))
			})
		}()
		go func() {
			defer wg.Done()
			h.Read(func(rt dring.Router) {
				_ = rt.SelectCandidates(rt.Self(), dpeer.SkipList{}, 1, 3)
			})
		}()
	}
	wg.Wait()

	h.Read(func(rt dring.Router) {
		require.Equal(t, 4, rt.NumConnections())
	})
}
