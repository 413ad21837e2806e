package dhs

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dragongate/dconn"
	"github.com/gordian-engine/dragongate/dpeer"
	"github.com/gordian-engine/dragongate/dtx"
	"github.com/gordian-engine/dragongate/internal/dwire"
)

// TransientConnection is a join request received on behalf of a joiner
// that has not been admitted yet.
type TransientConnection struct {
	Tx     dtx.ID
	Joiner dpeer.ID

	MaxHopsToLive uint8
	HopsToLive    uint8

	SkipList dpeer.SkipList
}

// NewTransientConnection returns the record for a received forward join.
func NewTransientConnection(m dwire.ForwardJoin) TransientConnection {
	return TransientConnection{
		Tx:     m.Tx,
		Joiner: m.Joiner,

		MaxHopsToLive: m.MaxHopsToLive,
		HopsToLive:    m.HopsToLive,

		SkipList: m.SkipList,
	}
}

// IsDropConnectionMessage reports whether m instructs this transient
// connection to end its negotiation.
// Only a [dwire.CleanConnection] with the same transaction
// and the same joiner key qualifies.
func (t TransientConnection) IsDropConnectionMessage(m dwire.Message) bool {
	cc, ok := m.(dwire.CleanConnection)
	if !ok {
		return false
	}
	return cc.Tx == t.Tx && cc.Joiner.Key == t.Joiner.Key
}

// ForwardInfo is a single pending forward of a join request.
type ForwardInfo struct {
	Target dpeer.ID
	Msg    dwire.Message
}

// FinalizationPolicy controls when an [AcceptedTracker] is resolved
// and whether the admission succeeds.
//
// Admission succeeds if and only if the gateway accepted
// and a strict majority of the cast votes accept.
// The gateway's own acceptance is one vote and every answered check is another.
// Checks settled by exhaustion abstain,
// so that a gateway with no other peers can still admit a joiner.
type FinalizationPolicy struct {
	// If positive, the tracker finalizes as soon as the gateway has accepted
	// and at least this many checks have voted to accept,
	// without waiting for the remaining checks.
	// Zero disables early finalization.
	EarlyAcceptVotes int
}

// AcceptedTracker is the vote tally for one gateway-mediated admission,
// held on the joiner's side.
type AcceptedTracker struct {
	GatewayPeer dpeer.ID
	GatewayConn dconn.Conn

	TotalChecks     int
	RemainingChecks int
	Accepted        int

	// Checks settled by a reply, as opposed to by exhaustion.
	Answered int

	GatewayAccepted          bool
	GatewayAcceptedProcessed bool

	// Check i is at index i in each set.
	settled  *bitset.BitSet
	accepted *bitset.BitSet

	// Check index answered by each acceptor.
	voters map[dpeer.PublicKey]uint

	finalized bool
}

// NewAcceptedTracker returns a tracker with all checks outstanding.
func NewAcceptedTracker(gw dpeer.ID, conn dconn.Conn, totalChecks int) *AcceptedTracker {
	if totalChecks <= 0 {
		panic(fmt.Errorf("BUG: total checks must be positive (got %d)", totalChecks))
	}

	return &AcceptedTracker{
		GatewayPeer: gw,
		GatewayConn: conn,

		TotalChecks:     totalChecks,
		RemainingChecks: totalChecks,

		settled:  bitset.New(uint(totalChecks)),
		accepted: bitset.New(uint(totalChecks)),

		voters: make(map[dpeer.PublicKey]uint, totalChecks),
	}
}

// ConfirmGateway records the gateway's own decision.
// It panics if called twice.
func (t *AcceptedTracker) ConfirmGateway(accepted bool) {
	if t.GatewayAcceptedProcessed {
		panic(errors.New("BUG: gateway decision applied twice"))
	}
	t.GatewayAccepted = accepted
	t.GatewayAcceptedProcessed = true
}

// Settle records acceptor's answer to the next outstanding check.
// It returns a [DuplicateVoteError], leaving the tally unchanged,
// if acceptor is the gateway or has already answered a check.
// It panics if no checks remain or the tracker is finalized.
func (t *AcceptedTracker) Settle(acceptor dpeer.ID, accepted bool) error {
	if t.finalized {
		panic(errors.New("BUG: settled check on finalized tracker"))
	}
	if t.RemainingChecks <= 0 {
		panic(fmt.Errorf(
			"BUG: settled check with none remaining (total=%d)", t.TotalChecks,
		))
	}

	if acceptor.Key == t.GatewayPeer.Key {
		return DuplicateVoteError{Acceptor: acceptor}
	}
	if _, ok := t.voters[acceptor.Key]; ok {
		return DuplicateVoteError{Acceptor: acceptor}
	}

	idx := uint(t.TotalChecks - t.RemainingChecks)
	t.voters[acceptor.Key] = idx
	t.settled.Set(idx)
	if accepted {
		t.accepted.Set(idx)
	}
	t.Accepted = int(t.accepted.Count())
	t.RemainingChecks--
	t.Answered++

	t.checkInvariant()
	return nil
}

// Vote reports how acceptor answered its check.
// The second result is false if acceptor has not answered any check.
func (t *AcceptedTracker) Vote(acceptor dpeer.ID) (accepted, ok bool) {
	idx, ok := t.voters[acceptor.Key]
	if !ok {
		return false, false
	}
	return t.accepted.Test(idx), true
}

// Exhaust settles every remaining check without a vote.
// It is used when there are no more candidates to probe.
func (t *AcceptedTracker) Exhaust() {
	if t.finalized {
		panic(errors.New("BUG: exhausted finalized tracker"))
	}
	for i := t.TotalChecks - t.RemainingChecks; i < t.TotalChecks; i++ {
		t.settled.Set(uint(i))
	}
	t.RemainingChecks = 0

	t.checkInvariant()
}

// Ready reports whether the tracker should be finalized now under p.
func (t *AcceptedTracker) Ready(p FinalizationPolicy) bool {
	if t.finalized || !t.GatewayAcceptedProcessed {
		return false
	}
	if t.RemainingChecks == 0 {
		return true
	}
	return p.EarlyAcceptVotes > 0 &&
		t.GatewayAccepted &&
		t.Accepted >= p.EarlyAcceptVotes
}

// Admitted reports whether the current tally is a successful admission.
func (t *AcceptedTracker) Admitted() bool {
	if !t.GatewayAccepted {
		return false
	}
	votes := t.Answered + 1
	yes := t.Accepted + 1
	return yes*2 > votes
}

// Finalize resolves the tracker and returns whether the joiner was admitted.
// It panics if called more than once.
func (t *AcceptedTracker) Finalize() bool {
	if t.finalized {
		panic(errors.New("BUG: tracker finalized twice"))
	}
	t.finalized = true
	return t.Admitted()
}

// Finalized reports whether [*AcceptedTracker.Finalize] has been called.
func (t *AcceptedTracker) Finalized() bool {
	return t.finalized
}

// SettledChecks is the number of checks that have been resolved.
func (t *AcceptedTracker) SettledChecks() int {
	return int(t.settled.Count())
}

func (t *AcceptedTracker) checkInvariant() {
	if len(t.voters) != t.Answered {
		panic(fmt.Errorf(
			"BUG: %d acceptors recorded for %d answered checks",
			len(t.voters), t.Answered,
		))
	}
	if t.Accepted+t.RemainingChecks > t.TotalChecks {
		panic(fmt.Errorf(
			"BUG: accepted (%d) + remaining (%d) exceeds total checks (%d)",
			t.Accepted, t.RemainingChecks, t.TotalChecks,
		))
	}
	if t.Accepted > t.Answered {
		panic(fmt.Errorf(
			"BUG: accepted (%d) exceeds answered checks (%d)", t.Accepted, t.Answered,
		))
	}
	if t.SettledChecks() != t.TotalChecks-t.RemainingChecks {
		panic(fmt.Errorf(
			"BUG: settled %d checks but %d remain of %d",
			t.SettledChecks(), t.RemainingChecks, t.TotalChecks,
		))
	}
}
