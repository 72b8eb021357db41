// Package epoch implements the contributor-set bookkeeping shared by
// getEpochToPropose and waitForEpochAck (spec.md §4.6): a set of
// contributing sids tested against a QuorumVerifier. waitForNewLeaderAck
// reuses proposal.AckQuorumTracker directly instead (the NEWLEADER
// announcement is itself an ordinary Proposal), so it has no counterpart
// here.
//
// Barrier holds no goroutines, timers, or reply channels of its own — the
// two barriers carry different result payloads (a decided epoch vs. a
// plain error) so the owning actor (leader.Leader) manages its own waiter
// lists and drives Contribute/MarkReleased from inside its single
// goroutine, keeping every blocking wait a message send on a reply channel
// rather than a condition variable, per the "cyclic references ... replace
// with explicit message channels" design note of spec.md §9.
package epoch

import (
	server "zableader.io/server"
	"zableader.io/server/quorum"
)

// Barrier accumulates contributing sids against a QuorumVerifier.
type Barrier struct {
	Verifier quorum.Verifier
	contribs server.ServerIdSet
	released bool
}

func NewBarrier(verifier quorum.Verifier) *Barrier {
	return &Barrier{Verifier: verifier, contribs: make(server.ServerIdSet)}
}

// Contribute adds sid to the contributing set and reports whether the set
// now satisfies the verifier.
func (b *Barrier) Contribute(sid server.ServerId) bool {
	b.contribs.Add(sid)
	return b.Verifier.ContainsQuorum(b.contribs)
}

func (b *Barrier) Contributors() server.ServerIdSet { return b.contribs.Clone() }

// Released reports whether MarkReleased has already fired; set by the
// owner once it has resolved every waiter, so a stale timer or a
// redundant contribution becomes a no-op.
func (b *Barrier) Released() bool { return b.released }

func (b *Barrier) MarkReleased() { b.released = true }
