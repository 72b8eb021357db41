package leader

import (
	"time"

	server "zableader.io/server"
	"zableader.io/server/epoch"
	"zableader.io/server/proposal"
	"zableader.io/server/wire"
)

// epochGetBarrier implements getEpochToPropose (spec.md §4.6): tentative
// epoch plus the set of connecting participant sids.
type epochGetBarrier struct {
	barrier        *epoch.Barrier
	tentativeEpoch uint32
	waiters        []chan epochResult
	generation     uint64
	deadlineAt     time.Time
}

// epochAckBarrier implements waitForEpochAck: the set of electing sids.
type epochAckBarrier struct {
	barrier    *epoch.Barrier
	waiters    []chan error
	generation uint64
	bestSeen   wire.StateSummary
}

// StartEpochAgreement begins getEpochToPropose with this leader's own
// contribution, per "tracks a set connecting of participant sids
// (including self)". Must be called once, synchronously, by the code that
// promotes this peer to leader, before any LearnerSession is accepted.
func (l *Leader) StartEpochAgreement(selfAcceptedEpoch uint32) {
	done := make(chan epochResult, 1)
	l.enqueueQuery(msgEpochContribute{sid: l.self, lastAcceptedEpoch: selfAcceptedEpoch, result: done})
	// Startup contribution never blocks past the barrier's own deadline
	// logic; drain it but do not require resolution before returning,
	// mirroring the teacher's pattern of kicking off actor state with a
	// fire-and-forget enqueue.
	select {
	case <-done:
	default:
	}
}

// GetEpochToPropose is called by a LearnerSession once it has received
// FOLLOWERINFO/OBSERVERINFO, contributing the peer's last accepted epoch
// and blocking until the barrier resolves.
func (l *Leader) GetEpochToPropose(sid server.ServerId, lastAcceptedEpoch uint32) (uint32, error) {
	result := make(chan epochResult, 1)
	if !l.enqueueQuery(msgEpochContribute{sid: sid, lastAcceptedEpoch: lastAcceptedEpoch, result: result}) {
		return 0, server.ErrLeaderShuttingDown
	}
	r := <-result
	return r.epoch, r.err
}

func (l *Leader) handleEpochContribute(msg msgEpochContribute) {
	if l.getEpochBarrier == nil {
		l.barrierGeneration++
		b := &epochGetBarrier{
			barrier:        epoch.NewBarrier(l.verifier),
			tentativeEpoch: lastAcceptedEpoch(l.epoch) + 1,
			generation:     l.barrierGeneration,
			deadlineAt:     time.Now().Add(l.config.InitTimeout()),
		}
		l.getEpochBarrier = b
		l.scheduleEpochTimeout(b.generation, barrierGetEpoch, l.config.InitTimeout())
	}
	b := l.getEpochBarrier
	if b.barrier.Released() {
		msg.result <- epochResult{epoch: l.epoch, err: nil}
		return
	}
	if candidate := msg.lastAcceptedEpoch + 1; candidate > b.tentativeEpoch {
		b.tentativeEpoch = candidate
	}
	b.waiters = append(b.waiters, msg.result)
	satisfied := b.barrier.Contribute(msg.sid)
	if satisfied && b.barrier.Contributors().Contains(l.self) {
		l.freezeEpoch(b)
	}
}

func lastAcceptedEpoch(current uint32) uint32 { return current }

func (l *Leader) freezeEpoch(b *epochGetBarrier) {
	l.epoch = b.tentativeEpoch
	if l.collab.EpochStore != nil {
		if err := l.collab.EpochStore.SetAcceptedEpoch(l.epoch); err != nil {
			l.logger.Log("msg", "failed to persist accepted epoch", "error", err)
		}
	}
	b.barrier.MarkReleased()
	for _, ch := range b.waiters {
		ch <- epochResult{epoch: l.epoch, err: nil}
	}
	b.waiters = nil
}

// WaitForEpochAck is called by a LearnerSession once it has sent
// LEADERINFO and received ACKEPOCH, contributing the peer's StateSummary.
func (l *Leader) WaitForEpochAck(sid server.ServerId, summary wire.StateSummary) error {
	result := make(chan error, 1)
	if !l.enqueueQuery(msgEpochAck{sid: sid, summary: summary, result: result}) {
		return server.ErrLeaderShuttingDown
	}
	return <-result
}

func (l *Leader) handleEpochAck(msg msgEpochAck) {
	if l.epochAckBarrier == nil {
		l.barrierGeneration++
		b := &epochAckBarrier{
			barrier:    epoch.NewBarrier(l.verifier),
			generation: l.barrierGeneration,
			bestSeen:   wire.StateSummary{CurrentEpoch: l.epoch, LastZxid: l.lastCommitted},
		}
		l.epochAckBarrier = b
		l.scheduleEpochTimeout(b.generation, barrierEpochAck, l.config.InitTimeout())
	}
	b := l.epochAckBarrier
	if b.barrier.Released() {
		msg.result <- nil
		return
	}
	ownSummary := wire.StateSummary{CurrentEpoch: l.epoch, LastZxid: l.lastCommitted}
	if msg.summary.GreaterOrEqual(ownSummary) && !(msg.summary == ownSummary) {
		b.barrier.MarkReleased()
		l.releaseEpochAckWaiters(server.ErrFollowerAhead)
		msg.result <- server.ErrFollowerAhead
		return
	}
	b.waiters = append(b.waiters, msg.result)
	if satisfied := b.barrier.Contribute(msg.sid); satisfied {
		b.barrier.MarkReleased()
		l.beginNewLeaderProposal()
		l.releaseEpochAckWaiters(nil)
	}
}

func (l *Leader) releaseEpochAckWaiters(err error) {
	b := l.epochAckBarrier
	if b == nil {
		return
	}
	for _, ch := range b.waiters {
		ch <- err
	}
	b.waiters = nil
}

// WaitForNewLeaderAck is called once a LearnerSession receives ACK for the
// NEWLEADER zxid.
func (l *Leader) WaitForNewLeaderAck(sid server.ServerId, zxid server.Zxid) error {
	result := make(chan error, 1)
	if !l.enqueueQuery(msgNewLeaderAck{sid: sid, zxid: zxid, result: result}) {
		return server.ErrLeaderShuttingDown
	}
	return <-result
}

// handleNewLeaderAck records one ACK against the NEWLEADER proposal's
// tracker and, once the tracker satisfies every verifier, releases every
// LearnerSession blocked in waitForNewLeaderAck at once — they all
// observed the same quorum event, per spec.md §4.6.
func (l *Leader) handleNewLeaderAck(msg msgNewLeaderAck) {
	p := l.newLeaderProposal
	if p == nil || msg.zxid != p.Zxid {
		// ACKs with a zxid different from the NEWLEADER zxid are ignored;
		// nothing to wait for.
		msg.result <- nil
		return
	}
	p.Tracker.Ack(msg.sid)
	if p.Tracker.HasAllQuorums() {
		msg.result <- nil
		for _, ch := range l.newLeaderWaiters {
			ch <- nil
		}
		l.newLeaderWaiters = nil
		return
	}
	l.newLeaderWaiters = append(l.newLeaderWaiters, msg.result)
}

func (l *Leader) handleEpochTimeout(msg msgEpochTimeout) {
	switch msg.which {
	case barrierGetEpoch:
		b := l.getEpochBarrier
		if b == nil || b.generation != msg.generation || b.barrier.Released() {
			return
		}
		b.barrier.MarkReleased()
		for _, ch := range b.waiters {
			ch <- epochResult{err: server.ErrEpochTimeout}
		}
		b.waiters = nil
	case barrierEpochAck:
		b := l.epochAckBarrier
		if b == nil || b.generation != msg.generation || b.barrier.Released() {
			return
		}
		b.barrier.MarkReleased()
		l.releaseEpochAckWaiters(server.ErrEpochTimeout)
	case barrierNewLeaderAck:
		// waitForNewLeaderAck has no generic timeout in spec.md beyond
		// the surrounding initLimit window already covered by the
		// LearnerSession's own SYNCING deadline (spec.md §4.5); nothing
		// to do here.
	}
}

func (l *Leader) scheduleEpochTimeout(generation uint64, which barrierKind, after time.Duration) {
	if l.config.LeaderMaxTimeToWaitForEpoch > 0 && which == barrierGetEpoch && after > l.config.LeaderMaxTimeToWaitForEpoch {
		after = l.config.LeaderMaxTimeToWaitForEpoch
	}
	if err := l.wheel.ScheduleEventIn(after, func() {
		l.enqueueQuery(msgEpochTimeout{generation: generation, which: which})
	}); err != nil {
		l.logger.Log("msg", "failed to schedule epoch barrier timeout, falling back to time.AfterFunc", "error", err)
		time.AfterFunc(after, func() {
			l.enqueueQuery(msgEpochTimeout{generation: generation, which: which})
		})
	}
}

// VoterWentToElection implements the optional voterDisloyalty fast-fail of
// spec.md §4.6: a tracked voter returned to LOOKING while
// getEpochToPropose is still pending.
func (l *Leader) VoterWentToElection(sid server.ServerId) {
	l.enqueueQuery(msgVoterWentToElection{sid: sid, at: time.Now()})
}

func (l *Leader) handleVoterWentToElection(msg msgVoterWentToElection) {
	if l.config.LeaderMaxTimeToWaitForEpoch <= 0 {
		return
	}
	b := l.getEpochBarrier
	if b == nil || b.barrier.Released() {
		return
	}
	if !b.barrier.Contributors().Contains(msg.sid) {
		return
	}
	if time.Since(b.deadlineAt.Add(-l.config.InitTimeout())) <= l.config.LeaderMaxTimeToWaitForEpoch {
		return
	}
	b.barrier.MarkReleased()
	for _, ch := range b.waiters {
		ch <- epochResult{err: server.ErrEpochTimeout}
	}
	b.waiters = nil
}

// beginNewLeaderProposal mints the NEWLEADER zxid and installs its
// tracker, called once by handleEpochAck when the waitForEpochAck barrier
// is satisfied.
func (l *Leader) beginNewLeaderProposal() *proposal.Proposal {
	zxid := l.newLeaderZxid()
	p := proposal.New(proposal.PacketType(wire.NEWLEADER), zxid, nil, nil, false, l.verifier)
	l.newLeaderProposal = p
	return p
}
