package leader

import (
	"time"

	server "zableader.io/server"
	"zableader.io/server/collab"
	"zableader.io/server/proposal"
	"zableader.io/server/wire"
)

// Propose implements propose(request) of spec.md §4.7. isReconfig marks a
// reconfig request for ReconfigCoordinator's attention on commit.
func (l *Leader) Propose(payload []byte, meta interface{}, isReconfig bool) (server.Zxid, error) {
	result := make(chan proposeResult, 1)
	if !l.enqueueQuery(msgPropose{payload: payload, meta: meta, isReconfig: isReconfig, result: result}) {
		return 0, server.ErrLeaderShuttingDown
	}
	r := <-result
	return r.zxid, r.err
}

func (l *Leader) handlePropose(msg msgPropose) {
	if !l.allowedToCommit {
		msg.result <- proposeResult{err: server.ErrThrottled}
		return
	}
	zxid, err := l.nextZxid()
	if err != nil {
		msg.result <- proposeResult{err: err}
		l.enqueueQuery(msgShutdown{reason: err})
		return
	}
	p := proposal.New(proposal.PacketType(wire.PROPOSAL), zxid, msg.payload, msg.meta, msg.isReconfig, l.verifier)
	if l.pendingVerifier != nil {
		p.Tracker.AddPendingVerifier(l.pendingVerifier)
	}
	l.outstanding.Insert(p)
	l.ackProposedAt[zxid] = time.Now()
	if l.metrics != nil {
		l.metrics.OutstandingGauge.Set(float64(l.outstanding.Len()))
	}
	l.broadcast(wire.PROPOSAL, zxid, msg.payload, l.forwardingParticipants())
	msg.result <- proposeResult{zxid: zxid}
}

// ProcessAck implements processAck(sid, zxid, peerAddr) of spec.md §4.7.
func (l *Leader) ProcessAck(sid server.ServerId, zxid server.Zxid) {
	l.enqueueQuery(msgProcessAck{sid: sid, zxid: zxid})
}

func (l *Leader) processAck(sid server.ServerId, zxid server.Zxid) {
	if !l.allowedToCommit {
		return
	}
	if zxid.Counter() == 0 {
		// NEWLEADER ack handled by WaitForNewLeaderAck, not here.
		return
	}
	if zxid <= l.lastCommitted {
		return // already committed: idempotent no-op.
	}
	p, found := l.outstanding.Lookup(zxid)
	if !found {
		return
	}
	p.Tracker.Ack(sid)
	l.tryToCommit(p)
}

// tryToCommit implements spec.md §4.7's strict in-order commit check plus
// quorum gating.
func (l *Leader) tryToCommit(p *proposal.Proposal) bool {
	if prevZxid, rolledOver := prevInEpoch(p.Zxid); !rolledOver && l.outstanding.Contains(prevZxid) {
		return false
	}
	if !p.Tracker.HasAllQuorums() {
		return false
	}

	l.outstanding.Remove(p.Zxid)
	l.persistCommit(p)
	l.lastCommitted = p.Zxid
	if l.metrics != nil {
		l.metrics.OutstandingGauge.Set(float64(l.outstanding.Len()))
		if proposedAt, ok := l.ackProposedAt[p.Zxid]; ok {
			delete(l.ackProposedAt, p.Zxid)
			l.ackLoggingCounter++
			freq := l.config.LeaderAckLoggingFrequency
			if freq <= 0 || l.ackLoggingCounter%freq == 0 {
				l.metrics.AckLatency.Observe(time.Since(proposedAt).Seconds())
			}
		}
	}

	if p.IsReconfig {
		l.commitReconfig(p)
	} else {
		l.broadcast(wire.COMMIT, p.Zxid, nil, l.forwardingParticipants())
		l.broadcast(wire.INFORM, p.Zxid, nil, l.observingLearners())
	}

	for _, notify := range l.pendingSync[p.Zxid] {
		notify <- p.Zxid
		close(notify)
	}
	delete(l.pendingSync, p.Zxid)

	// later proposals may already hold their quorum but have been held back
	// by the in-order check, and after a reconfig their verifiers may now
	// be satisfiable; walk forward.
	l.retryLaterCommits(p.Zxid)
	return true
}

// persistCommit hands the now-committed proposal's durable side effects —
// appending it to the replayable TransactionLog and submitting it to the
// replicated state — off to l.executor, the same "push blocking I/O off the
// actor goroutine, preserve order via a single worker" idiom the teacher
// uses for disk writes in paxos/acceptordispatcher.go. The single executor
// processes work FIFO, so commit order survives the hand-off without the
// actor needing to wait for it.
func (l *Leader) persistCommit(p *proposal.Proposal) {
	if l.collab.Log == nil && l.collab.State == nil {
		return
	}
	zxid, payload, logger := p.Zxid, p.Payload, l.logger
	logStore, state := l.collab.Log, l.collab.State
	l.executor.Enqueue(func() {
		if logStore != nil {
			logStore.Append(collab.LoggedProposal{Zxid: zxid, Payload: payload})
		}
		if state != nil && len(payload) > 0 {
			if err := state.SubmitRequest(payload); err != nil {
				logger.Log("msg", "failed to submit committed request to replicated state", "zxid", zxid, "error", err)
			}
		}
	})
}

// prevInEpoch returns zxid-1 within the same epoch, and whether that would
// underflow the counter (zxid was already at counter 0, i.e. NEWLEADER).
func prevInEpoch(zxid server.Zxid) (server.Zxid, bool) {
	if zxid.Counter() == 0 {
		return 0, true
	}
	return server.MakeZxid(zxid.Epoch(), zxid.Counter()-1), false
}

// retryLaterCommits re-attempts tryToCommit over every zxid greater than
// from still in the OutstandingTable, in order, stopping at the first one
// that cannot commit. tryToCommit runs it after every commit.
func (l *Leader) retryLaterCommits(from server.Zxid) {
	for {
		next, found := l.outstanding.Oldest()
		if !found || next.Zxid <= from {
			return
		}
		if !l.tryToCommit(next) {
			return
		}
	}
}

func (l *Leader) broadcast(t wire.PacketType, zxid server.Zxid, payload []byte, targets server.ServerIdSet) {
	for sid := range targets {
		session, found := l.sessions[sid]
		if !found {
			continue
		}
		session.Send(&wire.Packet{Type: t, Zxid: zxid, Payload: payload})
	}
}

func (l *Leader) forwardingParticipants() server.ServerIdSet {
	out := make(server.ServerIdSet)
	for sid, session := range l.sessions {
		if session.Type() == server.Participant && l.synced.Contains(sid) {
			out.Add(sid)
		}
	}
	return out
}

func (l *Leader) observingLearners() server.ServerIdSet {
	out := make(server.ServerIdSet)
	for sid, session := range l.sessions {
		if session.Type() == server.Observer && l.synced.Contains(sid) {
			out.Add(sid)
		}
	}
	return out
}

// RegisterSession admits a LearnerSession once it reaches SERVING. It is
// the pipeline's side of spec.md §3's "exactly one LearnerSession exists
// per remote-sid" invariant.
func (l *Leader) RegisterSession(sid server.ServerId, kind server.LearnerType, handle SessionHandle) error {
	done := make(chan error, 1)
	if !l.enqueueQuery(msgRegisterSession{sid: sid, kind: kind, session: handle, done: done}) {
		return server.ErrLeaderShuttingDown
	}
	return <-done
}

func (l *Leader) registerSession(msg msgRegisterSession) {
	if existing, found := l.sessions[msg.sid]; found {
		existing.Close(server.ErrLearnerIOError)
	}
	l.sessions[msg.sid] = msg.session
	msg.done <- nil
}

func (l *Leader) UnregisterSession(sid server.ServerId) {
	l.enqueueQuery(msgUnregisterSession{sid: sid})
}

func (l *Leader) unregisterSession(sid server.ServerId) {
	delete(l.sessions, sid)
	l.synced.Remove(sid)
}

// MarkSynced flips the session's membership in the synced forwarding set,
// consumed by TickLoop's quorum-health check and by the forwarding
// participant/observer sets above.
func (l *Leader) MarkSynced(sid server.ServerId, synced bool) {
	l.enqueueQuery(msgMarkSynced{sid: sid, synced: synced})
}

func (l *Leader) markSynced(sid server.ServerId, synced bool) {
	if synced {
		l.synced.Add(sid)
	} else {
		l.synced.Remove(sid)
	}
}

// RequestSync implements the /sync reply-forwarding path: a LearnerSession
// asks to be notified once atZxid commits, per spec.md §4.7's
// "pendingSyncs[zxid]".
func (l *Leader) RequestSync(atZxid server.Zxid) <-chan server.Zxid {
	notify := make(chan server.Zxid, 1)
	if !l.enqueueQuery(msgSyncRequest{atZxid: atZxid, notify: notify}) {
		close(notify)
	}
	return notify
}

func (l *Leader) handleSyncRequest(msg msgSyncRequest) {
	if msg.atZxid <= l.lastCommitted {
		msg.notify <- msg.atZxid
		close(msg.notify)
		return
	}
	l.pendingSync[msg.atZxid] = append(l.pendingSync[msg.atZxid], msg.notify)
}
