package leader

import (
	"sort"

	server "zableader.io/server"
	"zableader.io/server/config"
	"zableader.io/server/proposal"
	"zableader.io/server/quorum"
	"zableader.io/server/wire"
)

// ReconfigMeta is the RequestMeta carried by a reconfig Proposal: the new
// voting configuration to install on commit, per spec.md §4.8. Computing a
// Verifier/PeerView from a leave/joining request is a ReplicatedState-side
// concern (it needs the full config-tree semantics out of scope here, per
// spec.md §1); the leader only consumes the result.
type ReconfigMeta struct {
	FromConfigVersion uint64
	NewVerifier       quorum.Verifier
	NewPeers          map[server.ServerId]config.Peer
	// Remove lists sids to drop from PeerView entirely (the "leave" set).
	Remove []server.ServerId
	// Payload is the opaque observer-facing reconfig payload forwarded
	// verbatim in INFORMANDACTIVATE.
	Payload []byte
}

// ProposeReconfig implements the caller-facing surface of
// ReconfigCoordinator: validate, then propose. Rejections are the
// ReconfigInProgress / BadVersion / NewConfigNoQuorum errors of spec.md §7.
func (l *Leader) ProposeReconfig(meta ReconfigMeta) (server.Zxid, error) {
	result := make(chan proposeResult, 1)
	if !l.enqueueQuery(msgProposeReconfig{meta: meta, result: result}) {
		return 0, server.ErrLeaderShuttingDown
	}
	r := <-result
	return r.zxid, r.err
}

type msgProposeReconfig struct {
	meta   ReconfigMeta
	result chan proposeResult
}

func (msgProposeReconfig) witnessLeaderMsg() {}

func (l *Leader) handleProposeReconfig(msg msgProposeReconfig) {
	if !l.config.ReconfigEnabled {
		msg.result <- proposeResult{err: server.ErrReconfigInProgress}
		return
	}
	if l.pendingVerifier != nil {
		msg.result <- proposeResult{err: server.ErrReconfigInProgress}
		return
	}
	if msg.meta.FromConfigVersion != l.verifier.Version() {
		msg.result <- proposeResult{err: server.ErrBadVersion}
		return
	}
	if !msg.meta.NewVerifier.ContainsQuorum(l.connectedLearnerIds()) {
		msg.result <- proposeResult{err: server.ErrNewConfigNoQuorum}
		return
	}

	l.pendingVerifier = msg.meta.NewVerifier
	zxid, err := l.nextZxid()
	if err != nil {
		l.pendingVerifier = nil
		msg.result <- proposeResult{err: err}
		l.enqueueQuery(msgShutdown{reason: err})
		return
	}
	p := proposal.New(proposal.PacketType(wire.PROPOSAL), zxid, msg.meta.Payload, msg.meta, true, l.verifier)
	p.Tracker.AddPendingVerifier(l.pendingVerifier)
	l.outstanding.Insert(p)
	l.broadcast(wire.PROPOSAL, zxid, msg.meta.Payload, l.forwardingParticipants())
	msg.result <- proposeResult{zxid: zxid}
}

func (l *Leader) connectedLearnerIds() server.ServerIdSet {
	out := make(server.ServerIdSet, len(l.sessions)+1)
	out.Add(l.self)
	for sid := range l.sessions {
		out.Add(sid)
	}
	return out
}

// commitReconfig implements ReconfigCoordinator's on-commit behavior,
// spec.md §4.8.
func (l *Leader) commitReconfig(p *proposal.Proposal) {
	meta, ok := p.RequestMeta.(ReconfigMeta)
	if !ok {
		l.logger.Log("msg", "reconfig proposal committed with malformed meta", "zxid", p.Zxid)
		return
	}

	designated := l.selectDesignatedLeader(p.Zxid, meta)

	l.verifier = meta.NewVerifier
	l.pendingVerifier = nil
	for sid, peer := range meta.NewPeers {
		l.peers.Peers[sid] = peer
	}
	removed := make(server.ServerIdSet, len(meta.Remove))
	for _, sid := range meta.Remove {
		delete(l.peers.Peers, sid)
		removed.Add(sid)
	}

	if designated != l.self {
		l.allowedToCommit = false
	}

	payload := wire.ReconfigCommitPayload{DesignatedLeader: designated}.Encode()
	l.broadcastReconfigCommit(wire.COMMITANDACTIVATE, p.Zxid, payload, l.forwardingParticipants())
	l.broadcastReconfigCommit(wire.INFORMANDACTIVATE, p.Zxid, append(payload, meta.Payload...), l.observingLearners())

	for sid := range removed {
		if session, found := l.sessions[sid]; found {
			session.Close(server.ErrLearnerIOError)
			delete(l.sessions, sid)
			l.synced.Remove(sid)
		}
	}
}

func (l *Leader) broadcastReconfigCommit(t wire.PacketType, zxid server.Zxid, payload []byte, targets server.ServerIdSet) {
	for sid := range targets {
		session, found := l.sessions[sid]
		if !found {
			continue
		}
		session.Send(&wire.Packet{Type: t, Zxid: zxid, Payload: payload})
	}
}

// selectDesignatedLeader implements spec.md §4.8 step 1 and resolves the
// "gap in the walk" open question of spec.md §9: the walk over
// outstanding proposals from zxid+1 upward stops at the first zxid with no
// corresponding OutstandingTable entry, rather than guessing past a gap.
func (l *Leader) selectDesignatedLeader(reconfigZxid server.Zxid, meta ReconfigMeta) server.ServerId {
	newVoters := meta.NewVerifier.Voters()
	if newVoters.Contains(l.self) {
		if peer, found := l.peers.Peers[l.self]; found {
			if newPeer, stillSame := meta.NewPeers[l.self]; !stillSame || newPeer.QuorumAddr == peer.QuorumAddr {
				return l.self
			}
		} else {
			return l.self
		}
	}

	candidates := newVoters.Clone()
	next := reconfigZxid
	for {
		var rolledOver bool
		next, rolledOver = next.Next()
		if rolledOver {
			break
		}
		p, found := l.outstanding.Lookup(next)
		if !found {
			break // first gap: stop the walk, per the resolved open question.
		}
		ackedCandidates := make(server.ServerIdSet)
		for _, pair := range p.Tracker.Pairs {
			for sid := range pair.Ackset {
				if candidates.Contains(sid) {
					ackedCandidates.Add(sid)
				}
			}
		}
		if len(ackedCandidates) == 0 {
			break
		}
		candidates = ackedCandidates
	}

	return firstByDeterministicOrder(candidates)
}

func firstByDeterministicOrder(ids server.ServerIdSet) server.ServerId {
	sorted := make([]server.ServerId, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) == 0 {
		return 0
	}
	return sorted[0]
}
