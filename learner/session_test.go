package learner_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	gokitlog "github.com/go-kit/kit/log"
	"github.com/stretchr/testify/require"

	server "zableader.io/server"
	"zableader.io/server/collab"
	"zableader.io/server/config"
	"zableader.io/server/leader"
	"zableader.io/server/learner"
	"zableader.io/server/quorum"
	"zableader.io/server/wire"
)

func votersSet(xs ...uint64) server.ServerIdSet {
	s := make(server.ServerIdSet, len(xs))
	for _, x := range xs {
		s.Add(server.ServerId(x))
	}
	return s
}

// learnerPeer drives one end of a learner's wire protocol: FOLLOWERINFO ->
// LEADERINFO -> ACKEPOCH -> sync packets -> NEWLEADER -> ACK -> UPTODATE ->
// ACK -> SERVING, matching spec.md §4.5's state machine in order.
type learnerPeer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	sid  server.ServerId
}

func newLearnerPeer(t *testing.T, conn net.Conn, sid server.ServerId) *learnerPeer {
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return &learnerPeer{t: t, conn: conn, r: bufio.NewReader(conn), sid: sid}
}

func (p *learnerPeer) send(pkt *wire.Packet) {
	require.NoError(p.t, pkt.WriteTo(p.conn))
}

func (p *learnerPeer) recv() *wire.Packet {
	pkt, err := wire.ReadFrom(p.r)
	require.NoError(p.t, err)
	return pkt
}

// runHandshake drives the peer through to SERVING and returns the
// NEWLEADER zxid it acked.
func (p *learnerPeer) runHandshake() server.Zxid {
	info := wire.LearnerInfo{Sid: p.sid, AcceptedEpoch: 0, Type: server.Participant, ProtocolVersion: wire.ProtocolVersion}
	p.send(&wire.Packet{Type: wire.FOLLOWERINFO, Payload: info.Encode()})

	leaderInfo := p.recv()
	require.Equal(p.t, wire.LEADERINFO, leaderInfo.Type)
	epoch, _, err := wire.DecodeLeaderInfo(leaderInfo.Payload)
	require.NoError(p.t, err)

	summary := wire.StateSummary{CurrentEpoch: epoch, LastZxid: 0}
	p.send(&wire.Packet{Type: wire.ACKEPOCH, Payload: summary.Encode()})

	// The leader's own last-committed zxid is 0 and the follower's summary
	// also reports 0: the sync strategy decision of spec.md §4.5 takes the
	// F==L branch, a plain DIFF at zxid 0, before NEWLEADER.
	diff := p.recv()
	require.Equal(p.t, wire.DIFF, diff.Type)

	newLeader := p.recv()
	require.Equal(p.t, wire.NEWLEADER, newLeader.Type)
	p.send(&wire.Packet{Type: wire.ACK, Zxid: newLeader.Zxid})

	uptodate := p.recv()
	require.Equal(p.t, wire.UPTODATE, uptodate.Type)
	p.send(&wire.Packet{Type: wire.ACK, Zxid: uptodate.Zxid})

	return newLeader.Zxid
}

func TestLearnerSessionReachesServingAndForwardsProposals(t *testing.T) {
	cfg := config.Default()
	cfg.TickTime = 50 * time.Millisecond

	peers := []config.Peer{
		{Sid: 1, Role: config.RoleParticipant},
		{Sid: 2, Role: config.RoleParticipant},
		{Sid: 3, Role: config.RoleParticipant},
	}
	pv := config.NewPeerView(server.ServerId(1), peers)
	verifier := quorum.NewMajorityVerifier(1, votersSet(1, 2, 3))

	txnLog := collab.NewInMemoryTransactionLog()
	state := collab.NewInMemoryReplicatedState()
	l := leader.New(server.ServerId(1), pv, verifier, cfg, leader.Collaborators{
		State:      state,
		EpochStore: collab.NewInMemoryEpochStore(),
		Log:        txnLog,
	}, nil, gokitlog.NewNopLogger())
	defer l.Shutdown(server.ErrLeaderShuttingDown)
	l.StartEpochAgreement(0)

	remote2, session2 := net.Pipe()
	defer remote2.Close()
	remote3, session3 := net.Pipe()
	defer remote3.Close()

	learner.NewSession(session2, l, txnLog, state, cfg, gokitlog.NewNopLogger())
	learner.NewSession(session3, l, txnLog, state, cfg, gokitlog.NewNopLogger())

	peer2 := newLearnerPeer(t, remote2, server.ServerId(2))
	peer3 := newLearnerPeer(t, remote3, server.ServerId(3))

	type result struct {
		zxid server.Zxid
	}
	results := make(chan result, 2)
	go func() { results <- result{zxid: peer2.runHandshake()} }()
	go func() { results <- result{zxid: peer3.runHandshake()} }()

	for i := 0; i < 2; i++ {
		select {
		case <-results:
		case <-time.After(5 * time.Second):
			t.Fatal("learner session(s) never completed the handshake up to SERVING")
		}
	}

	// Both sessions are now registered and synced; a fresh proposal must be
	// forwarded to both as PROPOSAL and, once both ACK, committed and
	// announced as COMMIT.
	zxid, err := l.Propose([]byte("hello"), nil, false)
	require.NoError(t, err)

	p2 := peer2.recv()
	require.Equal(t, wire.PROPOSAL, p2.Type)
	require.Equal(t, zxid, p2.Zxid)
	p3 := peer3.recv()
	require.Equal(t, wire.PROPOSAL, p3.Type)
	require.Equal(t, zxid, p3.Zxid)

	peer2.send(&wire.Packet{Type: wire.ACK, Zxid: zxid})
	peer3.send(&wire.Packet{Type: wire.ACK, Zxid: zxid})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && l.Snapshot().LastCommitted != zxid {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, zxid, l.Snapshot().LastCommitted)
}
