package learner

import (
	"context"

	server "zableader.io/server"
	"zableader.io/server/wire"
)

// performSync implements the SYNCING sync-strategy decision of spec.md
// §4.5: DIFF, TRUNC, or SNAP depending on how the follower's last-zxid
// relates to the leader's committed window.
func (s *LearnerSession) performSync() {
	snap := s.leader.Snapshot()
	L := snap.LastCommitted
	F := s.remoteSummary.LastZxid
	minLog := s.txnLog.MinCommittedLog()

	switch {
	case F == L:
		s.Send(&wire.Packet{Type: wire.DIFF, Zxid: L})
	case F <= L && F >= minLog:
		s.Send(&wire.Packet{Type: wire.DIFF, Zxid: L})
		records, err := s.txnLog.Iterate(F, L)
		if err != nil {
			s.logger.Log("msg", "failed to iterate committed log for DIFF replay", "sid", s.sid, "error", err)
		}
		for _, rec := range records {
			s.Send(&wire.Packet{Type: wire.PROPOSAL, Zxid: rec.Zxid, Payload: rec.Payload})
			s.Send(&wire.Packet{Type: wire.COMMIT, Zxid: rec.Zxid})
		}
	case F > L:
		// The follower holds proposals this leader never committed (it
		// served a prior, now-abandoned epoch). The divergence point
		// cannot be determined without walking the follower's own log,
		// which is out of scope for the leader (spec.md §1); truncating
		// to the leader's own last-committed zxid is always safe since
		// every zxid beyond it cannot have reached quorum under this
		// epoch.
		s.Send(&wire.Packet{Type: wire.TRUNC, Zxid: L})
	default:
		s.sendSnapshot(L)
	}

	s.newLeaderZxid = server.MakeZxid(snap.Epoch, 0)
	s.Send(&wire.Packet{Type: wire.NEWLEADER, Zxid: s.newLeaderZxid})
}

func (s *LearnerSession) sendSnapshot(at server.Zxid) {
	if s.state == nil {
		s.Send(&wire.Packet{Type: wire.SNAP, Zxid: at})
		return
	}
	stream, err := s.state.SnapshotStream(context.Background())
	if err != nil {
		s.logger.Log("msg", "failed to open snapshot stream", "sid", s.sid, "error", err)
		s.Send(&wire.Packet{Type: wire.SNAP, Zxid: at})
		return
	}
	defer stream.Close()
	buf := make([]byte, 64*1024)
	first := true
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			pkt := &wire.Packet{Type: wire.SNAP, Zxid: at, Payload: append([]byte(nil), buf[:n]...)}
			s.Send(pkt)
			first = false
		}
		if err != nil {
			break
		}
	}
	if first {
		// empty snapshot: still emit one SNAP frame so the follower has a
		// definite marker to transition on.
		s.Send(&wire.Packet{Type: wire.SNAP, Zxid: at})
	}
}
