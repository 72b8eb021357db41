// Package config holds the leader's Configuration and PeerView, the
// recognized options of spec.md §6.
package config

import (
	"time"

	server "zableader.io/server"
)

// Role is PeerView's role∈{PARTICIPANT, OBSERVER}, spec.md §3.
type Role = server.LearnerType

const (
	RoleParticipant = server.Participant
	RoleObserver    = server.Observer
)

// Peer describes one ensemble member's addresses and role.
type Peer struct {
	Sid            server.ServerId
	QuorumAddr     string
	ElectionAddr   string
	ClientAddr     string
	Role           Role
}

// PeerView is the mapping server-id -> Peer, plus my_id, updated only by
// ReconfigCoordinator on commit-and-activate (spec.md §3).
type PeerView struct {
	MyId  server.ServerId
	Peers map[server.ServerId]Peer
}

func NewPeerView(myId server.ServerId, peers []Peer) *PeerView {
	pv := &PeerView{MyId: myId, Peers: make(map[server.ServerId]Peer, len(peers))}
	for _, p := range peers {
		pv.Peers[p.Sid] = p
	}
	return pv
}

func (pv *PeerView) Clone() *PeerView {
	c := &PeerView{MyId: pv.MyId, Peers: make(map[server.ServerId]Peer, len(pv.Peers))}
	for sid, p := range pv.Peers {
		c.Peers[sid] = p
	}
	return c
}

func (pv *PeerView) Participants() server.ServerIdSet {
	s := make(server.ServerIdSet)
	for sid, p := range pv.Peers {
		if p.Role == RoleParticipant {
			s.Add(sid)
		}
	}
	return s
}

func (pv *PeerView) Observers() server.ServerIdSet {
	s := make(server.ServerIdSet)
	for sid, p := range pv.Peers {
		if p.Role == RoleObserver {
			s.Add(sid)
		}
	}
	return s
}

// Configuration is the recognized-options surface of spec.md §6.
type Configuration struct {
	// InitLimit and SyncLimit are in ticks; they are multiplied by
	// TickTime to obtain the deadlines of spec.md §4.5/§4.6.
	InitLimit int
	SyncLimit int
	TickTime  time.Duration

	ReconfigEnabled bool

	// LeaderNodelay sets TCP_NODELAY on learner sockets. Default true.
	LeaderNodelay bool

	// LeaderAckLoggingFrequency is the sample rate for ack-latency
	// measurement (the ack latency of 1 in N committed proposals is
	// sampled into the metrics histogram).
	LeaderAckLoggingFrequency int

	// LeaderMaxTimeToWaitForEpoch caps the epoch-agreement wait; -1
	// disables the cap (the voterDisloyalty fast-fail of spec.md §4.6
	// never fires).
	LeaderMaxTimeToWaitForEpoch time.Duration

	// TestingOnlyInitialZxid forces the low-32 bits of the first minted
	// zxid; QA only, per spec.md §6. Zero means "unset".
	TestingOnlyInitialZxid uint32

	// LeaderServes: whether the leader also accepts client sessions.
	// Default true. Nothing in this module reads it: neither the leader
	// core nor the cmd entrypoint starts a client-facing listener.
	LeaderServes bool

	// ListenOnAllIPs binds wildcard addresses instead of the configured
	// per-peer quorum address.
	ListenOnAllIPs bool
}

func (c Configuration) InitTimeout() time.Duration {
	return time.Duration(c.InitLimit) * c.TickTime
}

func (c Configuration) SyncTimeout() time.Duration {
	return time.Duration(c.SyncLimit) * c.TickTime
}

// Default returns the recognized options at their documented defaults.
func Default() Configuration {
	return Configuration{
		InitLimit:                   server.DefaultInitLimit,
		SyncLimit:                   server.DefaultSyncLimit,
		TickTime:                    server.DefaultTickTime,
		ReconfigEnabled:             false,
		LeaderNodelay:               true,
		LeaderAckLoggingFrequency:   1000,
		LeaderMaxTimeToWaitForEpoch: -1,
		LeaderServes:                true,
		ListenOnAllIPs:              false,
	}
}
