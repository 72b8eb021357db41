package leader

import (
	server "zableader.io/server"
	"zableader.io/server/wire"
)

// SessionHandle is the leader's view of a LearnerSession: enough surface
// to forward packets and tear the session down, without the leader
// package needing to import the learner package (spec.md §9's "cyclic
// references ... replace with ... indexed handles": sessions are owned by
// the acceptor/learner package, the leader holds handles keyed by sid).
type SessionHandle interface {
	Sid() server.ServerId
	Type() server.LearnerType
	// Send enqueues pkt on the session's outbound FIFO. Returns false if
	// the session's queue is closed (session already tearing down); the
	// leader treats that the same as a future session timeout.
	Send(pkt *wire.Packet) bool
	Close(reason error)
}
