// Package collab declares the collaborator interfaces the leader consumes
// (spec.md §6) — data-tree semantics, persistence, learner authentication
// and election hand-off are all out of scope for the leader itself and are
// named here only by the contract the leader relies on.
package collab

import (
	"context"
	"crypto/tls"
	"time"

	server "zableader.io/server"
)

// ReplicatedState is the data-tree the leader drives via ordered commits.
// It has its own concurrency discipline; the leader only submits ordered
// requests to it (spec.md §5).
type ReplicatedState interface {
	LoadData() error
	LastProcessedZxid() server.Zxid
	SubmitRequest(req []byte) error
	TouchSession(sid server.ServerId, timeout time.Duration) error
	CheckIfValidGlobalSession(sid server.ServerId, timeout time.Duration) bool
	// SnapshotStream returns a reader over a full snapshot of the
	// replicated state, for the SNAP sync strategy of spec.md §4.5.
	SnapshotStream(ctx context.Context) (SnapshotReader, error)
}

// SnapshotReader streams snapshot bytes; Close releases any underlying
// resource once the SNAP transfer completes or aborts.
type SnapshotReader interface {
	Read(p []byte) (int, error)
	Close() error
}

// AcceptedEpochStore persists the epoch this server most recently accepted,
// across restarts (spec.md §6).
type AcceptedEpochStore interface {
	GetAcceptedEpoch() (uint32, error)
	SetAcceptedEpoch(epoch uint32) error
}

// TransactionLog exposes the replayable committed tail used by the SYNCING
// sync-strategy decision of spec.md §4.5.
type TransactionLog interface {
	MinCommittedLog() server.Zxid
	MaxCommittedLog() server.Zxid
	// Iterate yields every committed proposal with zxid in
	// (exclusive, inclusive].
	Iterate(exclusive, inclusive server.Zxid) ([]LoggedProposal, error)
}

// LoggedProposal is one replayable committed record.
type LoggedProposal struct {
	Zxid    server.Zxid
	Payload []byte
}

// QuorumAuthServer authenticates an incoming learner connection, given its
// TLS connection state, and returns the authenticated sid.
type QuorumAuthServer interface {
	Authenticate(conn *tls.Conn) (server.ServerId, error)
}

// ElectionDriver is invoked on leader shutdown so the peer re-enters
// LOOKING (spec.md §6).
type ElectionDriver interface {
	LeaderShutdown(reason error)
}
