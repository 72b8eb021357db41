package leader

import (
	"time"

	server "zableader.io/server"
	"zableader.io/server/status"
	"zableader.io/server/wire"
)

// leaderMsg is the mailbox message set of the Leader actor, following the
// teacher's connectionManagerMsg pattern (network/connectionmanager.go):
// an unexported interface with a witness method so only this package can
// construct messages, dispatched by type switch in actorLoop.
type leaderMsg interface {
	witnessLeaderMsg()
}

type msgShutdown struct{ reason error }

func (msgShutdown) witnessLeaderMsg() {}

type msgStatus struct{ sc *status.StatusConsumer }

func (msgStatus) witnessLeaderMsg() {}

type msgTick struct{}

func (msgTick) witnessLeaderMsg() {}

// msgRegisterSession admits sid into the leader's bookkeeping once its
// LearnerSession reaches SERVING, per spec.md §4.5/§5.
type msgRegisterSession struct {
	sid     server.ServerId
	kind    server.LearnerType
	session SessionHandle
	done    chan error
}

func (msgRegisterSession) witnessLeaderMsg() {}

type msgUnregisterSession struct {
	sid server.ServerId
}

func (msgUnregisterSession) witnessLeaderMsg() {}

type msgMarkSynced struct {
	sid    server.ServerId
	synced bool
}

func (msgMarkSynced) witnessLeaderMsg() {}

// msgEpochContribute implements one call to getEpochToPropose.
type msgEpochContribute struct {
	sid               server.ServerId
	lastAcceptedEpoch uint32
	result            chan epochResult
}

func (msgEpochContribute) witnessLeaderMsg() {}

type epochResult struct {
	epoch uint32
	err   error
}

// msgEpochAck implements one call to waitForEpochAck.
type msgEpochAck struct {
	sid     server.ServerId
	summary wire.StateSummary
	result  chan error
}

func (msgEpochAck) witnessLeaderMsg() {}

// msgNewLeaderAck implements one call to waitForNewLeaderAck.
type msgNewLeaderAck struct {
	sid    server.ServerId
	zxid   server.Zxid
	result chan error
}

func (msgNewLeaderAck) witnessLeaderMsg() {}

// msgEpochTimeout fires when a barrier's deadline elapses; it carries the
// barrier generation so a stale timer (from an already-released barrier)
// is a no-op.
type msgEpochTimeout struct {
	generation uint64
	which      barrierKind
}

func (msgEpochTimeout) witnessLeaderMsg() {}

type barrierKind int

const (
	barrierGetEpoch barrierKind = iota
	barrierEpochAck
	barrierNewLeaderAck
)

type msgPropose struct {
	payload    []byte
	meta       interface{}
	isReconfig bool
	result     chan proposeResult
}

func (msgPropose) witnessLeaderMsg() {}

type proposeResult struct {
	zxid server.Zxid
	err  error
}

type msgProcessAck struct {
	sid  server.ServerId
	zxid server.Zxid
}

func (msgProcessAck) witnessLeaderMsg() {}

type msgSyncRequest struct {
	atZxid server.Zxid
	notify chan server.Zxid
}

func (msgSyncRequest) witnessLeaderMsg() {}

// voterDisloyalty fast-fail bookkeeping (spec.md §4.6): a tracked voter
// returning to election before the barrier has resolved.
type msgVoterWentToElection struct {
	sid server.ServerId
	at  time.Time
}

func (msgVoterWentToElection) witnessLeaderMsg() {}
