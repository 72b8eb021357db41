package leader

import server "zableader.io/server"

// LeaderSnapshot is the point-in-time read of leader state a LearnerSession
// needs to compute its sync strategy (spec.md §4.5): L, bracketed by the
// TransactionLog's own min/max committed log which the session reads
// directly from the collaborator.
type LeaderSnapshot struct {
	Epoch         uint32
	LastCommitted server.Zxid
}

type msgSnapshot struct{ result chan LeaderSnapshot }

func (msgSnapshot) witnessLeaderMsg() {}

// Snapshot returns the leader's current epoch and last-committed zxid.
func (l *Leader) Snapshot() LeaderSnapshot {
	result := make(chan LeaderSnapshot, 1)
	if !l.enqueueQuery(msgSnapshot{result: result}) {
		return LeaderSnapshot{}
	}
	return <-result
}
