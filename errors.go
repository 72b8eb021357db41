package server

import "errors"

// Error taxonomy from spec.md §7. Sentinel values are wrapped with %w at
// the call site so callers can recover the kind with errors.Is while the
// message carries instance detail, the idiomatic replacement for the
// teacher's string-compared error values.
var (
	// ErrBindFailure is fatal at startup: propagated to the election driver.
	ErrBindFailure = errors.New("bind failure")

	// ErrFollowerAhead is fatal for the leader role during epoch ack:
	// triggers re-election.
	ErrFollowerAhead = errors.New("follower ahead of leader")

	// ErrEpochTimeout is fatal for the leader role: re-election.
	ErrEpochTimeout = errors.New("epoch agreement timed out")

	// ErrQuorumLost is raised by the TickLoop when the synced set no
	// longer satisfies the active verifier(s).
	ErrQuorumLost = errors.New("quorum lost")

	// ErrZxidRollover is raised when the low 32 bits of a zxid would
	// saturate; the leader shuts down and a fresh epoch is required.
	ErrZxidRollover = errors.New("zxid counter rollover")

	// ErrLearnerIOError closes one session only; the acceptor and peer
	// sessions continue.
	ErrLearnerIOError = errors.New("learner i/o error")

	// ErrReconfigInProgress rejects a new reconfig proposal while one is
	// already outstanding.
	ErrReconfigInProgress = errors.New("reconfiguration already in progress")

	// ErrBadVersion rejects a reconfig whose fromConfig does not match
	// the current configuration version.
	ErrBadVersion = errors.New("reconfiguration fromConfig version mismatch")

	// ErrNewConfigNoQuorum rejects a reconfig whose resulting
	// configuration cannot presently form a quorum from connected
	// learners.
	ErrNewConfigNoQuorum = errors.New("new configuration cannot form quorum")

	// ErrLeaderShuttingDown is returned to callers whose request can no
	// longer reach the leader because it has shut down. Waiters already
	// blocked in an epoch barrier at shutdown receive the shutdown reason
	// instead.
	ErrLeaderShuttingDown = errors.New("leader shutting down")

	// ErrThrottled is returned by propose() once the pipeline refuses new
	// proposals, which happens for good after a reconfig designates a
	// leader other than this one.
	ErrThrottled = errors.New("proposal pipeline throttled")
)
