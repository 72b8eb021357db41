package leader

import server "zableader.io/server"

// nextZxid implements ZxidAllocator (spec.md §4.1): mint the next zxid in
// the current epoch, or report rollover. Must only be called from the
// actor goroutine. The NEWLEADER announcement itself consumes the seed
// value (epoch<<32)|0 via newLeaderZxid below; every subsequent propose()
// call advances from there.
func (l *Leader) nextZxid() (server.Zxid, error) {
	if !l.proposedInit {
		l.lastProposed = server.MakeZxid(l.epoch, l.initialZxidCounter())
		l.proposedInit = true
	}
	next, rolledOver := l.lastProposed.Next()
	if rolledOver {
		return 0, server.ErrZxidRollover
	}
	l.lastProposed = next
	return next, nil
}

// newLeaderZxid is the seed zxid (epoch<<32)|initialZxidCounter() used for
// the NEWLEADER announcement, per spec.md §8 scenario 1. Calling it marks
// the allocator initialized so the first propose() call mints the next
// counter value.
func (l *Leader) newLeaderZxid() server.Zxid {
	l.lastProposed = server.MakeZxid(l.epoch, l.initialZxidCounter())
	l.proposedInit = true
	return l.lastProposed
}

// initialZxidCounter returns the low-32-bit counter the allocator seeds
// from: normally 0, or config.TestingOnlyInitialZxid when set, per spec.md
// §6's "testingonly.initialZxid" QA override.
func (l *Leader) initialZxidCounter() uint32 {
	if l.config.TestingOnlyInitialZxid != 0 {
		return l.config.TestingOnlyInitialZxid
	}
	return 0
}
