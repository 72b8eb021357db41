package leader

import (
	"time"

	server "zableader.io/server"
	"zableader.io/server/wire"
)

func pingPacket() *wire.Packet {
	return &wire.Packet{Type: wire.PING}
}

// StartTickLoop begins the periodic quorum-health check of spec.md §4.9:
// every tickTime/2, enqueue a tick message; every other tick advances the
// logical counter. The repeating deadline is scheduled on l.wheel
// (teacher's gotimerwheel, txnengine/varmanager.go) rather than a bare
// time.Ticker: each firing re-arms itself, the same self-rescheduling
// shape the teacher's VarManager uses for its own periodic callbacks.
// Returns a stop function.
func (l *Leader) StartTickLoop() (stop func()) {
	period := l.config.TickTime / server.TickHalfPeriodDivisor
	if period <= 0 {
		period = time.Millisecond
	}
	stopped := make(chan struct{})
	var arm func()
	arm = func() {
		select {
		case <-stopped:
			return
		default:
		}
		_ = l.wheel.ScheduleEventIn(period, func() {
			l.enqueueQuery(msgTick{})
			arm()
		})
	}
	arm()
	return func() { close(stopped) }
}

// onTick runs under the actor goroutine, i.e. under the leader lock, per
// spec.md §4.9.
func (l *Leader) onTick() {
	// Ticks fire every tickTime/2 (line 22 above); only every other firing
	// advances the logical counter, so it still tracks whole tickTime
	// units, per spec.md §4.9.
	if !l.tickSkip {
		l.tickCounter++
	}
	l.tickSkip = !l.tickSkip

	synced := l.synced.Clone()
	synced.Add(l.self)

	healthy := l.verifier.ContainsQuorum(synced)
	if healthy && l.pendingVerifier != nil {
		healthy = l.pendingVerifier.ContainsQuorum(synced)
	}
	if l.metrics != nil {
		if healthy {
			l.metrics.QuorumHealthy.Set(1)
		} else {
			l.metrics.QuorumHealthy.Set(0)
		}
	}
	if !healthy {
		l.enqueueQuery(msgShutdown{reason: server.ErrQuorumLost})
		return
	}

	// Ping every session outside the lock: fire-and-forget enqueues onto
	// each session's own outbound FIFO, which the leader does not wait
	// on, per spec.md §4.9 ("Then ping every LearnerSession outside the
	// lock").
	for _, session := range l.sessions {
		go func(s SessionHandle) {
			s.Send(pingPacket())
		}(session)
	}
}
