// Package learner implements LearnerConnectionAcceptor and LearnerSession
// (spec.md §4.4, §4.5): the TCP acceptance surface and the per-follower
// protocol state machine. The state-machine shape — a small set of named
// states, a single goroutine draining a typed mailbox, helper goroutines
// re-enqueueing their own events (reader, watchdog) — is adapted from the
// teacher's network/connection.go Connection, simplified from its nested
// state-component-struct style to a single struct with an explicit state
// field: LearnerSession has five working states plus a terminal CLOSED,
// and none of them recurse into dial/redial bookkeeping, so the extra
// indirection the teacher needs for its dial/backoff cycle is not earned
// here.
package learner

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	gokitlog "github.com/go-kit/kit/log"

	server "zableader.io/server"
	"zableader.io/server/collab"
	"zableader.io/server/config"
	"zableader.io/server/leader"
	"zableader.io/server/wire"
)

type sessionState int

const (
	stateReadingInfo sessionState = iota
	stateSentLeaderInfo
	stateSyncing
	stateUptodateWait
	stateServing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateReadingInfo:
		return "READING_INFO"
	case stateSentLeaderInfo:
		return "SENT_LEADERINFO"
	case stateSyncing:
		return "SYNCING"
	case stateUptodateWait:
		return "UPTODATE_WAIT"
	case stateServing:
		return "SERVING"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// sessionMsg is the per-session mailbox message set.
type sessionMsg interface{ witnessSessionMsg() }

type msgInboundPacket struct{ pkt *wire.Packet }

func (msgInboundPacket) witnessSessionMsg() {}

type msgIOError struct{ err error }

func (msgIOError) witnessSessionMsg() {}

type msgEpochDecided struct {
	epoch uint32
	err   error
}

func (msgEpochDecided) witnessSessionMsg() {}

type msgEpochAckDecided struct{ err error }

func (msgEpochAckDecided) witnessSessionMsg() {}

type msgNewLeaderAckDecided struct{ err error }

func (msgNewLeaderAckDecided) witnessSessionMsg() {}

type msgDeadlineCheck struct{}

func (msgDeadlineCheck) witnessSessionMsg() {}

type msgClose struct{ reason error }

func (msgClose) witnessSessionMsg() {}

// LearnerSession is the per-follower/observer protocol handler of
// spec.md §4.5.
type LearnerSession struct {
	leader *leader.Leader
	txnLog collab.TransactionLog
	state  collab.ReplicatedState
	cfg    config.Configuration
	logger gokitlog.Logger

	conn   net.Conn
	reader *bufio.Reader

	mailbox chan sessionMsg
	outbox  chan *wire.Packet

	sid  server.ServerId
	kind server.LearnerType

	epoch          uint32
	remoteSummary  wire.StateSummary
	newLeaderZxid  server.Zxid
	lastAckedZxid  server.Zxid

	curState sessionState
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession constructs and starts a LearnerSession over an established
// connection. When TLS is configured, the caller (LearnerConnectionAcceptor)
// has already run the TLS handshake and authentication; otherwise conn is
// the plain accepted socket. The protocol state machine begins at
// READING_INFO.
func NewSession(conn net.Conn, l *leader.Leader, txnLog collab.TransactionLog, state collab.ReplicatedState, cfg config.Configuration, logger gokitlog.Logger) *LearnerSession {
	s := &LearnerSession{
		leader:   l,
		txnLog:   txnLog,
		state:    state,
		cfg:      cfg,
		logger:   logger,
		conn:     conn,
		reader:   bufio.NewReader(conn),
		mailbox:  make(chan sessionMsg, 64),
		outbox:   make(chan *wire.Packet, 256),
		curState: stateReadingInfo,
		closed:   make(chan struct{}),
	}
	s.touch(cfg.InitTimeout())
	go s.readLoop()
	go s.writeLoop()
	go s.watchdog()
	go s.run()
	return s
}

func (s *LearnerSession) Sid() server.ServerId      { return s.sid }
func (s *LearnerSession) Type() server.LearnerType  { return s.kind }

// Send enqueues pkt on the outbound FIFO. Implements SessionHandle for the
// leader package.
func (s *LearnerSession) Send(pkt *wire.Packet) bool {
	select {
	case s.outbox <- pkt:
		return true
	case <-s.closed:
		return false
	}
}

func (s *LearnerSession) Close(reason error) {
	select {
	case s.mailbox <- msgClose{reason: reason}:
	case <-s.closed:
	}
}

func (s *LearnerSession) enqueue(msg sessionMsg) {
	select {
	case s.mailbox <- msg:
	case <-s.closed:
	}
}

func (s *LearnerSession) touch(timeout time.Duration) {
	s.deadline = time.Now().Add(timeout)
}

// readLoop blocks on the socket and re-enqueues every decoded packet into
// the session's own mailbox, matching the teacher's connectionReader
// idiom in network/connection.go.
func (s *LearnerSession) readLoop() {
	for {
		pkt, err := wire.ReadFrom(s.reader)
		if err != nil {
			if err != io.EOF {
				s.enqueue(msgIOError{err: err})
			} else {
				s.enqueue(msgIOError{err: fmt.Errorf("learner session: connection closed: %w", server.ErrLearnerIOError)})
			}
			return
		}
		s.enqueue(msgInboundPacket{pkt: pkt})
	}
}

// writeLoop drains the outbound FIFO, the session's single-producer
// single-consumer ordering guarantee of spec.md §4.5.
func (s *LearnerSession) writeLoop() {
	for {
		select {
		case pkt := <-s.outbox:
			if s.cfg.LeaderNodelay {
				if tcpConn, ok := s.conn.(*net.TCPConn); ok {
					_ = tcpConn.SetNoDelay(true)
				}
			}
			if err := pkt.WriteTo(s.conn); err != nil {
				s.enqueue(msgIOError{err: err})
				return
			}
		case <-s.closed:
			return
		}
	}
}

// watchdog polls the session deadline, the adaptation of the teacher's
// connectionBeater heartbeat ticker to a plain timeout check (this
// session has no outbound heartbeat of its own to send beyond the
// leader's PING broadcasts driven by TickLoop).
func (s *LearnerSession) watchdog() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.enqueue(msgDeadlineCheck{})
		case <-s.closed:
			return
		}
	}
}

func (s *LearnerSession) run() {
	for {
		msg, ok := <-s.mailbox
		if !ok {
			return
		}
		switch m := msg.(type) {
		case msgClose:
			s.teardown(m.reason)
			return
		case msgIOError:
			s.teardown(fmt.Errorf("%w: %v", server.ErrLearnerIOError, m.err))
			return
		case msgDeadlineCheck:
			if time.Now().After(s.deadline) {
				s.teardown(fmt.Errorf("%w: session deadline exceeded in state %v", server.ErrLearnerIOError, s.curState))
				return
			}
		case msgInboundPacket:
			s.handlePacket(m.pkt)
		case msgEpochDecided:
			s.handleEpochDecided(m)
		case msgEpochAckDecided:
			s.handleEpochAckDecided(m)
		case msgNewLeaderAckDecided:
			s.handleNewLeaderAckDecided(m)
		}
		if s.curState == stateClosed {
			return
		}
	}
}

func (s *LearnerSession) teardown(reason error) {
	s.curState = stateClosed
	s.closeOnce.Do(func() { close(s.closed) })
	_ = s.conn.Close()
	if s.sid != 0 {
		s.leader.UnregisterSession(s.sid)
	}
	s.logger.Log("msg", "learner session closed", "sid", s.sid, "reason", reason)
}

func (s *LearnerSession) handlePacket(pkt *wire.Packet) {
	switch s.curState {
	case stateReadingInfo:
		s.onReadingInfo(pkt)
	case stateSentLeaderInfo:
		s.onSentLeaderInfo(pkt)
	case stateSyncing:
		s.onSyncing(pkt)
	case stateUptodateWait:
		s.onUptodateWait(pkt)
	case stateServing:
		s.onServing(pkt)
	}
}

func (s *LearnerSession) onReadingInfo(pkt *wire.Packet) {
	if pkt.Type != wire.FOLLOWERINFO && pkt.Type != wire.OBSERVERINFO {
		return
	}
	info, err := wire.DecodeLearnerInfo(pkt.Payload)
	if err != nil {
		s.enqueue(msgIOError{err: err})
		return
	}
	s.sid = info.Sid
	if pkt.Type == wire.OBSERVERINFO {
		s.kind = server.Observer
	} else {
		s.kind = server.Participant
	}
	go func() {
		epoch, err := s.leader.GetEpochToPropose(s.sid, info.AcceptedEpoch)
		s.enqueue(msgEpochDecided{epoch: epoch, err: err})
	}()
}

func (s *LearnerSession) handleEpochDecided(m msgEpochDecided) {
	if m.err != nil {
		s.teardown(fmt.Errorf("%w: %v", server.ErrEpochTimeout, m.err))
		return
	}
	s.epoch = m.epoch
	s.Send(&wire.Packet{Type: wire.LEADERINFO, Payload: wire.EncodeLeaderInfo(m.epoch)})
	s.curState = stateSentLeaderInfo
	s.touch(s.cfg.InitTimeout())
}

func (s *LearnerSession) onSentLeaderInfo(pkt *wire.Packet) {
	if pkt.Type != wire.ACKEPOCH {
		return
	}
	summary, err := wire.DecodeStateSummary(pkt.Payload)
	if err != nil {
		s.enqueue(msgIOError{err: err})
		return
	}
	s.remoteSummary = summary
	go func() {
		err := s.leader.WaitForEpochAck(s.sid, summary)
		s.enqueue(msgEpochAckDecided{err: err})
	}()
}

func (s *LearnerSession) handleEpochAckDecided(m msgEpochAckDecided) {
	if m.err != nil {
		s.teardown(m.err)
		return
	}
	s.performSync()
	s.curState = stateSyncing
	s.touch(s.cfg.SyncTimeout())
}

func (s *LearnerSession) onSyncing(pkt *wire.Packet) {
	if pkt.Type != wire.ACK {
		return
	}
	if pkt.Zxid != s.newLeaderZxid {
		return
	}
	go func() {
		err := s.leader.WaitForNewLeaderAck(s.sid, pkt.Zxid)
		s.enqueue(msgNewLeaderAckDecided{err: err})
	}()
}

func (s *LearnerSession) handleNewLeaderAckDecided(m msgNewLeaderAckDecided) {
	if m.err != nil {
		s.teardown(m.err)
		return
	}
	s.Send(&wire.Packet{Type: wire.UPTODATE, Zxid: s.newLeaderZxid})
	s.curState = stateUptodateWait
	s.touch(s.cfg.SyncTimeout())
}

func (s *LearnerSession) onUptodateWait(pkt *wire.Packet) {
	if pkt.Type != wire.ACK {
		return
	}
	if err := s.leader.RegisterSession(s.sid, s.kind, s); err != nil {
		s.teardown(err)
		return
	}
	s.leader.MarkSynced(s.sid, true)
	s.curState = stateServing
	s.touch(s.cfg.SyncTimeout())
}

func (s *LearnerSession) onServing(pkt *wire.Packet) {
	s.touch(s.cfg.SyncTimeout())
	switch pkt.Type {
	case wire.ACK:
		s.lastAckedZxid = pkt.Zxid
		s.leader.ProcessAck(s.sid, pkt.Zxid)
	case wire.PING:
		// liveness + session-touch: already satisfied by s.touch above.
	case wire.REVALIDATE:
		s.handleRevalidate(pkt)
	}
}

func (s *LearnerSession) handleRevalidate(pkt *wire.Packet) {
	valid := s.state != nil && s.state.CheckIfValidGlobalSession(s.sid, s.cfg.SyncTimeout())
	payload := []byte{0}
	if valid {
		payload[0] = 1
	}
	s.Send(&wire.Packet{Type: wire.REVALIDATE, Payload: payload})
}
