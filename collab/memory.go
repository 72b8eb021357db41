package collab

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	server "zableader.io/server"
)

// InMemoryReplicatedState is a reference ReplicatedState used by tests and
// by standalone demo deployments. A production deployment supplies its own
// data-tree implementation, typically backed by an on-disk log such as the
// teacher's MDB-backed db.Databases; the leader never depends on the
// storage engine directly (spec.md §6).
type InMemoryReplicatedState struct {
	mu              sync.Mutex
	lastZxid        server.Zxid
	applied         [][]byte
	touchedSessions map[server.ServerId]time.Time
}

func NewInMemoryReplicatedState() *InMemoryReplicatedState {
	return &InMemoryReplicatedState{touchedSessions: make(map[server.ServerId]time.Time)}
}

func (s *InMemoryReplicatedState) LoadData() error { return nil }

func (s *InMemoryReplicatedState) LastProcessedZxid() server.Zxid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastZxid
}

func (s *InMemoryReplicatedState) SubmitRequest(req []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(req))
	copy(cp, req)
	s.applied = append(s.applied, cp)
	return nil
}

// Applied returns a copy of every request submitted so far, for test
// assertions.
func (s *InMemoryReplicatedState) Applied() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.applied))
	copy(out, s.applied)
	return out
}

func (s *InMemoryReplicatedState) AdvanceZxid(z server.Zxid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if z > s.lastZxid {
		s.lastZxid = z
	}
}

func (s *InMemoryReplicatedState) TouchSession(sid server.ServerId, timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touchedSessions[sid] = time.Now().Add(timeout)
	return nil
}

func (s *InMemoryReplicatedState) CheckIfValidGlobalSession(sid server.ServerId, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, found := s.touchedSessions[sid]
	return found && time.Now().Before(deadline)
}

func (s *InMemoryReplicatedState) SnapshotStream(ctx context.Context) (SnapshotReader, error) {
	s.mu.Lock()
	var buf bytes.Buffer
	for _, r := range s.applied {
		buf.Write(r)
	}
	s.mu.Unlock()
	return nopCloserReader{Reader: bytes.NewReader(buf.Bytes())}, nil
}

type nopCloserReader struct{ io.Reader }

func (nopCloserReader) Close() error { return nil }

// InMemoryEpochStore is a reference AcceptedEpochStore.
type InMemoryEpochStore struct {
	mu     sync.Mutex
	epoch  uint32
	loaded bool
}

func NewInMemoryEpochStore() *InMemoryEpochStore { return &InMemoryEpochStore{} }

func (s *InMemoryEpochStore) GetAcceptedEpoch() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch, nil
}

func (s *InMemoryEpochStore) SetAcceptedEpoch(epoch uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && epoch < s.epoch {
		return fmt.Errorf("collab: refusing to move accepted epoch backwards (%d -> %d)", s.epoch, epoch)
	}
	s.epoch = epoch
	s.loaded = true
	return nil
}

// InMemoryTransactionLog is a reference TransactionLog.
type InMemoryTransactionLog struct {
	mu  sync.Mutex
	log []LoggedProposal
}

func NewInMemoryTransactionLog() *InMemoryTransactionLog { return &InMemoryTransactionLog{} }

func (l *InMemoryTransactionLog) Append(p LoggedProposal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.log = append(l.log, p)
	sort.Slice(l.log, func(i, j int) bool { return l.log[i].Zxid < l.log[j].Zxid })
}

func (l *InMemoryTransactionLog) MinCommittedLog() server.Zxid {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.log) == 0 {
		return 0
	}
	return l.log[0].Zxid
}

func (l *InMemoryTransactionLog) MaxCommittedLog() server.Zxid {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.log) == 0 {
		return 0
	}
	return l.log[len(l.log)-1].Zxid
}

func (l *InMemoryTransactionLog) Iterate(exclusive, inclusive server.Zxid) ([]LoggedProposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []LoggedProposal
	for _, p := range l.log {
		if p.Zxid > exclusive && p.Zxid <= inclusive {
			out = append(out, p)
		}
	}
	return out, nil
}

// StaticQuorumAuthServer authenticates learners via the sha256-fingerprint
// lookup pattern of the teacher's network/protocols.go verifyPeerCerts,
// generalized from a single cluster cert set to a per-sid fingerprint
// table.
type StaticQuorumAuthServer struct {
	FingerprintToSid map[[32]byte]server.ServerId
}

func (a *StaticQuorumAuthServer) Authenticate(conn *tls.Conn) (server.ServerId, error) {
	state := conn.ConnectionState()
	for _, cert := range state.PeerCertificates {
		fp := fingerprint(cert.Raw)
		if sid, found := a.FingerprintToSid[fp]; found {
			return sid, nil
		}
	}
	return 0, fmt.Errorf("collab: no peer certificate matched a known learner fingerprint")
}

// NoopElectionDriver discards the shutdown notification; used by tests
// that do not drive an actual election loop.
type NoopElectionDriver struct {
	mu       sync.Mutex
	lastErr  error
	notified bool
}

func (d *NoopElectionDriver) LeaderShutdown(reason error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastErr = reason
	d.notified = true
}

func (d *NoopElectionDriver) Notified() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notified, d.lastErr
}
