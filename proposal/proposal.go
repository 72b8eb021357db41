// Package proposal implements the Proposal record, the OutstandingTable
// ordered map, and the AckQuorumTracker of spec.md §4.3.
package proposal

import (
	"container/list"

	server "zableader.io/server"
	"zableader.io/server/quorum"
)

// PacketType mirrors the wire packet type codes of spec.md §6 that a
// Proposal can carry: PROPOSAL (ordinary) or NEWLEADER (epoch marker,
// payload-free).
type PacketType uint32

// VerifierAck is one (verifier, ackset) pair tracked by an AckQuorumTracker.
// A Proposal outstanding during a reconfiguration carries two: the
// verifier of the configuration in force when it was proposed, and the
// pending next verifier, per spec.md §4.3.
type VerifierAck struct {
	Verifier quorum.Verifier
	Ackset   server.ServerIdSet
}

func newVerifierAck(v quorum.Verifier) *VerifierAck {
	return &VerifierAck{Verifier: v, Ackset: make(server.ServerIdSet)}
}

// satisfied reports whether this pair's ackset satisfies its verifier.
func (va *VerifierAck) satisfied() bool { return va.Verifier.ContainsQuorum(va.Ackset) }

// AckQuorumTracker aggregates acknowledgments against one or two verifiers
// for a single proposal. Adding an ack updates the ackset only for pairs
// whose verifier counts the acking sid as a voter.
type AckQuorumTracker struct {
	Pairs []*VerifierAck
}

func NewAckQuorumTracker(current quorum.Verifier) *AckQuorumTracker {
	return &AckQuorumTracker{Pairs: []*VerifierAck{newVerifierAck(current)}}
}

// AddPendingVerifier attaches a second (pending-next) verifier to the
// tracker, used while a reconfiguration is outstanding (spec.md §4.3).
func (t *AckQuorumTracker) AddPendingVerifier(pending quorum.Verifier) {
	for _, p := range t.Pairs {
		if quorum.Equal(p.Verifier, pending) {
			return
		}
	}
	t.Pairs = append(t.Pairs, newVerifierAck(pending))
}

// Ack records that sid acknowledged this proposal. It is added to every
// pair for which sid is a voter.
func (t *AckQuorumTracker) Ack(sid server.ServerId) {
	for _, p := range t.Pairs {
		if p.Verifier.Voters().Contains(sid) {
			p.Ackset.Add(sid)
		}
	}
}

// HasAllQuorums reports whether every tracked pair's ackset satisfies its
// verifier.
func (t *AckQuorumTracker) HasAllQuorums() bool {
	for _, p := range t.Pairs {
		if !p.satisfied() {
			return false
		}
	}
	return true
}

// Proposal is the unit of agreement: a payload proposed at a given zxid,
// tracked for acknowledgment until committed and removed from the
// OutstandingTable. See spec.md §3.
type Proposal struct {
	PacketType PacketType
	Zxid       server.Zxid
	Payload    []byte
	// RequestMeta carries whatever originating-request bookkeeping the
	// caller needs returned on commit (e.g. a reply channel); opaque to
	// the pipeline itself.
	RequestMeta interface{}
	// IsReconfig marks a proposal produced from a reconfig request;
	// ReconfigCoordinator only acts on proposals so marked.
	IsReconfig bool

	Tracker *AckQuorumTracker
}

func New(packetType PacketType, zxid server.Zxid, payload []byte, meta interface{}, isReconfig bool, current quorum.Verifier) *Proposal {
	return &Proposal{
		PacketType:  packetType,
		Zxid:        zxid,
		Payload:     payload,
		RequestMeta: meta,
		IsReconfig:  isReconfig,
		Tracker:     NewAckQuorumTracker(current),
	}
}

// OutstandingTable orders proposals by zxid and supports insert, lookup,
// remove, and in-order iteration, per spec.md §4.3. It is backed by
// container/list plus a map, the same ordered-map idiom used elsewhere in
// the retrieved corpus for an LRU/ordered cache; a Proposal's zxid is
// monotonically increasing at insertion time (single producer under the
// leader lock) so list.PushBack always preserves zxid order without needing
// a full ordered-tree structure.
type OutstandingTable struct {
	order   *list.List
	entries map[server.Zxid]*list.Element
}

func NewOutstandingTable() *OutstandingTable {
	return &OutstandingTable{
		order:   list.New(),
		entries: make(map[server.Zxid]*list.Element),
	}
}

func (t *OutstandingTable) Insert(p *Proposal) {
	if _, exists := t.entries[p.Zxid]; exists {
		return
	}
	t.entries[p.Zxid] = t.order.PushBack(p)
}

func (t *OutstandingTable) Lookup(zxid server.Zxid) (*Proposal, bool) {
	el, found := t.entries[zxid]
	if !found {
		return nil, false
	}
	return el.Value.(*Proposal), true
}

func (t *OutstandingTable) Contains(zxid server.Zxid) bool {
	_, found := t.entries[zxid]
	return found
}

func (t *OutstandingTable) Remove(zxid server.Zxid) {
	el, found := t.entries[zxid]
	if !found {
		return
	}
	t.order.Remove(el)
	delete(t.entries, zxid)
}

func (t *OutstandingTable) Len() int { return len(t.entries) }

// Oldest returns the lowest-zxid outstanding proposal, if any.
func (t *OutstandingTable) Oldest() (*Proposal, bool) {
	front := t.order.Front()
	if front == nil {
		return nil, false
	}
	return front.Value.(*Proposal), true
}

// Each iterates proposals in ascending zxid order. Stops early if fun
// returns false.
func (t *OutstandingTable) Each(fun func(p *Proposal) bool) {
	for el := t.order.Front(); el != nil; el = el.Next() {
		if !fun(el.Value.(*Proposal)) {
			return
		}
	}
}
