// Package quorum implements the QuorumVerifier of spec.md §4.2: an
// immutable, side-effect-free decision function over a set of acknowledging
// server ids. The tagged-variant shape (majority vs. hierarchical) follows
// the "dynamic dispatch of verifiers" design note of spec.md §9: a single
// interface with one operation, rather than a class hierarchy.
package quorum

import (
	"bytes"
	"fmt"
	"sort"

	server "zableader.io/server"
)

// Verifier decides whether a set of server ids forms a quorum under some
// voting rule. Implementations are immutable once built; Bytes() gives a
// canonical encoding used for equality-by-configuration-bytes, and
// Version() gives the config-zxid ordering of spec.md §4.2.
type Verifier interface {
	ContainsQuorum(ids server.ServerIdSet) bool
	Voters() server.ServerIdSet
	Version() uint64
	Bytes() []byte
	String() string
}

// Equal compares two verifiers by configuration identity (their canonical
// byte encoding), per spec.md §4.2.
func Equal(a, b Verifier) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Bytes(), b.Bytes())
}

// majorityVerifier implements quorum = floor(|voters|/2) + 1.
type majorityVerifier struct {
	voters  server.ServerIdSet
	version uint64
}

// NewMajorityVerifier builds the plain majority-of-voters rule.
func NewMajorityVerifier(version uint64, voters server.ServerIdSet) Verifier {
	return &majorityVerifier{voters: voters.Clone(), version: version}
}

func (m *majorityVerifier) Voters() server.ServerIdSet { return m.voters }
func (m *majorityVerifier) Version() uint64             { return m.version }

func (m *majorityVerifier) ContainsQuorum(ids server.ServerIdSet) bool {
	count := 0
	for id := range ids {
		if m.voters.Contains(id) {
			count++
		}
	}
	return count > len(m.voters)/2
}

func (m *majorityVerifier) Bytes() []byte {
	return canonicalBytes(m.version, "majority", sortedIds(m.voters), nil)
}

func (m *majorityVerifier) String() string {
	return fmt.Sprintf("MajorityVerifier{version=%d, voters=%v}", m.version, sortedIds(m.voters))
}

// Group is one weighted voting group of a hierarchical verifier: it forms
// quorum internally at its own weighted majority, and the hierarchical
// verifier as a whole requires a majority-weight of groups to each be
// individually satisfied.
type Group struct {
	Name    string
	Weights map[server.ServerId]uint32
	Weight  uint32 // this group's weight within the parent decision
}

func (g Group) voters() server.ServerIdSet {
	s := make(server.ServerIdSet, len(g.Weights))
	for id := range g.Weights {
		s.Add(id)
	}
	return s
}

func (g Group) totalWeight() uint32 {
	var total uint32
	for _, w := range g.Weights {
		total += w
	}
	return total
}

// satisfied reports whether ids carries strictly more than half of this
// group's total member weight.
func (g Group) satisfied(ids server.ServerIdSet) bool {
	var have uint32
	for id := range ids {
		if w, ok := g.Weights[id]; ok {
			have += w
		}
	}
	return uint64(have)*2 > uint64(g.totalWeight())
}

// hierarchicalVerifier implements per-group weighted majority: each group
// independently decides whether it is satisfied, and the verifier as a
// whole is satisfied when the satisfied groups carry strictly more than
// half of the total group weight, i.e. a recursive majority-of-majorities.
type hierarchicalVerifier struct {
	groups  []Group
	version uint64
}

func NewHierarchicalVerifier(version uint64, groups []Group) Verifier {
	gs := make([]Group, len(groups))
	copy(gs, groups)
	return &hierarchicalVerifier{groups: gs, version: version}
}

func (h *hierarchicalVerifier) Voters() server.ServerIdSet {
	s := make(server.ServerIdSet)
	for _, g := range h.groups {
		for id := range g.voters() {
			s.Add(id)
		}
	}
	return s
}

func (h *hierarchicalVerifier) Version() uint64 { return h.version }

func (h *hierarchicalVerifier) ContainsQuorum(ids server.ServerIdSet) bool {
	var totalWeight, haveWeight uint32
	for _, g := range h.groups {
		totalWeight += g.Weight
		if g.satisfied(ids) {
			haveWeight += g.Weight
		}
	}
	if totalWeight == 0 {
		return false
	}
	return uint64(haveWeight)*2 > uint64(totalWeight)
}

func (h *hierarchicalVerifier) Bytes() []byte {
	groups := make([]string, len(h.groups))
	for i, g := range h.groups {
		groups[i] = fmt.Sprintf("%s:%d:%v", g.Name, g.Weight, g.Weights)
	}
	sort.Strings(groups)
	return canonicalBytes(h.version, "hierarchical", nil, groups)
}

func (h *hierarchicalVerifier) String() string {
	return fmt.Sprintf("HierarchicalVerifier{version=%d, groups=%v}", h.version, h.groups)
}

func sortedIds(ids server.ServerIdSet) []server.ServerId {
	out := make([]server.ServerId, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func canonicalBytes(version uint64, kind string, voters []server.ServerId, groups []string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "v%d|%s|", version, kind)
	for _, id := range voters {
		fmt.Fprintf(&buf, "%d,", uint64(id))
	}
	buf.WriteByte('|')
	for _, g := range groups {
		buf.WriteString(g)
		buf.WriteByte(';')
	}
	return buf.Bytes()
}
