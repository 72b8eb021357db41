package quorum

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "zableader.io/server"
)

func ids(xs ...uint64) server.ServerIdSet {
	s := make(server.ServerIdSet, len(xs))
	for _, x := range xs {
		s.Add(server.ServerId(x))
	}
	return s
}

func TestMajorityVerifierQuorum(t *testing.T) {
	v := NewMajorityVerifier(1, ids(1, 2, 3, 4, 5))

	assert.False(t, v.ContainsQuorum(ids(1, 2)))
	assert.True(t, v.ContainsQuorum(ids(1, 2, 3)))
	assert.True(t, v.ContainsQuorum(ids(1, 2, 3, 4, 5)))
	assert.False(t, v.ContainsQuorum(ids()))
}

func TestMajorityVerifierEvenMembership(t *testing.T) {
	v := NewMajorityVerifier(1, ids(1, 2, 3, 4))
	assert.False(t, v.ContainsQuorum(ids(1, 2)))
	assert.True(t, v.ContainsQuorum(ids(1, 2, 3)))
}

func TestMajorityVerifierBytesStableAndDistinct(t *testing.T) {
	a := NewMajorityVerifier(1, ids(1, 2, 3))
	b := NewMajorityVerifier(1, ids(1, 2, 3))
	c := NewMajorityVerifier(2, ids(1, 2, 3))
	d := NewMajorityVerifier(1, ids(1, 2, 4))

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c), "differing version must not be equal")
	assert.False(t, Equal(a, d), "differing voter set must not be equal")
}

func TestHierarchicalVerifierGroupMajorityOfGroups(t *testing.T) {
	groupA := Group{Name: "dc1", Weights: map[server.ServerId]uint32{1: 1, 2: 1, 3: 1}, Weight: 1}
	groupB := Group{Name: "dc2", Weights: map[server.ServerId]uint32{4: 1, 5: 1, 6: 1}, Weight: 1}
	groupC := Group{Name: "dc3", Weights: map[server.ServerId]uint32{7: 1}, Weight: 1}

	v := NewHierarchicalVerifier(1, []Group{groupA, groupB, groupC})

	// Group dc1 alone satisfied is only 1 of 3 group-weight: not quorum.
	assert.False(t, v.ContainsQuorum(ids(1, 2)))
	// Two groups satisfied (dc1 and dc2) gives 2/3 group weight: quorum.
	assert.True(t, v.ContainsQuorum(ids(1, 2, 4, 5)))
	// dc3 alone (1/3 group weight) is not quorum even though its one
	// member is its own full membership.
	assert.False(t, v.ContainsQuorum(ids(7)))
}

func TestHierarchicalVerifierWithinGroupMajority(t *testing.T) {
	// A group of 3 needs 2 of its own members before it counts as
	// satisfied at all, regardless of overall group-weight math.
	groupA := Group{Name: "dc1", Weights: map[server.ServerId]uint32{1: 1, 2: 1, 3: 1}, Weight: 2}
	groupB := Group{Name: "dc2", Weights: map[server.ServerId]uint32{4: 1}, Weight: 1}
	v := NewHierarchicalVerifier(1, []Group{groupA, groupB})

	assert.False(t, v.ContainsQuorum(ids(1)), "one of three in dc1 does not satisfy dc1")
	assert.True(t, v.ContainsQuorum(ids(1, 2)), "two of three in dc1 satisfies dc1, which alone is majority group-weight")
}

func TestVoters(t *testing.T) {
	v := NewMajorityVerifier(1, ids(1, 2, 3))
	voters := v.Voters()
	require.Len(t, voters, 3)
	assert.True(t, voters.Contains(server.ServerId(2)))
	assert.False(t, voters.Contains(server.ServerId(9)))
}
