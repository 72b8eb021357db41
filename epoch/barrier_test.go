package epoch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "zableader.io/server"
	"zableader.io/server/quorum"
)

func majority(members ...uint64) quorum.Verifier {
	s := make(server.ServerIdSet, len(members))
	for _, m := range members {
		s.Add(server.ServerId(m))
	}
	return quorum.NewMajorityVerifier(1, s)
}

func TestBarrierContributeReportsQuorumTransition(t *testing.T) {
	b := NewBarrier(majority(1, 2, 3))

	assert.False(t, b.Contribute(server.ServerId(1)))
	assert.True(t, b.Contribute(server.ServerId(2)), "two of three voters must satisfy a majority verifier")
	assert.True(t, b.Contribute(server.ServerId(3)), "already-satisfied barrier stays satisfied on further contributions")
}

func TestBarrierContributeIsIdempotentPerSid(t *testing.T) {
	b := NewBarrier(majority(1, 2, 3))
	b.Contribute(server.ServerId(1))
	b.Contribute(server.ServerId(1))
	require.Len(t, b.Contributors(), 1, "contributing the same sid twice must not double count")
}

func TestBarrierContributorsIsACloneNotAnAlias(t *testing.T) {
	b := NewBarrier(majority(1, 2, 3))
	b.Contribute(server.ServerId(1))

	snapshot := b.Contributors()
	snapshot.Add(server.ServerId(99))

	assert.False(t, b.Contributors().Contains(server.ServerId(99)), "mutating the returned snapshot must not affect the barrier's own set")
}

func TestBarrierReleasedAndMarkReleasedAreIdempotent(t *testing.T) {
	b := NewBarrier(majority(1, 2, 3))
	assert.False(t, b.Released())
	b.MarkReleased()
	assert.True(t, b.Released())
	b.MarkReleased()
	assert.True(t, b.Released(), "marking released twice must remain released")
}
