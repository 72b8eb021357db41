package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	server "zableader.io/server"
	"zableader.io/server/config"
)

func TestPeerViewParticipantsAndObservers(t *testing.T) {
	pv := config.NewPeerView(server.ServerId(1), []config.Peer{
		{Sid: 1, Role: config.RoleParticipant},
		{Sid: 2, Role: config.RoleParticipant},
		{Sid: 3, Role: config.RoleObserver},
	})

	assert.Equal(t, server.NewServerIdSet(1, 2), pv.Participants())
	assert.Equal(t, server.NewServerIdSet(3), pv.Observers())
}

func TestPeerViewCloneIsIndependentOfOriginal(t *testing.T) {
	pv := config.NewPeerView(server.ServerId(1), []config.Peer{
		{Sid: 1, Role: config.RoleParticipant},
	})
	clone := pv.Clone()
	clone.Peers[server.ServerId(2)] = config.Peer{Sid: 2, Role: config.RoleObserver}

	assert.Len(t, clone.Peers, 2)
	assert.Len(t, pv.Peers, 1, "mutating the clone must not affect the original")
}

func TestConfigurationTimeoutsScaleByTickTime(t *testing.T) {
	c := config.Configuration{InitLimit: 10, SyncLimit: 5, TickTime: 100 * time.Millisecond}

	assert.Equal(t, time.Second, c.InitTimeout())
	assert.Equal(t, 500*time.Millisecond, c.SyncTimeout())
}

func TestDefaultConfiguration(t *testing.T) {
	c := config.Default()

	assert.False(t, c.ReconfigEnabled)
	assert.True(t, c.LeaderNodelay)
	assert.True(t, c.LeaderServes)
	assert.False(t, c.ListenOnAllIPs)
	assert.Equal(t, time.Duration(-1), c.LeaderMaxTimeToWaitForEpoch, "negative disables the voterDisloyalty fast-fail")
	assert.Equal(t, server.DefaultInitLimit, c.InitLimit)
	assert.Equal(t, server.DefaultSyncLimit, c.SyncLimit)
	assert.Equal(t, server.DefaultTickTime, c.TickTime)
}
