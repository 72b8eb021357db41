package server

import (
	"time"
)

const (
	ServerVersion = "dev"

	// DefaultTickTime is the baseline tick duration when a deployment does
	// not override it, matching ZooKeeper's own 2s default.
	DefaultTickTime = 2 * time.Second

	// DefaultInitLimit and DefaultSyncLimit are expressed in ticks, per
	// the `initLimit`/`syncLimit` configuration options of spec.md §6.
	DefaultInitLimit = 10
	DefaultSyncLimit = 5

	// AcceptRestartDelayRangeMS and AcceptRestartDelayMin bound the
	// backoff applied by LearnerConnectionAcceptor after a transient
	// Accept() error.
	AcceptRestartDelayRangeMS = 5000
	AcceptRestartDelayMin     = 3 * time.Second

	// TickHalfPeriodDivisor implements "every tickTime/2" from spec.md §4.9.
	TickHalfPeriodDivisor = 2

	ConfigRootName  = "system:config"
	MetricsRootName = "system:metrics"

	HttpProfilePort = 6060
)
