package cluster

import "errors"

var (
	// ErrRunActive rejects handler-table mutation while a Run exists, and
	// a second NewRun against the same Cluster.
	ErrRunActive = errors.New("a run is active")

	// ErrReservedTag rejects handler registration on the heartbeat tag.
	ErrReservedTag = errors.New("tag reserved for heartbeat")

	// ErrVersionSkew is a preamble version or arch mismatch.
	ErrVersionSkew = errors.New("cluster version skew")

	// ErrBuildModeSkew is a build-mode mismatch under StrictBuildMode.
	ErrBuildModeSkew = errors.New("build mode skew")

	// ErrProtocol covers preamble garbage, truncated frames, decode
	// failures and unknown tags. The offending connection is closed. Only
	// a routing-table decode failure during the handshake also mutes the
	// address for gossip joins (see Config.MuteTTL).
	ErrProtocol = errors.New("protocol error")

	// ErrRaceLost is the silent outcome of the simultaneous-dial race.
	// It is not reported to callers; it exists for logs and tests.
	ErrRaceLost = errors.New("lost connection race")

	// ErrDraining ends a read loop that cannot borrow its connection for a
	// handler because teardown has begun. Sends and GetConnection do not
	// return it.
	ErrDraining = errors.New("connection draining")

	// ErrNotHeld rejects a send without a live borrow token.
	ErrNotHeld = errors.New("connection lock not held")
)
