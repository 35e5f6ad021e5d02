package cluster

import (
	"os"
	"strconv"
	"time"

	"clusterlink/internal/peer"
)

const (
	defaultHeartbeatIntervalMS = 2000
	defaultHeartbeatTimeoutMS  = 6000
	defaultDialConcurrency     = 16
	defaultHandshakeTimeoutMS  = 5000
	defaultMuteTTLMS           = 10000
	defaultMuteCap             = 1024
)

// Config carries the Run construction knobs. The zero value is usable:
// every field has a default. The heartbeat, dial-concurrency, handshake,
// mute and build-mode defaults can also be overridden through
// CLUSTERLINK_* environment variables; Bind, Canonical and the ports
// cannot.
type Config struct {
	// Bind is the set of local IPs to listen on; empty means all.
	Bind []string

	// Canonical is the address advertised to peers. Empty means derive it
	// from the bound listeners.
	Canonical []peer.HostPort

	// ListenPort is the cluster port; 0 picks a free port.
	ListenPort uint16

	// ClientPort fixes the source port of outbound dials; 0 = ephemeral.
	ClientPort uint16

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// DialConcurrency bounds parallel endpoint dials across all joins.
	DialConcurrency int

	// StrictBuildMode aborts the handshake on a build-mode mismatch
	// instead of warning.
	StrictBuildMode bool

	HandshakeTimeout time.Duration

	// MuteTTL is how long an address whose routing table failed to decode
	// during the handshake is skipped by gossip joins. Other protocol
	// errors (preamble garbage, unknown tags) do not mute. A fresh explicit
	// Join always dials.
	MuteTTL time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = envDurationMS("CLUSTERLINK_HEARTBEAT_INTERVAL_MS", defaultHeartbeatIntervalMS)
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = envDurationMS("CLUSTERLINK_HEARTBEAT_TIMEOUT_MS", defaultHeartbeatTimeoutMS)
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		// A timeout at or below the interval would evict on a single
		// missed heartbeat; widen it to three intervals.
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.DialConcurrency <= 0 {
		cfg.DialConcurrency = envIntDefault("CLUSTERLINK_DIAL_CONCURRENCY", defaultDialConcurrency)
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = envDurationMS("CLUSTERLINK_HANDSHAKE_TIMEOUT_MS", defaultHandshakeTimeoutMS)
	}
	if cfg.MuteTTL <= 0 {
		cfg.MuteTTL = envDurationMS("CLUSTERLINK_MUTE_TTL_MS", defaultMuteTTLMS)
	}
	if !cfg.StrictBuildMode && os.Getenv("CLUSTERLINK_STRICT_BUILD_MODE") == "1" {
		cfg.StrictBuildMode = true
	}
	return cfg
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

func envIntDefault(name string, def int) int {
	if v, ok := envInt(name); ok && v > 0 {
		return v
	}
	return def
}

func envDurationMS(name string, defMS int) time.Duration {
	return time.Duration(envIntDefault(name, defMS)) * time.Millisecond
}
