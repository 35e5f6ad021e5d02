package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns the connectivity counters. A nil *Metrics is valid and every
// method on it is a no-op, so callers never guard call sites.
type Metrics struct {
	reg *prometheus.Registry

	connectionsLive   prometheus.Gauge
	bytesSent         prometheus.Counter
	framesSent        prometheus.Counter
	framesReceived    prometheus.Counter
	dialAttempts      *prometheus.CounterVec
	dialFailures      *prometheus.CounterVec
	handshakeRejects  *prometheus.CounterVec
	raceLosses        prometheus.Counter
	heartbeatTimeouts prometheus.Counter
	joinsSpawned      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		connectionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clusterlink",
			Name:      "connections_live",
			Help:      "Connections currently registered, including loopback.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "bytes_sent_total",
			Help:      "Framed bytes written to peers.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "frames_sent_total",
			Help:      "Frames written to peers.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "frames_received_total",
			Help:      "Frames read from peers.",
		}),
		dialAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "dial_attempts_total",
			Help:      "Outbound dial attempts by reason.",
		}, []string{"reason"}),
		dialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "dial_failures_total",
			Help:      "Outbound dial failures by reason.",
		}, []string{"reason"}),
		handshakeRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "handshake_rejects_total",
			Help:      "Handshakes aborted, by reject reason.",
		}, []string{"reason"}),
		raceLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "race_losses_total",
			Help:      "Connections dropped after losing the simultaneous-dial race.",
		}),
		heartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "heartbeat_timeouts_total",
			Help:      "Connections killed for heartbeat silence.",
		}),
		joinsSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clusterlink",
			Name:      "joins_spawned_total",
			Help:      "Join attempts spawned, explicit and gossip.",
		}),
	}
	reg.MustRegister(
		m.connectionsLive, m.bytesSent, m.framesSent, m.framesReceived,
		m.dialAttempts, m.dialFailures, m.handshakeRejects,
		m.raceLosses, m.heartbeatTimeouts, m.joinsSpawned,
	)
	return m
}

// Registry exposes the underlying registry for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) IncConnections() {
	if m == nil {
		return
	}
	m.connectionsLive.Inc()
}

func (m *Metrics) DecConnections() {
	if m == nil {
		return
	}
	m.connectionsLive.Dec()
}

func (m *Metrics) AddBytesSent(n int) {
	if m == nil {
		return
	}
	m.bytesSent.Add(float64(n))
	m.framesSent.Inc()
}

func (m *Metrics) IncFramesReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) IncDialAttempt(reason string) {
	if m == nil {
		return
	}
	m.dialAttempts.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncDialFailure(reason string) {
	if m == nil {
		return
	}
	m.dialFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncHandshakeReject(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejects.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRaceLoss() {
	if m == nil {
		return
	}
	m.raceLosses.Inc()
}

func (m *Metrics) IncHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.heartbeatTimeouts.Inc()
}

func (m *Metrics) IncJoinSpawned() {
	if m == nil {
		return
	}
	m.joinsSpawned.Inc()
}
