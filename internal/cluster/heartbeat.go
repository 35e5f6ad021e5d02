package cluster

import (
	"io"

	"github.com/benbjohnson/clock"

	"clusterlink/internal/debuglog"
)

// heartbeatManager keeps connections honest: it emits an empty frame on
// the reserved tag every interval and kills any connection that has been
// silent for the timeout. Any inbound frame counts as liveness, so a peer
// that is busy sending other traffic is never evicted for its heartbeats.
// Heartbeats are emitted every interval whether or not other traffic flows.
//
// It is an ordinary message handler; the reserved tag is claimed at
// Cluster construction, before any user registration.
type heartbeatManager struct {
	c   *Cluster
	clk clock.Clock
}

func newHeartbeatManager(c *Cluster) *heartbeatManager {
	return &heartbeatManager{c: c, clk: clock.New()}
}

func (m *heartbeatManager) now() int64 {
	return m.clk.Now().UnixNano()
}

// HandleMessage receives a heartbeat frame. The read loop has already
// noted the activity; the frame itself carries nothing.
func (m *heartbeatManager) HandleMessage(conn *Connection, keepalive ConnLock, version string, r io.Reader) error {
	return nil
}

func (m *heartbeatManager) HandleLocalMessage(conn *Connection, keepalive ConnLock, version string, payload []byte) {
}

// start watches the run's connection map and tends every non-loopback
// connection that appears.
func (m *heartbeatManager) start(r *Run) {
	r.spawn(func() { m.watch(r) })
}

func (m *heartbeatManager) watch(r *Run) {
	ch, cancel := m.c.workers[0].Subscribe()
	defer cancel()
	tended := make(map[*Connection]struct{})
	for {
		select {
		case <-r.ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			for _, e := range snap {
				conn := e.Conn
				if conn.IsLoopback() {
					continue
				}
				if _, seen := tended[conn]; seen {
					continue
				}
				tended[conn] = struct{}{}
				r.spawn(func() { m.tend(r, conn) })
			}
			for conn := range tended {
				if e, ok := snap[conn.PeerID()]; !ok || e.Conn != conn {
					delete(tended, conn)
				}
			}
		}
	}
}

// tend runs the per-connection heartbeat loop until the connection drains
// or the run stops.
func (m *heartbeatManager) tend(r *Run, conn *Connection) {
	ticker := m.clk.Ticker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.draining():
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			silent := m.now() - conn.lastActivity()
			if silent > r.cfg.HeartbeatTimeout.Nanoseconds() {
				m.c.metrics.IncHeartbeatTimeout()
				debuglog.Logf("heartbeat timeout: peer=%s silent=%dms",
					conn.PeerID().Short(), silent/1e6)
				conn.Kill()
				return
			}
			lock, ok := conn.d.acquire()
			if !ok {
				return
			}
			err := m.c.SendMessage(conn, lock, TagHeartbeat, nil)
			lock.Release()
			if err != nil {
				return
			}
		}
	}
}
