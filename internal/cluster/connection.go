package cluster

import (
	"net"
	"sync"
	"sync/atomic"

	"clusterlink/internal/peer"
)

// Connection is one live link to a peer, or the loopback self-link. A new
// connection to the same peer after a drop is a new Connection: identity is
// per-link, not per-peer.
//
// Connections are safe to share across goroutines. Any use outside the
// owning read loop must go through a ConnLock (see Cluster.GetConnection);
// teardown waits for every outstanding lock before the drain signal fires.
type Connection struct {
	peerID   peer.ID
	peerAddr peer.Address

	// stream is nil for the loopback connection.
	stream net.Conn

	// sendMu serializes framed writes; frames appear on the wire in
	// acquisition order.
	sendMu sync.Mutex

	bytesSent atomic.Uint64

	// lastFrame is the heartbeat manager's liveness input: nanoseconds of
	// the most recent inbound frame of any tag.
	lastFrame atomic.Int64

	d        *drainer
	killOnce sync.Once
}

func newConnection(id peer.ID, addr peer.Address, stream net.Conn) *Connection {
	return &Connection{
		peerID:   id,
		peerAddr: addr,
		stream:   stream,
		d:        newDrainer(),
	}
}

func (c *Connection) PeerID() peer.ID {
	return c.peerID
}

func (c *Connection) PeerAddress() peer.Address {
	return c.peerAddr
}

func (c *Connection) IsLoopback() bool {
	return c.stream == nil
}

// BytesSent is the framed byte count written on this connection.
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// Kill drops the connection. Idempotent. Closing the stream makes the read
// loop fail, which drives the teardown path; the drain signal fires once
// every borrower has released.
func (c *Connection) Kill() {
	c.killOnce.Do(func() {
		c.d.beginDrain()
		if c.stream != nil {
			_ = c.stream.Close()
		}
	})
}

// DrainSignal fires exactly once, when teardown is complete: the connection
// has been removed from every worker's map and all borrows are released.
func (c *Connection) DrainSignal() <-chan struct{} {
	return c.d.drainedC
}

// draining fires as soon as teardown begins; internal loops use it to stop
// touching the connection promptly.
func (c *Connection) draining() <-chan struct{} {
	return c.d.drainingC
}

func (c *Connection) noteActivity(nanos int64) {
	c.lastFrame.Store(nanos)
}

func (c *Connection) lastActivity() int64 {
	return c.lastFrame.Load()
}
