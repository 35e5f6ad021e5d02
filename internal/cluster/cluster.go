// Package cluster is the connectivity core: it establishes and maintains
// exactly one live connection to each reachable peer, multiplexes tagged
// messages over those connections, and publishes a watchable view of the
// connection set. Higher-level systems (directory, mailbox, query routing)
// are built on top of it through the handler registration and send APIs.
//
// Messages on a connection are delivered in wire order and are never
// duplicated; delivery stops when the connection dies, and a reconnect is
// a new connection with no relation to the old one.
package cluster

import (
	"bytes"
	"fmt"
	"io"
	"runtime"
	"sync"

	"clusterlink/internal/metrics"
	"clusterlink/internal/peer"
	"clusterlink/internal/proto"
)

// TagHeartbeat is the message tag reserved for the heartbeat manager.
const TagHeartbeat = proto.TagHeartbeat

// Handler consumes messages for one tag. HandleMessage runs on the
// connection's read loop and must return before the next frame is read;
// handlers that want concurrency dispatch internally. The keepalive token
// is released by the read loop after the handler returns; a handler that
// needs the connection past its own return must take its own token first.
type Handler interface {
	HandleMessage(conn *Connection, keepalive ConnLock, version string, r io.Reader) error
}

// LocalHandler is an optional fast path for loopback sends: the payload is
// delivered as a byte slice on the sending goroutine, skipping the frame
// codec entirely. Handlers that do not implement it get HandleMessage with
// an in-memory reader.
type LocalHandler interface {
	HandleLocalMessage(conn *Connection, keepalive ConnLock, version string, payload []byte)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *Connection, keepalive ConnLock, version string, r io.Reader) error

func (f HandlerFunc) HandleMessage(conn *Connection, keepalive ConnLock, version string, r io.Reader) error {
	return f(conn, keepalive, version, r)
}

// WriteFunc produces a message payload. It gets the negotiated cluster
// version so upper layers can serialize for the peer's vintage.
type WriteFunc func(version string, w io.Writer) error

// Options configures a Cluster.
type Options struct {
	// Metrics receives connectivity counters; nil disables them.
	Metrics *metrics.Metrics

	// Workers overrides the worker count; 0 means one per hardware
	// thread (GOMAXPROCS).
	Workers int
}

// Cluster is the connectivity core: it owns the process peer id, the
// handler table and the per-worker connection maps. Listening, dialing and
// message flow only happen while a Run constructed against the Cluster is
// alive; handlers must be registered before the Run and outlive it.
type Cluster struct {
	me peer.ID

	mu         sync.Mutex
	handlers   [256]Handler
	currentRun *Run

	workers []*ConnMapVar
	hb      *heartbeatManager
	metrics *metrics.Metrics
}

func New(opts Options) *Cluster {
	n := opts.Workers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	workers := make([]*ConnMapVar, n)
	for i := range workers {
		workers[i] = newConnMapVar()
	}
	c := &Cluster{
		me:      peer.NewID(),
		workers: workers,
		metrics: opts.Metrics,
	}
	c.hb = newHeartbeatManager(c)
	c.handlers[TagHeartbeat] = c.hb
	return c
}

// Me returns the process-stable peer id.
func (c *Cluster) Me() peer.ID {
	return c.me
}

// NumWorkers is the number of per-worker connection maps.
func (c *Cluster) NumWorkers() int {
	return len(c.workers)
}

// RegisterHandler binds a handler to a tag. Only allowed while no Run
// exists; the heartbeat tag is reserved.
func (c *Cluster) RegisterHandler(tag byte, h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler for tag %d", tag)
	}
	if tag == TagHeartbeat {
		return ErrReservedTag
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentRun != nil {
		return ErrRunActive
	}
	if c.handlers[tag] != nil {
		return fmt.Errorf("tag %d already has a handler", tag)
	}
	c.handlers[tag] = h
	return nil
}

// UnregisterHandler removes the handler for a tag. Only allowed while no
// Run exists.
func (c *Cluster) UnregisterHandler(tag byte) error {
	if tag == TagHeartbeat {
		return ErrReservedTag
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentRun != nil {
		return ErrRunActive
	}
	c.handlers[tag] = nil
	return nil
}

func (c *Cluster) handler(tag byte) Handler {
	return c.handlers[tag]
}

// Connections returns the watchable connection map of one worker. Every
// worker sees the same set; per-worker copies exist so lookups and
// subscriptions never hop across workers.
func (c *Cluster) Connections(worker int) *ConnMapVar {
	if worker < 0 || worker >= len(c.workers) {
		panic(fmt.Sprintf("worker %d out of range [0,%d)", worker, len(c.workers)))
	}
	return c.workers[worker]
}

// GetConnection returns the live connection to a peer plus a fresh borrow
// token, or ok=false if there is none. While the token is held the
// connection stays valid and its drain signal will not fire.
func (c *Cluster) GetConnection(id peer.ID) (*Connection, ConnLock, bool) {
	e, ok := c.workers[0].Lookup(id)
	if !ok {
		return nil, ConnLock{}, false
	}
	lock, ok := e.Conn.d.acquire()
	if !ok {
		return nil, ConnLock{}, false
	}
	return e.Conn, lock, true
}

// SendMessage writes one tagged message on the connection. The caller must
// hold a borrow token for it. Remote sends frame the payload under the
// connection's send mutex; loopback sends invoke the tag's handler
// synchronously on the calling goroutine with no bytes touching a socket.
func (c *Cluster) SendMessage(conn *Connection, keepalive ConnLock, tag byte, write WriteFunc) error {
	if !keepalive.held() {
		return ErrNotHeld
	}
	version := proto.ClusterVersion

	var buf bytes.Buffer
	if write != nil {
		if err := write(version, &buf); err != nil {
			return fmt.Errorf("write callback: %w", err)
		}
	}
	if buf.Len() > proto.MaxFrameSize {
		return proto.ErrFrameTooLarge
	}

	if conn.IsLoopback() {
		h := c.handler(tag)
		if h == nil {
			return fmt.Errorf("%w: no handler for tag %d", ErrProtocol, tag)
		}
		if lh, ok := h.(LocalHandler); ok {
			lh.HandleLocalMessage(conn, keepalive, version, buf.Bytes())
			return nil
		}
		return h.HandleMessage(conn, keepalive, version, bytes.NewReader(buf.Bytes()))
	}

	conn.sendMu.Lock()
	n, err := proto.WriteFrame(conn.stream, tag, buf.Bytes())
	conn.sendMu.Unlock()
	conn.bytesSent.Add(uint64(n))
	c.metrics.AddBytesSent(n)
	if err != nil {
		conn.Kill()
		return fmt.Errorf("send to %s: %w", conn.peerID.Short(), err)
	}
	return nil
}

// setRun installs r as the active run, failing if one exists.
func (c *Cluster) setRun(r *Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentRun != nil {
		return ErrRunActive
	}
	c.currentRun = r
	return nil
}

func (c *Cluster) clearRun(r *Run) {
	c.mu.Lock()
	if c.currentRun == r {
		c.currentRun = nil
	}
	c.mu.Unlock()
}

// addConnection publishes the connection in every worker's map. Each map
// entry holds its own borrow, so the connection cannot drain while any
// worker still publishes it.
func (c *Cluster) addConnection(conn *Connection) bool {
	locks := make([]ConnLock, 0, len(c.workers))
	for range c.workers {
		lock, ok := conn.d.acquire()
		if !ok {
			for _, l := range locks {
				l.Release()
			}
			return false
		}
		locks = append(locks, lock)
	}
	for i, w := range c.workers {
		w.insert(conn.peerID, ConnEntry{Conn: conn, Lock: locks[i]})
	}
	c.metrics.IncConnections()
	return true
}

// removeConnection withdraws the connection from every worker's map and
// releases the registry borrows. After it returns no new borrower can find
// the connection; the drain signal fires once existing borrowers release.
func (c *Cluster) removeConnection(conn *Connection) {
	removed := false
	for _, w := range c.workers {
		if e, ok := w.remove(conn.peerID); ok {
			e.Lock.Release()
			removed = true
		}
	}
	if removed {
		c.metrics.DecConnections()
	}
}
