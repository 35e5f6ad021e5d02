package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/semaphore"

	"clusterlink/internal/debuglog"
	"clusterlink/internal/network"
	"clusterlink/internal/peer"
)

// Run is the active phase of a Cluster: it owns the listeners, the routing
// and attempt tables, and every connection it creates. Constructing a Run
// starts listening; Close stops accepting, drains every connection and only
// returns once no handler will ever be invoked again for this Run.
type Run struct {
	parent *Cluster
	cfg    Config

	listeners *network.ListenerSet
	canonical peer.Address

	routing  *peer.RoutingTable
	attempts *peer.AttemptTable

	// newConnMu serializes handshake commits: the routing-table insert
	// and the snapshot of the table to send happen under it, never a
	// network read or write.
	newConnMu sync.Mutex

	// muted remembers addresses whose handshake routing table recently
	// failed to decode so gossip does not redial them immediately.
	// Explicit joins ignore it.
	muted *expirable.LRU[peer.HostPort, struct{}]

	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	// d tracks every goroutine the Run spawns; Close drains it.
	d *drainer

	loopback *Connection
}

// NewRun binds the listeners, installs the loopback connection and starts
// accepting. Bind failures surface to the caller; everything after
// construction is recovered per-connection.
func NewRun(c *Cluster, cfg Config) (*Run, error) {
	cfg = cfg.withDefaults()

	r := &Run{
		parent:   c,
		cfg:      cfg,
		routing:  peer.NewRoutingTable(),
		attempts: peer.NewAttemptTable(),
		muted:    expirable.NewLRU[peer.HostPort, struct{}](defaultMuteCap, nil, cfg.MuteTTL),
		sem:      semaphore.NewWeighted(int64(cfg.DialConcurrency)),
		d:        newDrainer(),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	if err := c.setRun(r); err != nil {
		return nil, err
	}

	ls, err := network.Listen(cfg.Bind, cfg.ListenPort)
	if err != nil {
		c.clearRun(r)
		return nil, err
	}
	r.listeners = ls

	canonical := cfg.Canonical
	if len(canonical) == 0 {
		canonical = ls.Addrs()
	}
	addr, err := peer.NewAddress(canonical...)
	if err != nil {
		_ = ls.Close()
		c.clearRun(r)
		return nil, err
	}
	r.canonical = addr

	// The loopback connection is registered before we accept anything, so
	// the local peer is always present in every connection map.
	r.loopback = newConnection(c.me, addr, nil)
	r.routing.TryAdd(c.me, addr)
	c.addConnection(r.loopback)

	r.spawn(r.acceptLoop)
	c.hb.start(r)

	debuglog.Logf("cluster run started: peer=%s port=%d canonical=%s", c.me.Short(), ls.Port(), addr)
	return r, nil
}

// spawn runs fn on a goroutine tracked by the Run's drainer; Close waits
// for all of them. Once draining has begun, spawn is a no-op.
func (r *Run) spawn(fn func()) {
	lock, ok := r.d.acquire()
	if !ok {
		return
	}
	go func() {
		defer lock.Release()
		fn()
	}()
}

func (r *Run) acceptLoop() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case nc, ok := <-r.listeners.Conns():
			if !ok {
				return
			}
			r.spawn(func() {
				r.handleConnection(nc, nil, false, nil)
			})
		}
	}
}

// Join attaches this cluster to the one reachable at addr. It returns
// immediately; the dial and handshake happen in the background. Joining an
// address already being attempted is a no-op.
func (r *Run) Join(addr peer.Address) {
	r.spawn(func() {
		r.joinBlocking(addr, nil, false, false)
	})
}

// joinExpecting is the gossip path: it carries the peer id we were told
// lives at addr. The hint prunes duplicate attempts early; a different id
// answering is fine unless required is set.
func (r *Run) joinExpecting(addr peer.Address, expect peer.ID, required bool) {
	r.spawn(func() {
		r.joinBlocking(addr, &expect, required, true)
	})
}

// joinBlocking launches one dial per endpoint of addr and returns once every
// one of them has finished. A dial whose handshake won runs its connection
// to the end, so joinBlocking returns only after that connection has been
// torn down (or after all dials have failed). All but one handshake should lose:
// either the TCP dial fails, or the routing-table commit resolves the race.
func (r *Run) joinBlocking(addr peer.Address, expect *peer.ID, required bool, gossip bool) {
	if expect != nil && (r.routing.Contains(*expect) || *expect == r.parent.me) {
		return
	}
	if !r.attempts.Begin(addr) {
		debuglog.Debugf("join %s skipped: attempt already in flight", addr)
		return
	}
	defer r.attempts.End(addr)

	endpoints := addr.Endpoints()
	if gossip {
		endpoints = r.unmuted(endpoints)
		if len(endpoints) == 0 {
			return
		}
	}

	r.parent.metrics.IncJoinSpawned()
	var successfulJoin atomic.Bool
	done := make(chan struct{}, len(endpoints))
	launched := 0
	for _, ep := range endpoints {
		ep := ep
		lock, ok := r.d.acquire()
		if !ok {
			break
		}
		launched++
		go func() {
			defer lock.Release()
			defer func() { done <- struct{}{} }()
			r.connectToPeer(ep, addr, expect, required, &successfulJoin)
		}()
	}
	// The attempt-table claim lives until every endpoint dial has
	// resolved; a repeat join for the same address is a no-op meanwhile.
	for i := 0; i < launched; i++ {
		<-done
	}
}

// connectToPeer dials one endpoint of a join target. The shared semaphore
// bounds how many dials are in flight at once across all joins; it is
// released before the handshake so a slot is never held for a connection's
// lifetime. The successfulJoin flag short-circuits sibling dials for the
// same target once one handshake has registered.
func (r *Run) connectToPeer(ep peer.HostPort, addr peer.Address, expect *peer.ID, required bool, successfulJoin *atomic.Bool) {
	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		return
	}
	if successfulJoin.Load() {
		r.sem.Release(1)
		return
	}

	reason := "join"
	if expect != nil {
		reason = "gossip"
	}
	r.parent.metrics.IncDialAttempt(reason)

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HandshakeTimeout)
	nc, err := network.Dial(ctx, ep, r.cfg.ClientPort)
	cancel()
	r.sem.Release(1)
	if err != nil {
		r.parent.metrics.IncDialFailure(reason)
		debuglog.Debugf("dial %s failed: %v", ep, err)
		return
	}
	if successfulJoin.Load() {
		_ = nc.Close()
		return
	}
	r.handleConnection(nc, expect, required, successfulJoin)
}

func (r *Run) unmuted(eps []peer.HostPort) []peer.HostPort {
	out := eps[:0]
	for _, ep := range eps {
		if _, bad := r.muted.Get(ep); bad {
			continue
		}
		out = append(out, ep)
	}
	return out
}

func (r *Run) mute(addr peer.Address) {
	for _, ep := range addr.Endpoints() {
		r.muted.Add(ep, struct{}{})
	}
}

// IPs returns the endpoints this Run is reachable on.
func (r *Run) IPs() []peer.HostPort {
	return r.listeners.Addrs()
}

// Port returns the bound cluster port.
func (r *Run) Port() uint16 {
	return r.listeners.Port()
}

// Canonical returns the address advertised to peers.
func (r *Run) Canonical() peer.Address {
	return r.canonical
}

// Close stops accepting, tears down every connection and waits until all
// of the Run's work has finished. After Close returns, no message handler
// will be invoked again for any connection this Run created.
func (r *Run) Close() error {
	r.cancel()
	err := r.listeners.Close()

	// Every in-flight handshake and read loop owns a stream wired to
	// r.ctx via context.AfterFunc, so the cancel above unblocks them all;
	// each tears its connection down on the way out.
	r.d.beginDrain()
	r.d.await()

	// The loopback connection has no read loop; it is torn down here, in
	// the same order as any other connection.
	r.loopback.Kill()
	r.parent.removeConnection(r.loopback)
	r.loopback.d.await()
	r.routing.Remove(r.parent.me)

	r.parent.clearRun(r)
	debuglog.Logf("cluster run closed: peer=%s", r.parent.me.Short())
	return err
}
