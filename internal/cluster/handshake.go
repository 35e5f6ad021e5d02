package cluster

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"clusterlink/internal/debuglog"
	"clusterlink/internal/peer"
	"clusterlink/internal/proto"
)

const skewLogInterval = time.Minute

// handleConnection owns the entire lifetime of one intra-cluster stream:
// preamble, identification, routing-table exchange and commit, gossip,
// the frame read loop, and teardown. It is called for inbound streams from
// the accept loop and for outbound streams from connectToPeer.
func (r *Run) handleConnection(nc net.Conn, expect *peer.ID, required bool, successfulJoin *atomic.Bool) {
	// Tie the stream to the Run: cancellation closes it, which unblocks
	// any read or write below.
	stop := context.AfterFunc(r.ctx, func() { _ = nc.Close() })
	defer stop()
	defer func() { _ = nc.Close() }()

	remote := nc.RemoteAddr().String()
	_ = nc.SetDeadline(time.Now().Add(r.cfg.HandshakeTimeout))
	bw := bufio.NewWriter(nc)
	br := bufio.NewReader(nc)

	// Preamble: magic, version, arch, build mode.
	if err := proto.WritePreamble(bw, proto.LocalPreamble()); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}
	theirs, err := proto.ReadPreamble(br)
	if err != nil {
		r.parent.metrics.IncHandshakeReject("preamble")
		debuglog.Debugf("handshake with %s: %v", remote, err)
		return
	}
	if theirs.Header != proto.ProtoHeader {
		r.parent.metrics.IncHandshakeReject("bad_header")
		debuglog.Debugf("handshake with %s: not a cluster peer", remote)
		return
	}
	if theirs.Version != proto.ClusterVersion || theirs.Arch != proto.ArchBitsize() {
		r.parent.metrics.IncHandshakeReject("version_skew")
		debuglog.RateLimitedf("skew:"+remote, skewLogInterval,
			"rejecting %s: version skew (ours %s/%s-bit, theirs %s/%s-bit)",
			remote, proto.ClusterVersion, proto.ArchBitsize(), theirs.Version, theirs.Arch)
		return
	}
	if theirs.BuildMode != proto.BuildModeRelease {
		if r.cfg.StrictBuildMode {
			r.parent.metrics.IncHandshakeReject("build_mode")
			debuglog.RateLimitedf("build:"+remote, skewLogInterval,
				"rejecting %s: build mode %q (ours %q)", remote, theirs.BuildMode, proto.BuildModeRelease)
			return
		}
		debuglog.RateLimitedf("build:"+remote, skewLogInterval,
			"peer %s runs build mode %q (ours %q)", remote, theirs.BuildMode, proto.BuildModeRelease)
	}

	// Identification: peer id and canonical address, both directions.
	if err := proto.WriteID(bw, r.parent.me); err != nil {
		return
	}
	if err := proto.WriteAddress(bw, r.canonical); err != nil {
		return
	}
	if err := bw.Flush(); err != nil {
		return
	}
	otherID, err := proto.ReadID(br)
	if err != nil {
		r.parent.metrics.IncHandshakeReject("identify")
		return
	}
	otherAddr, err := proto.ReadAddress(br)
	if err != nil {
		r.parent.metrics.IncHandshakeReject("identify")
		return
	}
	if otherID == r.parent.me {
		// We dialed one of our own addresses.
		debuglog.Debugf("dropped connection to ourself via %s", remote)
		return
	}
	if expect != nil && *expect != otherID && required {
		debuglog.Debugf("expected %s at %s, found %s", expect.Short(), remote, otherID.Short())
		return
	}

	// Routing-table exchange and commit. Ordering is by peer id: the
	// lower id commits and sends first, the higher id reads the peer's
	// table before committing. When two nodes dial each other at once
	// this makes both sides judge the two streams in the same order, so
	// the same stream survives on both ends.
	var theirTable map[peer.ID]peer.Address
	if bytes.Compare(r.parent.me[:], otherID[:]) < 0 {
		toSend, ok := r.commitNewConnection(otherID, otherAddr)
		if !ok {
			r.loseRace(otherID, remote)
			return
		}
		if err := r.sendRoutingTable(bw, toSend); err != nil {
			r.routing.Remove(otherID)
			return
		}
		theirTable, err = proto.ReadRoutingTable(br)
		if err != nil {
			r.protocolReject(otherAddr, remote, fmt.Errorf("read routing table: %w", err))
			r.routing.Remove(otherID)
			return
		}
	} else {
		theirTable, err = proto.ReadRoutingTable(br)
		if err != nil {
			r.protocolReject(otherAddr, remote, fmt.Errorf("read routing table: %w", err))
			return
		}
		toSend, ok := r.commitNewConnection(otherID, otherAddr)
		if !ok {
			r.loseRace(otherID, remote)
			return
		}
		if err := r.sendRoutingTable(bw, toSend); err != nil {
			r.routing.Remove(otherID)
			return
		}
	}

	if successfulJoin != nil {
		successfulJoin.Store(true)
	}

	// Live: publish the connection, then learn about the peer's peers.
	conn := newConnection(otherID, otherAddr, nc)
	conn.noteActivity(r.parent.hb.now())
	_ = nc.SetDeadline(time.Time{})
	r.parent.addConnection(conn)
	debuglog.Logf("connected: peer=%s addr=%s", otherID.Short(), otherAddr)

	for id, addr := range theirTable {
		if id == r.parent.me || r.routing.Contains(id) {
			continue
		}
		r.joinExpecting(addr, id, false)
	}

	readErr := r.readLoop(conn, br)

	// Teardown: withdraw from every worker map, wait for borrowers, and
	// only then free the routing entry for a successor connection.
	conn.Kill()
	r.parent.removeConnection(conn)
	conn.d.await()
	r.routing.Remove(otherID)
	debuglog.Logf("disconnected: peer=%s (%v)", otherID.Short(), readErr)
}

// commitNewConnection is the race-resolution point: under newConnMu it
// inserts the peer into the routing table and snapshots the table to send,
// excluding the peer itself. A failed insert means another connection to
// this peer won; the caller closes silently.
func (r *Run) commitNewConnection(id peer.ID, addr peer.Address) (map[peer.ID]peer.Address, bool) {
	r.newConnMu.Lock()
	defer r.newConnMu.Unlock()
	if !r.routing.TryAdd(id, addr) {
		return nil, false
	}
	snap := r.routing.Snapshot()
	delete(snap, id)
	return snap, true
}

func (r *Run) sendRoutingTable(bw *bufio.Writer, table map[peer.ID]peer.Address) error {
	if err := proto.WriteRoutingTable(bw, table); err != nil {
		return err
	}
	return bw.Flush()
}

func (r *Run) loseRace(id peer.ID, remote string) {
	r.parent.metrics.IncRaceLoss()
	debuglog.Debugf("dropping duplicate connection to %s via %s", id.Short(), remote)
}

// protocolReject closes the books on a stream that spoke garbage: the
// address is muted so gossip does not immediately redial it. A fresh
// explicit Join still may. A bare close is not garbage — the peer may have
// lost the connection race on its side — so EOF does not mute.
func (r *Run) protocolReject(addr peer.Address, remote string, err error) {
	r.parent.metrics.IncHandshakeReject("protocol")
	if !addr.IsZero() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		r.mute(addr)
	}
	debuglog.Debugf("protocol error from %s: %v", remote, err)
}

// readLoop delivers frames to handlers, one at a time, in wire order. Any
// error ends the connection.
func (r *Run) readLoop(conn *Connection, br *bufio.Reader) error {
	for {
		tag, payload, err := proto.ReadFrame(br)
		if err != nil {
			return err
		}
		r.parent.metrics.IncFramesReceived()
		conn.noteActivity(r.parent.hb.now())
		h := r.parent.handler(tag)
		if h == nil {
			return fmt.Errorf("%w: no handler for tag %d", ErrProtocol, tag)
		}
		lock, ok := conn.d.acquire()
		if !ok {
			return ErrDraining
		}
		err = h.HandleMessage(conn, lock, proto.ClusterVersion, bytes.NewReader(payload))
		lock.Release()
		if err != nil {
			return fmt.Errorf("%w: handler for tag %d: %v", ErrProtocol, tag, err)
		}
	}
}
