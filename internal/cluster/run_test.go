package cluster

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clusterlink/internal/network"
	"clusterlink/internal/peer"
	"clusterlink/internal/proto"
)

func testConfig() Config {
	return Config{
		Bind:       []string{"127.0.0.1"},
		ListenPort: 0,
	}
}

func startRun(t *testing.T, c *Cluster, cfg Config) *Run {
	t.Helper()
	r, err := NewRun(c, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func addrOf(t *testing.T, r *Run) peer.Address {
	t.Helper()
	addr, err := peer.NewAddress(peer.HostPort{Host: "127.0.0.1", Port: r.Port()})
	require.NoError(t, err)
	return addr
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

func hasConn(c *Cluster, id peer.ID) bool {
	_, ok := c.workers[0].Lookup(id)
	return ok
}

func connCount(c *Cluster) int {
	return len(c.workers[0].Get())
}

func TestRunLifecycle(t *testing.T) {
	c := New(Options{})
	r, err := NewRun(c, testConfig())
	require.NoError(t, err)
	require.NotZero(t, r.Port())
	require.NotEmpty(t, r.IPs())

	// The loopback connection is present from the start.
	require.True(t, hasConn(c, c.Me()))
	conn, lock, ok := c.GetConnection(c.Me())
	require.True(t, ok)
	require.True(t, conn.IsLoopback())
	require.Equal(t, c.Me(), conn.PeerID())
	lock.Release()

	_, err = NewRun(c, testConfig())
	require.ErrorIs(t, err, ErrRunActive)

	require.NoError(t, r.Close())
	require.Equal(t, 0, connCount(c))
	_, _, ok = c.GetConnection(c.Me())
	require.False(t, ok)

	// A new Run can start once the old one is gone.
	r2, err := NewRun(c, testConfig())
	require.NoError(t, err)
	require.NoError(t, r2.Close())
}

func TestRunAddressInUse(t *testing.T) {
	ls, err := network.Listen([]string{"127.0.0.1"}, 0)
	require.NoError(t, err)
	defer ls.Close()

	cfg := testConfig()
	cfg.ListenPort = ls.Port()
	_, err = NewRun(New(Options{}), cfg)
	require.ErrorIs(t, err, network.ErrAddressInUse)
}

func TestThreeNodeGossip(t *testing.T) {
	ca, cb, cc := New(Options{}), New(Options{}), New(Options{})
	ra := startRun(t, ca, testConfig())
	rb := startRun(t, cb, testConfig())
	rc := startRun(t, cc, testConfig())

	ra.Join(addrOf(t, rb))
	waitFor(t, 5*time.Second, "a<->b", func() bool {
		return hasConn(ca, cb.Me()) && hasConn(cb, ca.Me())
	})
	require.Equal(t, 2, connCount(ca))
	require.Equal(t, 2, connCount(cb))

	// Joining any one node is enough: c learns about b through a's
	// routing table and connects on its own.
	rc.Join(addrOf(t, ra))
	waitFor(t, 5*time.Second, "full mesh", func() bool {
		return connCount(ca) == 3 && connCount(cb) == 3 && connCount(cc) == 3
	})
	require.True(t, hasConn(cc, cb.Me()))
	require.True(t, hasConn(cb, cc.Me()))
}

type payloadRecorder struct {
	got chan []byte
}

func (h *payloadRecorder) HandleMessage(conn *Connection, keepalive ConnLock, version string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	h.got <- b
	return nil
}

func TestSimultaneousJoin(t *testing.T) {
	ca, cb := New(Options{}), New(Options{})
	ha := &payloadRecorder{got: make(chan []byte, 16)}
	hb := &payloadRecorder{got: make(chan []byte, 16)}
	require.NoError(t, ca.RegisterHandler('T', ha))
	require.NoError(t, cb.RegisterHandler('T', hb))

	ra := startRun(t, ca, testConfig())
	rb := startRun(t, cb, testConfig())

	ra.Join(addrOf(t, rb))
	rb.Join(addrOf(t, ra))

	waitFor(t, 5*time.Second, "mutual connection", func() bool {
		return hasConn(ca, cb.Me()) && hasConn(cb, ca.Me())
	})

	// Exactly one connection per pair survived the race, on both sides.
	require.Equal(t, 2, connCount(ca))
	require.Equal(t, 2, connCount(cb))

	send := func(from *Cluster, to peer.ID, msg string) {
		conn, lock, ok := from.GetConnection(to)
		require.True(t, ok)
		defer lock.Release()
		require.NoError(t, from.SendMessage(conn, lock, 'T', func(version string, w io.Writer) error {
			_, err := w.Write([]byte(msg))
			return err
		}))
	}
	send(ca, cb.Me(), "from-a")
	send(cb, ca.Me(), "from-b")

	select {
	case b := <-hb.got:
		require.Equal(t, []byte("from-a"), b)
	case <-time.After(5 * time.Second):
		t.Fatal("b never received a's message")
	}
	select {
	case b := <-ha.got:
		require.Equal(t, []byte("from-b"), b)
	case <-time.After(5 * time.Second):
		t.Fatal("a never received b's message")
	}
}

func TestMessageOrderingPerConnection(t *testing.T) {
	ca, cb := New(Options{}), New(Options{})
	hb := &payloadRecorder{got: make(chan []byte, 256)}
	require.NoError(t, cb.RegisterHandler('T', hb))

	ra := startRun(t, ca, testConfig())
	rb := startRun(t, cb, testConfig())
	ra.Join(addrOf(t, rb))
	waitFor(t, 5*time.Second, "connection", func() bool { return hasConn(ca, cb.Me()) })

	conn, lock, ok := ca.GetConnection(cb.Me())
	require.True(t, ok)
	defer lock.Release()
	for i := 0; i < 200; i++ {
		i := byte(i)
		require.NoError(t, ca.SendMessage(conn, lock, 'T', func(version string, w io.Writer) error {
			_, err := w.Write([]byte{i})
			return err
		}))
	}
	for i := 0; i < 200; i++ {
		select {
		case b := <-hb.got:
			require.Equal(t, []byte{byte(i)}, b, "frame %d out of order", i)
		case <-time.After(5 * time.Second):
			t.Fatalf("missing frame %d", i)
		}
	}
}

func TestKillUnderBorrow(t *testing.T) {
	ca, cb := New(Options{}), New(Options{})
	ra := startRun(t, ca, testConfig())
	rb := startRun(t, cb, testConfig())
	ra.Join(addrOf(t, rb))
	waitFor(t, 5*time.Second, "connection", func() bool { return hasConn(ca, cb.Me()) })

	conn, lock, ok := ca.GetConnection(cb.Me())
	require.True(t, ok)

	conn.Kill()
	conn.Kill() // idempotent

	// The entry disappears from the maps, but the drain signal must wait
	// for the borrow.
	waitFor(t, 5*time.Second, "map removal", func() bool { return !hasConn(ca, cb.Me()) })
	select {
	case <-conn.DrainSignal():
		t.Fatal("drain signal fired while a borrow was live")
	case <-time.After(100 * time.Millisecond):
	}

	lock.Release()
	select {
	case <-conn.DrainSignal():
	case <-time.After(5 * time.Second):
		t.Fatal("drain signal never fired after release")
	}

	_, _, ok = ca.GetConnection(cb.Me())
	require.False(t, ok)
}

// fakePeerHandshake speaks just enough of the protocol to register and then go
// silent: connect, complete the full handshake, never send a frame.
func fakePeerHandshake(t *testing.T, target peer.HostPort, pre proto.Preamble) (net.Conn, peer.ID, error) {
	t.Helper()
	id := peer.NewID()
	selfAddr, err := peer.NewAddress(peer.HostPort{Host: "127.0.0.1", Port: 1})
	require.NoError(t, err)

	nc, err := net.DialTimeout("tcp", target.String(), 5*time.Second)
	require.NoError(t, err)
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))
	bw := bufio.NewWriter(nc)
	br := bufio.NewReader(nc)

	require.NoError(t, proto.WritePreamble(bw, pre))
	require.NoError(t, proto.WriteID(bw, id))
	require.NoError(t, proto.WriteAddress(bw, selfAddr))
	require.NoError(t, bw.Flush())

	if _, err := proto.ReadPreamble(br); err != nil {
		return nc, id, err
	}
	theirID, err := proto.ReadID(br)
	if err != nil {
		return nc, id, err
	}
	if _, err := proto.ReadAddress(br); err != nil {
		return nc, id, err
	}

	table := map[peer.ID]peer.Address{id: selfAddr}
	if bytes.Compare(id[:], theirID[:]) < 0 {
		require.NoError(t, proto.WriteRoutingTable(bw, table))
		require.NoError(t, bw.Flush())
		if _, err := proto.ReadRoutingTable(br); err != nil {
			return nc, id, err
		}
	} else {
		if _, err := proto.ReadRoutingTable(br); err != nil {
			return nc, id, err
		}
		require.NoError(t, proto.WriteRoutingTable(bw, table))
		require.NoError(t, bw.Flush())
	}
	_ = nc.SetDeadline(time.Time{})
	return nc, id, nil
}

func TestHeartbeatEvictsSilentPeer(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 250 * time.Millisecond

	ch := New(Options{})
	rh := startRun(t, ch, cfg)

	nc, fakeID, err := fakePeerHandshake(t, peer.HostPort{Host: "127.0.0.1", Port: rh.Port()}, proto.LocalPreamble())
	require.NoError(t, err)
	defer nc.Close()

	waitFor(t, 5*time.Second, "registration", func() bool { return hasConn(ch, fakeID) })

	// The fake peer never sends a frame; within the timeout window (plus
	// scheduling slack) it must be evicted.
	waitFor(t, 2*time.Second, "eviction", func() bool { return !hasConn(ch, fakeID) })
	require.False(t, rh.routing.Contains(fakeID))
}

func TestHeartbeatKeepsIdleConnectionAlive(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 250 * time.Millisecond

	ca, cb := New(Options{}), New(Options{})
	ra := startRun(t, ca, cfg)
	rb := startRun(t, cb, cfg)
	ra.Join(addrOf(t, rb))
	waitFor(t, 5*time.Second, "connection", func() bool {
		return hasConn(ca, cb.Me()) && hasConn(cb, ca.Me())
	})

	// No application traffic flows, but heartbeats keep both sides up
	// across many timeout windows.
	time.Sleep(time.Second)
	require.True(t, hasConn(ca, cb.Me()))
	require.True(t, hasConn(cb, ca.Me()))
}

func TestVersionSkewRejected(t *testing.T) {
	ca := New(Options{})
	ra := startRun(t, ca, testConfig())

	pre := proto.LocalPreamble()
	pre.Version = "9.9"
	nc, fakeID, err := fakePeerHandshake(t, peer.HostPort{Host: "127.0.0.1", Port: ra.Port()}, pre)
	if nc != nil {
		defer nc.Close()
	}
	// The handshake must not complete: the remote closes after reading
	// the skewed version.
	require.Error(t, err)

	time.Sleep(100 * time.Millisecond)
	require.False(t, hasConn(ca, fakeID))
	require.False(t, ra.routing.Contains(fakeID))
	require.Equal(t, 1, connCount(ca), "only loopback may remain")
}

func TestStrictBuildModeRejects(t *testing.T) {
	cfg := testConfig()
	cfg.StrictBuildMode = true
	ca := New(Options{})
	ra := startRun(t, ca, cfg)

	pre := proto.LocalPreamble()
	pre.BuildMode = proto.BuildModeDebug
	nc, fakeID, err := fakePeerHandshake(t, peer.HostPort{Host: "127.0.0.1", Port: ra.Port()}, pre)
	if nc != nil {
		defer nc.Close()
	}
	require.Error(t, err)
	require.False(t, hasConn(ca, fakeID))
}

func TestBuildModeMismatchTolerated(t *testing.T) {
	ca := New(Options{})
	ra := startRun(t, ca, testConfig())

	pre := proto.LocalPreamble()
	pre.BuildMode = proto.BuildModeDebug
	nc, fakeID, err := fakePeerHandshake(t, peer.HostPort{Host: "127.0.0.1", Port: ra.Port()}, pre)
	require.NoError(t, err)
	defer nc.Close()

	waitFor(t, 5*time.Second, "registration despite build-mode skew", func() bool {
		return hasConn(ca, fakeID)
	})
}

func TestJoinWhileAttemptInFlightIsNoop(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			defer conn.Close()
		}
	}()

	ca := New(Options{})
	ra := startRun(t, ca, testConfig())

	target, err := peer.NewAddress(peer.HostPort{
		Host: "127.0.0.1",
		Port: uint16(l.Addr().(*net.TCPAddr).Port),
	})
	require.NoError(t, err)

	// The silent listener keeps the first attempt pending; the repeats
	// must all be swallowed by the attempt table.
	ra.Join(target)
	ra.Join(target)
	ra.Join(target)

	waitFor(t, 2*time.Second, "one dial", func() bool { return accepted.Load() >= 1 })
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, int32(1), accepted.Load())
}

func TestUnknownTagClosesConnection(t *testing.T) {
	ca := New(Options{})
	ra := startRun(t, ca, testConfig())

	nc, fakeID, err := fakePeerHandshake(t, peer.HostPort{Host: "127.0.0.1", Port: ra.Port()}, proto.LocalPreamble())
	require.NoError(t, err)
	defer nc.Close()
	waitFor(t, 5*time.Second, "registration", func() bool { return hasConn(ca, fakeID) })

	_, err = proto.WriteFrame(nc, 'z', []byte("nobody handles this"))
	require.NoError(t, err)

	waitFor(t, 5*time.Second, "protocol teardown", func() bool { return !hasConn(ca, fakeID) })
}
